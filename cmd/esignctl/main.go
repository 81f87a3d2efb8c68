package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		// verify exits 2 so scripts can tell a tampered artifact from a
		// failed request.
		if errors.Is(err, errIntegrityMismatch) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
