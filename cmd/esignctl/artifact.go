package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lumenhouse/esign/pkg/integrity"
)

var errIntegrityMismatch = errors.New("integrity check failed")

func newPDFCmd() *cobra.Command {
	var (
		generate bool
		file     string
	)
	cmd := &cobra.Command{
		Use:   "pdf <document-id>",
		Short: "Download the sealed PDF, or generate it with --generate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if generate {
				var seal map[string]string
				if err := client.postJSON(documentPath(args[0], "/pdf"), nil, &seal); err != nil {
					return err
				}
				if structured() {
					return printOutput(seal)
				}
				printTable([]string{"Path", "SHA-256"}, [][]string{{seal["path"], seal["hash"]}})
				return nil
			}

			if file == "" {
				file = args[0] + ".pdf"
			}
			f, err := os.Create(file)
			if err != nil {
				return err
			}
			header, err := client.download(documentPath(args[0], "/pdf"), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(file)
				return err
			}
			fmt.Fprintf(stdout, "wrote %s (sha256 %s, integrity %s)\n",
				file, header.Get("X-Content-SHA256"), header.Get("X-Integrity"))
			if header.Get("X-Integrity") == "mismatch" {
				return fmt.Errorf("%s: %w", args[0], errIntegrityMismatch)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "Render and seal the PDF instead of downloading it")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Output file (default <document-id>.pdf)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <document-id>",
		Short: "Recompute the artifact hash and compare it with the seal",
		Long: `verify recomputes the SHA-256 of the stored PDF and compares it with the
hash sealed at completion. It exits with status 2 when they differ.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res integrity.Result
			if err := newClient().getJSON(documentPath(args[0], "/integrity"), &res); err != nil {
				return err
			}
			if structured() {
				if err := printOutput(res); err != nil {
					return err
				}
			} else {
				printTable([]string{"Field", "Value"}, [][]string{
					{"Document", res.DocumentID},
					{"Valid", strconv.FormatBool(res.Valid)},
					{"Sealed hash", res.SealedHash},
					{"Recomputed hash", res.RecomputedHash},
					{"Reason", res.Reason},
				})
			}
			if !res.Valid {
				return fmt.Errorf("%s: %w", args[0], errIntegrityMismatch)
			}
			return nil
		},
	}
}
