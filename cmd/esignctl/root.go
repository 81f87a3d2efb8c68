package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var outputFmt string

var rootCmd = &cobra.Command{
	Use:   "esignctl",
	Short: "CLI for the e-signature server admin API",
	Long: `esignctl manages contracts and envelopes on an esign server.

The server URL and the admin bearer token are read from --server and --token,
or from the ESIGNCTL_SERVER and ESIGNCTL_TOKEN environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "esign server URL")
	rootCmd.PersistentFlags().String("token", "", "Admin bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	viper.SetEnvPrefix("ESIGNCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(newContractCmd())
	rootCmd.AddCommand(newEnvelopeCmd())
	rootCmd.AddCommand(newDocumentsCmd())
	rootCmd.AddCommand(newSendCmd(), newResendCmd(), newVoidCmd())
	rootCmd.AddCommand(newPDFCmd(), newVerifyCmd(), newAuditCmd())
	rootCmd.AddCommand(newJobsCmd())
}
