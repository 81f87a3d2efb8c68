package main

import (
	"github.com/spf13/cobra"

	"github.com/lumenhouse/esign/pkg/signing"
)

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <document-id>",
		Short: "Send a draft to its signers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Document
			if err := newClient().postJSON(documentPath(args[0], "/send"), nil, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
}

func newResendCmd() *cobra.Command {
	var signerID string
	cmd := &cobra.Command{
		Use:   "resend <document-id>",
		Short: "Issue a fresh signing link, revoking the previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Document
			body := map[string]string{}
			if signerID != "" {
				body["signerId"] = signerID
			}
			if err := newClient().postJSON(documentPath(args[0], "/resend"), body, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
	cmd.Flags().StringVar(&signerID, "signer", "", "Envelope signer to resend to (default: the current signer)")
	return cmd
}

func newVoidCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void <document-id>",
		Short: "Void a contract or cancel an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Document
			body := map[string]string{}
			if reason != "" {
				body["reason"] = reason
			}
			if err := newClient().postJSON(documentPath(args[0], "/void"), body, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}
