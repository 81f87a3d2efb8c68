package main

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lumenhouse/esign/pkg/signing"
)

func newEnvelopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Manage multi-signer envelopes",
	}
	cmd.AddCommand(
		newEnvelopeCreateCmd(),
		newEnvelopeGetCmd(),
		newDraftUpdateCmd("envelope", envelopePath),
		newEnvelopeDeleteCmd(),
		newAddSignerCmd(),
		newMoveSignerCmd(),
		newRemoveSignerCmd(),
	)
	return cmd
}

func envelopePath(id string) string {
	return "/admin/envelopes/" + url.PathEscape(id)
}

// parseSigner accepts "Name <email>" or a bare address.
func parseSigner(s string) (signing.SignerInput, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return signing.SignerInput{}, fmt.Errorf("signer %q: %w", s, err)
	}
	return signing.SignerInput{Name: addr.Name, Email: addr.Address}, nil
}

func newEnvelopeCreateCmd() *cobra.Command {
	var (
		doc      documentFlags
		workflow string
		signers  []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft envelope",
		Example: `  esignctl envelope create --title "Wedding Agreement" --template wedding \
    --var client_name="Ana Ruiz" --signer "Ana Ruiz <ana@example.com>" --signer "Studio <desk@example.com>"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := signing.EnvelopeInput{
				Title:      doc.title,
				TemplateID: doc.template,
				Body:       doc.body,
				Variables:  doc.variables,
				Workflow:   signing.Workflow(strings.ToUpper(workflow)),
				ExpiresAt:  doc.expiresAt(),
			}
			for _, s := range signers {
				signer, err := parseSigner(s)
				if err != nil {
					return err
				}
				in.Signers = append(in.Signers, signer)
			}

			var out signing.Document
			if err := newClient().postJSON("/admin/envelopes", in, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
	doc.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&workflow, "workflow", "sequential", "Signer ordering: sequential or parallel")
	cmd.Flags().StringArrayVar(&signers, "signer", nil, `Signer as "Name <email>", in signing order (repeatable)`)
	return cmd
}

func newEnvelopeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an envelope and its signers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Document
			if err := newClient().getJSON(envelopePath(args[0]), &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
}

func newEnvelopeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(envelopePath(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "envelope %s deleted\n", args[0])
			return nil
		},
	}
}

func newAddSignerCmd() *cobra.Command {
	var (
		in     signing.SignerInput
		signer string
	)
	cmd := &cobra.Command{
		Use:   "add-signer <envelope-id>",
		Short: "Add a signer to a draft envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if signer != "" {
				parsed, err := parseSigner(signer)
				if err != nil {
					return err
				}
				in.Name, in.Email = parsed.Name, parsed.Email
			}
			var out signing.Signer
			if err := newClient().postJSON(envelopePath(args[0])+"/signers", in, &out); err != nil {
				return err
			}
			if structured() {
				return printOutput(out)
			}
			printSigners([]signing.Signer{out})
			return nil
		},
	}
	cmd.Flags().StringVar(&signer, "signer", "", `Signer as "Name <email>"`)
	cmd.Flags().StringVar(&in.Role, "role", "", "Signer role, e.g. client or photographer")
	cmd.Flags().IntVar(&in.Position, "position", 0, "1-based signing position (default: last)")
	return cmd
}

func newMoveSignerCmd() *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "move-signer <envelope-id> <signer-id>",
		Short: "Change a signer's position in a draft envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Signer
			path := envelopePath(args[0]) + "/signers/" + url.PathEscape(args[1])
			if err := newClient().patchJSON(path, map[string]int{"position": position}, &out); err != nil {
				return err
			}
			if structured() {
				return printOutput(out)
			}
			printSigners([]signing.Signer{out})
			return nil
		},
	}
	cmd.Flags().IntVar(&position, "position", 0, "New 1-based position")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func newRemoveSignerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-signer <envelope-id> <signer-id>",
		Short: "Remove a signer from a draft envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := envelopePath(args[0]) + "/signers/" + url.PathEscape(args[1])
			if err := newClient().delete(path); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "signer %s removed\n", args[1])
			return nil
		},
	}
}
