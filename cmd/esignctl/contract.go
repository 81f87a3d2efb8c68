package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/lumenhouse/esign/pkg/signing"
)

func newContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Manage single-recipient contracts",
	}
	cmd.AddCommand(newContractCreateCmd(), newContractGetCmd(), newContractUpdateCmd(), newContractDeleteCmd())
	return cmd
}

func contractPath(id string) string {
	return "/admin/contracts/" + url.PathEscape(id)
}

func newContractCreateCmd() *cobra.Command {
	var (
		doc         documentFlags
		name, email string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := signing.ContractInput{
				Title:      doc.title,
				TemplateID: doc.template,
				Body:       doc.body,
				Variables:  doc.variables,
				Recipient:  signing.SignerInput{Name: name, Email: email},
				ExpiresAt:  doc.expiresAt(),
			}
			var out signing.Document
			if err := newClient().postJSON("/admin/contracts", in, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
	doc.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&name, "name", "", "Recipient name")
	cmd.Flags().StringVar(&email, "email", "", "Recipient email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newContractGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out signing.Document
			if err := newClient().getJSON(contractPath(args[0]), &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
}

func newContractUpdateCmd() *cobra.Command {
	return newDraftUpdateCmd("contract", contractPath)
}

func newContractDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(contractPath(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "contract %s deleted\n", args[0])
			return nil
		},
	}
}

// newDraftUpdateCmd edits the title, variables or expiry of a draft.
func newDraftUpdateCmd(kind string, path func(string) string) *cobra.Command {
	var (
		title     string
		variables map[string]string
		doc       documentFlags
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: fmt.Sprintf("Edit a draft %s", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in signing.DraftUpdate
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			in.Variables = variables
			in.ExpiresAt = doc.expiresAt()

			var out signing.Document
			if err := newClient().patchJSON(path(args[0]), in, &out); err != nil {
				return err
			}
			return printDocument(&out)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringToStringVar(&variables, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().DurationVar(&doc.expiresIn, "expires-in", 0, "Expire the document after this long from now")
	return cmd
}
