package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lumenhouse/esign/pkg/signing"
)

// documentFlags are shared by contract create and envelope create.
type documentFlags struct {
	title     string
	template  string
	body      string
	variables map[string]string
	expiresIn time.Duration
}

func (f *documentFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.title, "title", "", "Document title")
	fs.StringVar(&f.template, "template", "", "Template ID")
	fs.StringVar(&f.body, "body", "", "Inline HTML body, used when no template is given")
	fs.StringToStringVar(&f.variables, "var", nil, "Template variable as key=value (repeatable)")
	fs.DurationVar(&f.expiresIn, "expires-in", 0, "Expire the document after this long, e.g. 336h")
}

func (f *documentFlags) expiresAt() *time.Time {
	if f.expiresIn <= 0 {
		return nil
	}
	t := time.Now().Add(f.expiresIn).UTC()
	return &t
}

func printDocument(doc *signing.Document) error {
	if structured() {
		return printOutput(doc)
	}
	printTable([]string{"Field", "Value"}, [][]string{
		{"ID", doc.ID},
		{"Number", doc.Number},
		{"Kind", string(doc.Kind)},
		{"Title", doc.Title},
		{"Status", string(doc.Status)},
		{"Workflow", string(doc.Workflow)},
		{"Version", strconv.Itoa(doc.Version)},
		{"Sent", formatTime(doc.SentAt)},
		{"Completed", formatTime(doc.CompletedAt)},
		{"Expires", formatTime(doc.ExpiresAt)},
		{"Artifact hash", doc.ArtifactHash},
	})
	if len(doc.Signers) > 0 {
		fmt.Fprintln(stdout)
		printSigners(doc.Signers)
	}
	return nil
}

func printSigners(signers []signing.Signer) {
	rows := make([][]string, 0, len(signers))
	for _, s := range signers {
		rows = append(rows, []string{
			strconv.Itoa(s.Position), s.ID, s.Name, s.Email, string(s.Status), formatTime(s.SignedAt),
		})
	}
	printTable([]string{"Pos", "Signer ID", "Name", "Email", "Status", "Signed"}, rows)
}

func newDocumentsCmd() *cobra.Command {
	var (
		kind, status, createdBy, pageToken string
		pageSize                           int
	)
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List contracts and envelopes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "kind", kind)
			setIf(q, "status", strings.ToUpper(status))
			setIf(q, "createdBy", createdBy)
			setIf(q, "pageToken", pageToken)
			if pageSize > 0 {
				q.Set("pageSize", strconv.Itoa(pageSize))
			}

			var page signing.DocumentPage
			if err := newClient().getJSON(withQuery("/admin/documents", q), &page); err != nil {
				return err
			}
			if structured() {
				return printOutput(page)
			}

			rows := make([][]string, 0, len(page.Documents))
			for _, d := range page.Documents {
				rows = append(rows, []string{
					d.ID, d.Number, string(d.Kind), truncate(d.Title, 40), string(d.Status), formatTime(&d.CreatedAt),
				})
			}
			printTable([]string{"ID", "Number", "Kind", "Title", "Status", "Created"}, rows)
			if page.NextPageToken != "" {
				fmt.Fprintf(stdout, "\nMore results: --page-token %s\n", page.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind: contract or envelope")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status, e.g. SENT")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Filter by creator")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Results per page (server default 20, max 100)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Continue from a previous page")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func documentPath(id string, suffix ...string) string {
	return "/admin/documents/" + url.PathEscape(id) + strings.Join(suffix, "")
}
