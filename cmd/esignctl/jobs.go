package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type jobItem struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	DocumentID   string `json:"documentId,omitempty"`
	SignerID     string `json:"signerId,omitempty"`
	RequestedBy  string `json:"requestedBy"`
	RequestedAt  string `json:"requestedAt"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

type jobPage struct {
	Jobs          []jobItem `json:"jobs"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
	TotalSize     int       `json:"totalSize"`
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect sealing and notification jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsGetCmd(), newJobsCancelCmd())
	return cmd
}

func printJobs(items []jobItem) {
	rows := make([][]string, 0, len(items))
	for _, j := range items {
		rows = append(rows, []string{
			j.ID, j.Kind, j.DocumentID, j.State, strconv.Itoa(j.AttemptCount), truncate(j.LastError, 40),
		})
	}
	printTable([]string{"ID", "Kind", "Document", "State", "Attempts", "Last Error"}, rows)
}

func newJobsListCmd() *cobra.Command {
	var kind, state, documentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "kind", kind)
			setIf(q, "state", state)
			setIf(q, "documentId", documentID)

			var page jobPage
			if err := newClient().getJSON(withQuery("/admin/jobs", q), &page); err != nil {
				return err
			}
			if structured() {
				return printOutput(page)
			}
			printJobs(page.Jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by job kind")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	cmd.Flags().StringVar(&documentID, "document", "", "Filter by document ID")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobItem
			if err := newClient().getJSON("/admin/jobs/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			if structured() {
				return printOutput(job)
			}
			printJobs([]jobItem{job})
			return nil
		},
	}
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().postJSON("/admin/jobs/"+url.PathEscape(args[0])+":cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "job %s canceled\n", args[0])
			return nil
		},
	}
}
