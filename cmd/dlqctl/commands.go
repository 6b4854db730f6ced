package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/models"
)

type rootOptions struct {
	addr    string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "dlqctl",
		Short:        "Inspect and recover dead-lettered jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:8080", "job server address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(listCmd(opts), showCmd(opts), retryCmd(opts), discardCmd(opts))
	return root
}

func listCmd(opts *rootOptions) *cobra.Command {
	var status, topic string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if topic != "" {
				q.Set("topic", topic)
			}
			var listing deadletter.Listing
			if err := newClient(opts.addr, opts.timeout).do(cmd.Context(), "GET", "/dlq", q, &listing); err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), listing)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending-review, retrying, resolved, discarded)")
	cmd.Flags().StringVar(&topic, "topic", "", "filter by original topic")
	return cmd
}

func showCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ENTRY_ID",
		Short: "Show one dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entry models.DeadLetterEntry
			if err := newClient(opts.addr, opts.timeout).do(cmd.Context(), "GET", "/dlq/"+url.PathEscape(args[0]), nil, &entry); err != nil {
				return err
			}
			printEntry(cmd.OutOrStdout(), entry)
			return nil
		},
	}
}

func retryCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry ENTRY_ID",
		Short: "Re-run the job behind a dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts.addr, opts.timeout)
			path := "/dlq/retry/" + url.PathEscape(args[0])
			out := cmd.OutOrStdout()
			if !wait {
				var resp struct {
					EntryID       string `json:"entry_id"`
					RecoveryJobID string `json:"recovery_job_id"`
				}
				if err := c.do(cmd.Context(), "POST", path, nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "entry %s retrying as job %s\n", resp.EntryID, resp.RecoveryJobID)
				return nil
			}
			var entry models.DeadLetterEntry
			if err := c.do(cmd.Context(), "POST", path, url.Values{"wait": {"true"}}, &entry); err != nil {
				return err
			}
			printEntry(out, entry)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the recovery job finishes")
	return cmd
}

func discardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard ENTRY_ID",
		Short: "Close a dead-letter entry without retrying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entry models.DeadLetterEntry
			if err := newClient(opts.addr, opts.timeout).do(cmd.Context(), "POST", "/dlq/discard/"+url.PathEscape(args[0]), nil, &entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entry %s %s\n", entry.ID, entry.Status)
			return nil
		},
	}
}

func printListing(w io.Writer, l deadletter.Listing) {
	if l.TotalCount == 0 {
		fmt.Fprintln(w, "no dead-letter entries")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tSTATUS\tATTEMPTS\tRETRYABLE\tARRIVED\tREASON")
	for _, e := range l.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%t\t%s\t%s\n",
			e.ID, e.OriginalTopic, e.Status, e.AttemptCount, e.MaxAttempts, e.CanRetry,
			e.ArrivedAt.Format(time.RFC3339), truncate(e.FailureReason, 60))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\ntotal: %d\n", l.TotalCount)
	topics := make([]string, 0, len(l.ByTopic))
	for t := range l.ByTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		fmt.Fprintf(w, "  %s: %d\n", t, l.ByTopic[t])
	}
}

func printEntry(w io.Writer, e models.DeadLetterEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", e.ID)
	fmt.Fprintf(tw, "job:\t%s\n", e.JobID)
	fmt.Fprintf(tw, "topic:\t%s\n", e.OriginalTopic)
	fmt.Fprintf(tw, "trace:\t%s\n", e.TraceID)
	fmt.Fprintf(tw, "status:\t%s\n", e.Status)
	fmt.Fprintf(tw, "attempts:\t%d/%d\n", e.AttemptCount, e.MaxAttempts)
	fmt.Fprintf(tw, "retryable:\t%t\n", e.CanRetry)
	fmt.Fprintf(tw, "arrived:\t%s\n", e.ArrivedAt.Format(time.RFC3339))
	if e.RecoveryJobID != "" {
		fmt.Fprintf(tw, "recovery job:\t%s (attempt %d)\n", e.RecoveryJobID, e.RecoveryAttempts)
	}
	if e.ResolvedAt != nil {
		fmt.Fprintf(tw, "resolved:\t%s\n", e.ResolvedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "reason:\t%s\n", e.FailureReason)
	_ = tw.Flush()
	if len(e.OriginalPayload) > 0 {
		fmt.Fprintf(w, "payload: %s\n", e.OriginalPayload)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
