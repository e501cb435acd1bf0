package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"lexrt/pkg/history"
	"lexrt/pkg/stream"
)

// historyConfig holds flags for the history command.
type historyConfig struct {
	kind   string
	status string
	limit  int
	json   bool
}

// newHistoryCmd creates the "lexrt history" subcommand.
func newHistoryCmd(g *globalFlags) *cobra.Command {
	var hc historyConfig

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions",
		Long:  "Lists finished chat turns and summarizations from the local archive,\nnewest first. With a session id, shows that session's turns in full.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			if env.cfg.History.Disabled {
				return fmt.Errorf("history is disabled in the config")
			}

			archive, err := history.Open(cmd.Context(), env.cfg.History.Path)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer archive.Close()

			opts := history.QueryOpts{
				Kind:   stream.Kind(hc.kind),
				Status: stream.Status(hc.status),
				Limit:  hc.limit,
			}
			if len(args) == 1 {
				opts.SessionID = args[0]
			}
			recs, err := archive.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if hc.json {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(args) == 1 {
				return printSessionTurns(w, recs)
			}
			return printHistory(w, recs)
		},
	}

	cmd.Flags().StringVar(&hc.kind, "kind", "", "filter by kind: chat, summarization")
	cmd.Flags().StringVar(&hc.status, "status", "", "filter by status: completed, failed")
	cmd.Flags().IntVar(&hc.limit, "limit", 20, "maximum number of sessions (0 = all)")
	cmd.Flags().BoolVar(&hc.json, "json", false, "print JSON")

	return cmd
}

func printHistory(w io.Writer, recs []history.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no archived sessions")
		return err
	}
	fmt.Fprintf(w, "%-20s %-36s %-13s %-9s %s\n", "FINISHED", "SESSION", "KIND", "STATUS", "CONTENT")
	for _, r := range recs {
		text := r.Session.Content
		if r.Session.Status == stream.StatusFailed {
			text = "error: " + r.Session.Error
		}
		fmt.Fprintf(w, "%-20s %-36s %-13s %-9s %s\n",
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.Session.ID, r.Session.Kind, r.Session.Status, truncate(text, 60))
	}
	return nil
}

func printSessionTurns(w io.Writer, recs []history.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "session not archived")
		return err
	}
	// Oldest turn first.
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		fmt.Fprintf(w, "[%s] %s %s\n", r.FinishedAt.Local().Format("15:04:05"), r.Session.Kind, r.Session.Status)
		if r.Session.Status == stream.StatusFailed {
			fmt.Fprintf(w, "  error: %s\n", r.Session.Error)
			continue
		}
		fmt.Fprintf(w, "  %s\n", r.Session.Content)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
