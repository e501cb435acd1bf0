package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"lexrt/pkg/protocol"
	"lexrt/pkg/realtime"
)

// statusConfig holds flags for the status command.
type statusConfig struct {
	timeout time.Duration
	json    bool
}

// newStatusCmd creates the "lexrt status" subcommand.
func newStatusCmd(g *globalFlags) *cobra.Command {
	var sc statusConfig

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect every namespace and show channel state",
		Long:  "Opens the chat and summary channels, waits for the handshake and\nprints transport state, auth state and the last error of each.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			env.cfg.History.Disabled = true
			cl, cleanup, err := env.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), sc.timeout)
			defer cancel()
			for _, ns := range []string{protocol.NamespaceChat, protocol.NamespaceSummary} {
				ch, err := cl.Channel(ns)
				if err != nil {
					return err
				}
				// Failures are part of the report.
				_ = ch.WaitAuthenticated(ctx)
			}

			snaps := cl.Snapshots()
			if sc.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			printSnapshots(cmd.OutOrStdout(), env.cfg.Server.URL, snaps)
			return nil
		},
	}

	cmd.Flags().DurationVar(&sc.timeout, "timeout", 5*time.Second, "how long to wait for authentication")
	cmd.Flags().BoolVar(&sc.json, "json", false, "print JSON")

	return cmd
}

func printSnapshots(w io.Writer, server string, snaps []realtime.ChannelSnapshot) {
	fmt.Fprintf(w, "server: %s\n", server)
	fmt.Fprintf(w, "%-10s %-13s %-16s %-16s %s\n", "CHANNEL", "TRANSPORT", "AUTH", "IDENTITY", "LAST ERROR")
	for _, s := range snaps {
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		identity := s.Identity
		if identity == "" {
			identity = "-"
		}
		fmt.Fprintf(w, "%-10s %-13s %-16s %-16s %s\n", s.Name, s.Transport, s.Auth, identity, lastErr)
	}
}
