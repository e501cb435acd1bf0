package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"lexrt/internal/config"
	"lexrt/pkg/protocol"
	"lexrt/pkg/stream"
)

// newDashCmd creates the "lexrt dash" subcommand.
func newDashCmd(g *globalFlags) *cobra.Command {
	var (
		slot    string
		user    string
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Launch interactive dashboard",
		Long:  "Opens a terminal dashboard showing channel state, live sessions and\nserver notifications, with an input line for chatting.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			if logFile == "" {
				home, err := config.Home()
				if err != nil {
					return err
				}
				logFile = filepath.Join(home, "dash.log")
			}
			if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path comes from the operator
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			// Log lines on stderr would tear the alternate screen.
			if err := env.logTo(f); err != nil {
				return err
			}
			if user == "" {
				user = env.cfg.Identity
			}

			ctx := cmd.Context()
			cl, cleanup, err := env.newClient(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			for _, name := range []string{protocol.NamespaceChat, protocol.NamespaceSummary} {
				if _, err := cl.Channel(name); err != nil {
					return err
				}
			}

			conv := cl.Conversation(slot, user)
			p := tea.NewProgram(newDashModel(ctx, cl, conv.Ask), tea.WithAltScreen(), tea.WithContext(ctx))
			stop := cl.Subscribe(func(s stream.Session) { p.Send(sessionMsg(s)) })
			defer stop()

			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "dash", "conversation slot")
	cmd.Flags().StringVar(&user, "user", "", "user id sent with start_chat (default: identity)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file (default $LEXRT_HOME/dash.log)")

	return cmd
}
