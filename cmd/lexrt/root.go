package main

import (
	"github.com/spf13/cobra"

	"lexrt/internal/version"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	server     string
	identity   string
}

// newRootCmd creates the root lexrt command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "lexrt",
		Short:         "Realtime chat and summarization client",
		Long:          "lexrt talks to the realtime event server: it opens authenticated\nchannels, runs chat turns and document summarizations, and keeps\nan archive of finished sessions.",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (.toml or .yaml; default $LEXRT_HOME/config.toml)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: auto, console, json")
	pf.StringVar(&g.server, "server", "", "event server base URL")
	pf.StringVar(&g.identity, "identity", "", "identity used to authenticate channels")

	cmd.AddCommand(
		newServeCmd(&g),
		newChatCmd(&g),
		newSummarizeCmd(&g),
		newHistoryCmd(&g),
		newStatusCmd(&g),
		newDashCmd(&g),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "lexrt version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version.Full() + "\n"))
			return err
		},
	}
}
