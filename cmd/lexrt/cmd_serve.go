package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"lexrt/pkg/eventserver"
)

// serveConfig holds flags for the serve command.
type serveConfig struct {
	listen         string
	chunkDelay     time.Duration
	progressDelay  time.Duration
	reject         []string
	resendTerminal bool
}

// newServeCmd creates the "lexrt serve" subcommand.
func newServeCmd(g *globalFlags) *cobra.Command {
	var sc serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference event server",
		Long:  "Serves the realtime namespaces under /rt/<namespace> and the upload\nendpoint under /upload, with simulated chat and summarization backends.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			if sc.listen == "" {
				sc.listen = env.cfg.Server.Listen
			}

			srv := eventserver.New(eventserver.Config{
				ChunkDelay:       sc.chunkDelay,
				ProgressDelay:    sc.progressDelay,
				RejectIdentities: sc.reject,
				ResendTerminal:   sc.resendTerminal,
			}, env.log)
			defer srv.Close()

			ln, err := net.Listen("tcp", sc.listen) //nolint:noctx // bind is instant
			if err != nil {
				return fmt.Errorf("listen %s: %w", sc.listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event server listening on http://%s\n", ln.Addr())
			return serveUntilDone(cmd.Context(), ln, srv.Handler())
		},
	}

	cmd.Flags().StringVar(&sc.listen, "listen", "", "listen address (default from config, 127.0.0.1:8787)")
	cmd.Flags().DurationVar(&sc.chunkDelay, "chunk-delay", 40*time.Millisecond, "delay between chat chunks")
	cmd.Flags().DurationVar(&sc.progressDelay, "progress-delay", 300*time.Millisecond, "delay between summarization steps")
	cmd.Flags().StringSliceVar(&sc.reject, "reject", nil, "identities to reject during authentication")
	cmd.Flags().BoolVar(&sc.resendTerminal, "resend-terminal", false, "send every completed/failed event twice")

	return cmd
}

// serveUntilDone serves h on ln until ctx ends, then shuts down gracefully.
func serveUntilDone(ctx context.Context, ln net.Listener, h http.Handler) error {
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
