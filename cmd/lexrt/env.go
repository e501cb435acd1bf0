package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lexrt/internal/config"
	"lexrt/internal/logging"
	"lexrt/pkg/client"
	"lexrt/pkg/history"
	"lexrt/pkg/protocol"
)

// appEnv is the resolved configuration and logger of one invocation.
type appEnv struct {
	cfg     config.Config
	cfgPath string // file that was read; empty when only defaults apply
	pinned  bool   // identity came from a flag and must not follow the file
	log     zerolog.Logger
}

// loadEnv reads the config file, applies flag overrides and builds the
// logger. Logs go to the command's stderr.
func loadEnv(cmd *cobra.Command, g *globalFlags) (*appEnv, error) {
	var (
		cfg  config.Config
		path string
		err  error
	)
	if g.configPath != "" {
		path = g.configPath
		cfg, err = config.Load(path)
	} else {
		cfg, path, err = config.LoadDefault()
		if _, statErr := os.Stat(path); statErr != nil {
			path = ""
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if g.server != "" {
		cfg.Server.URL = g.server
		cfg.Server.UploadURL = strings.TrimSuffix(g.server, "/") + protocol.UploadPath
	}
	if g.identity != "" {
		cfg.Identity = g.identity
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &appEnv{cfg: cfg, cfgPath: path, pinned: g.identity != "", log: log}, nil
}

func (e *appEnv) clientConfig() client.Config {
	return client.Config{
		ServerURL:               e.cfg.Server.URL,
		UploadURL:               e.cfg.Server.UploadURL,
		Identity:                e.cfg.Identity,
		Realtime:                e.cfg.Realtime(),
		CorrelationTimeout:      e.cfg.Correlation.Timeout.Std(),
		FailStreamsOnDisconnect: e.cfg.FailOnDisconnect(),
		NotificationCapacity:    e.cfg.Streaming.NotificationCapacity,
	}
}

// newClient builds a client with the history archive attached and, when a
// config file is in use, re-authenticates whenever its identity changes.
// The returned func releases everything.
func (e *appEnv) newClient(ctx context.Context) (*client.Client, func(), error) {
	var (
		opts    []client.Option
		archive *history.Archive
	)
	if !e.cfg.History.Disabled {
		var err error
		archive, err = history.Open(ctx, e.cfg.History.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		opts = append(opts, client.WithArchive(archive))
	}

	cl := client.New(e.clientConfig(), e.log, opts...)

	watchCtx, cancel := context.WithCancel(ctx)
	if e.cfgPath != "" && !e.pinned {
		go func() {
			err := config.Watch(watchCtx, e.cfgPath, e.log, func(c config.Config) {
				if c.Identity != cl.Identity() {
					e.log.Info().Str("identity", c.Identity).Msg("identity changed in config")
					cl.SetIdentity(c.Identity)
				}
			})
			if err != nil {
				e.log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	cleanup := func() {
		cancel()
		cl.Close()
		if archive != nil {
			_ = archive.Close()
		}
	}
	return cl, cleanup, nil
}

// logTo rebuilds the logger to write JSON lines to w.
func (e *appEnv) logTo(w io.Writer) error {
	log, err := logging.New(e.cfg.Log.Level, "json", w)
	if err != nil {
		return err
	}
	e.log = log
	return nil
}
