package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/synclog-dev/synclog/pkg/backend"
	"github.com/synclog-dev/synclog/pkg/log"
	"github.com/synclog-dev/synclog/pkg/middleware"
	"github.com/synclog-dev/synclog/pkg/server"
)

func serveCmd() *cobra.Command {
	var configPath string
	var address string
	var allowAnonymous bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Address = address
			}
			return serve(cfg, allowAnonymous)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false,
		"accept any client without credentials (development only)")

	return cmd
}

func serve(cfg *fileConfig, allowAnonymous bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var store log.Store
	if cfg.Store.Driver == "sqlite" {
		var err error
		store, err = log.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	} else {
		store = log.NewMemoryStore()
	}

	var reporter server.Reporter = server.NewSlogReporter(logger)
	if cfg.Metrics.Enabled {
		reporter = middleware.NewMetricsReporter(reporter)
	}

	s := server.New(&server.Config{
		Address:  cfg.Address,
		Path:     cfg.Path,
		NodeID:   cfg.NodeID,
		Store:    store,
		Reporter: reporter,
		Logger:   logger,
	})

	switch {
	case cfg.Backend.URL != "":
		// Proxy mode: the HTTP backend owns auth and every action type.
		b := backend.New(cfg.Backend.URL, cfg.Backend.Secret,
			backend.WithLogger(logger))
		s.Auth(b.Auth())
		if err := s.OtherType(b.Callbacks()); err != nil {
			return err
		}
		if err := s.OtherChannel(b.Channels()); err != nil {
			return err
		}
	case allowAnonymous:
		s.Auth(func(ctx context.Context, req server.AuthRequest) (bool, error) {
			return true, nil
		})
	default:
		return fmt.Errorf("no backend.url configured; use --allow-anonymous for development")
	}

	if cfg.Metrics.Enabled {
		s.Mount("/metrics", promhttp.Handler())
	}

	return s.Listen()
}
