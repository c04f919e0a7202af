package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kevinhaoaus/web-image-classifier/pkg/mcp"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve classification and history tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			hist, err := openHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var cache *offline.Manager
			var stats mcp.CacheStatter
			if cfg.Offline.Enabled {
				mgr, store, err := openCache(cfg, logger)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				if _, err := mgr.Restore(ctx); err != nil {
					return err
				}
				cache, stats = mgr, mgr
			}

			srv := mcp.New(newService(cfg, logger, hist, cache), stats, version, logger)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
