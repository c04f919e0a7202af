package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
	"github.com/kevinhaoaus/web-image-classifier/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var preload bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the classification API and offline shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hist := openHistoryOrMemory(cfg, logger)
			defer func() { _ = hist.Close() }()

			var cache *offline.Manager
			if cfg.Offline.Enabled {
				mgr, store, err := startCache(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				cache = mgr
			}

			svc := newService(cfg, logger, hist, cache)
			if preload {
				go func() {
					if err := svc.Preload(ctx); err != nil {
						logger.Warn("model preload failed", zap.Error(err))
					}
				}()
			}

			srv, err := server.New(cfg, svc, cache, logger)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}
			logger.Info("starting imgclass", zap.String("config", *configPath))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().BoolVar(&preload, "preload", true, "load the model at startup")
	return cmd
}
