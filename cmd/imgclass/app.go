package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classifier"
	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
	"github.com/kevinhaoaus/web-image-classifier/pkg/config"
	"github.com/kevinhaoaus/web-image-classifier/pkg/history"
	historysqlite "github.com/kevinhaoaus/web-image-classifier/pkg/history/sqlite"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/loader"
	"github.com/kevinhaoaus/web-image-classifier/pkg/logging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
	offlinesqlite "github.com/kevinhaoaus/web-image-classifier/pkg/offline/sqlite"
)

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func openHistory(cfg *config.Config, logger *zap.Logger) (*history.Store, error) {
	backend, err := historysqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init history: %w", err)
	}
	return history.New(backend, cfg.History.MaxItems, history.WithLogger(logger)), nil
}

// openHistoryOrMemory keeps the server usable when the database cannot be
// opened; records then live only as long as the process.
func openHistoryOrMemory(cfg *config.Config, logger *zap.Logger) *history.Store {
	h, err := openHistory(cfg, logger)
	if err == nil {
		return h
	}
	logger.Warn("history database unavailable, keeping history in memory", zap.Error(err))
	return history.New(history.NewMemory(), cfg.History.MaxItems, history.WithLogger(logger))
}

func manifestFrom(o config.OfflineConfig) offline.Manifest {
	return offline.Manifest{
		Version:       o.Version,
		Origin:        o.Origin,
		CoreAssets:    o.CoreAssets,
		RootDocument:  o.RootDocument,
		PageExtension: o.PageExtension,
		RemoteAssets:  o.RemoteAssets,
		RemoteHost:    o.RemoteHost,
		RemoteMarker:  o.RemoteMarker,
	}
}

func openCache(cfg *config.Config, logger *zap.Logger) (*offline.Manager, *offlinesqlite.Store, error) {
	store, err := offlinesqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("init offline cache: %w", err)
	}
	return offline.NewManager(store, offline.WithLogger(logger.Named("offline"))), store, nil
}

// startCache restores the last active version, then installs and activates
// the configured one. A failed upgrade leaves the restored version serving.
func startCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*offline.Manager, *offlinesqlite.Store, error) {
	mgr, store, err := openCache(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := mgr.Restore(ctx); err != nil {
		logger.Warn("restore offline cache failed", zap.Error(err))
	}
	if _, err := mgr.Upgrade(ctx, manifestFrom(cfg.Offline)); err != nil {
		logger.Warn("offline cache upgrade failed", zap.String("version", cfg.Offline.Version), zap.Error(err))
	}
	return mgr, store, nil
}

// newService wires the model loader. With a cache manager, model traffic is
// routed through it so the descriptor is served offline once cached.
func newService(cfg *config.Config, logger *zap.Logger, hist *history.Store, cache *offline.Manager) *classify.Service {
	client := &http.Client{Timeout: 60 * time.Second}
	if cache != nil {
		client = &http.Client{Transport: cache.Transport()}
	}

	model := loader.New("model", func(ctx context.Context) (classifier.Model, error) {
		if cfg.Model.LoadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Model.LoadTimeout)
			defer cancel()
		}
		return classifier.Load(ctx, client, cfg.Model.URL)
	}, logger.Named("loader"))

	return classify.NewService(model, hist,
		imaging.NewProcessor(cfg.Upload.MaxBytes, cfg.Upload.MaxDisplaySize),
		classify.WithTopK(cfg.Model.TopK),
		classify.WithLogger(logger),
	)
}
