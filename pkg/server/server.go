// Package server exposes classification, history, model and cache state over
// HTTP and serves the offline application shell.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classifier"
	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
	"github.com/kevinhaoaus/web-image-classifier/pkg/config"
	"github.com/kevinhaoaus/web-image-classifier/pkg/history"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/loader"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
)

// Server is the imgclass HTTP server.
type Server struct {
	cfg    *config.Config
	svc    *classify.Service
	cache  *offline.Manager
	logger *zap.Logger
	router chi.Router
}

// New builds the router. cache may be nil when offline caching is disabled.
func New(cfg *config.Config, svc *classify.Service, cache *offline.Manager, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		cache:  cache,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", s.handleClassify)
		r.Get("/history", s.handleHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Post("/history/delete", s.handleDeleteHistory)
		r.Get("/history/export", s.handleExport)
		r.Get("/model", s.handleModelStatus)
		r.Post("/model/load", s.handleModelLoad)
		r.Get("/cache", s.handleCacheStats)
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no such endpoint")
		})
	})

	if cache != nil && cfg.Offline.Enabled {
		shell, err := cache.Handler(cfg.Offline.Origin)
		if err != nil {
			return nil, fmt.Errorf("offline shell: %w", err)
		}
		r.Handle("/*", shell)
	}

	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("imgclass listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// statusFor maps domain errors onto HTTP status codes and error types.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, imaging.ErrInvalidImage):
		return http.StatusBadRequest, "invalid_image"
	case errors.Is(err, loader.ErrResourceUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, history.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "history_unavailable"
	case errors.Is(err, classifier.ErrInference), errors.Is(err, history.ErrEmptyPredictions):
		return http.StatusBadGateway, "inference_failed"
	case errors.Is(err, offline.ErrRequestFailed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSONError(w http.ResponseWriter, code int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, typ, code)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, typ := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSONError(w, code, typ, err.Error())
}
