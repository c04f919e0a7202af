// Package classify coordinates model loading, inference and history for a
// single classification request.
package classify

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classifier"
	"github.com/kevinhaoaus/web-image-classifier/pkg/history"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/loader"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// DefaultTopK is the number of predictions kept per record.
const DefaultTopK = 5

// ModelLoader acquires the shared model.
type ModelLoader = loader.Loader[classifier.Model]

// Service runs classifications and exposes the history they produce.
type Service struct {
	model   *ModelLoader
	history *history.Store
	images  *imaging.Processor
	topK    int
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTopK sets how many predictions are kept.
func WithTopK(k int) Option { return func(s *Service) { s.topK = k } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the clock used for record timestamps and latency.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a model loader, history store and image processor.
func NewService(model *ModelLoader, hist *history.Store, images *imaging.Processor, opts ...Option) *Service {
	s := &Service{
		model:   model,
		history: hist,
		images:  images,
		topK:    DefaultTopK,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.topK <= 0 {
		s.topK = DefaultTopK
	}
	return s
}

// Classify validates up, runs the model on it and records the result.
func (s *Service) Classify(ctx context.Context, up imaging.Upload) (*models.ClassificationRecord, error) {
	prepared, err := s.images.Prepare(up)
	if err != nil {
		return nil, err
	}

	m, err := s.model.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := s.now()
	labels, err := m.Classify(ctx, prepared.Image, s.topK)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", up.Name, err)
	}
	latency := s.now().Sub(start).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	rec := models.ClassificationRecord{
		Timestamp:          s.now().UTC(),
		Predictions:        models.RankLabels(classifier.TopK(labels, s.topK)),
		ImagePreview:       prepared.Preview,
		ImageMetadata:      prepared.Metadata,
		InferenceLatencyMs: latency,
		ModelInfo:          m.Info(),
	}

	id, err := s.history.Append(ctx, rec)
	if err != nil {
		if id == 0 {
			return nil, err
		}
		// The record is stored; only trimming failed and the next append retries it.
		s.logger.Warn("history retention failed", zap.Int64("id", id), zap.Error(err))
	}
	rec.ID = id

	if top, ok := rec.Top(); ok {
		s.logger.Info("image classified",
			zap.Int64("id", id),
			zap.String("file", up.Name),
			zap.String("label", top.Label),
			zap.Float64("confidence", top.ConfidencePercent),
			zap.Int64("latency_ms", latency),
		)
	}
	return &rec, nil
}

// ClassifyBatch classifies uploads one after another. Failures are reported
// per item and do not stop the batch; cancelling ctx does.
func (s *Service) ClassifyBatch(ctx context.Context, uploads []imaging.Upload, onProgress func(models.BatchProgress)) []models.BatchResult {
	results := make([]models.BatchResult, 0, len(uploads))
	for i, up := range uploads {
		res := models.BatchResult{Filename: up.Name}
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
		} else if rec, err := s.Classify(ctx, up); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			res.Record = rec
		}
		results = append(results, res)

		if onProgress != nil {
			onProgress(models.BatchProgress{
				Completed:  i + 1,
				Total:      len(uploads),
				Percentage: int(math.Round(float64(i+1) * 100 / float64(len(uploads)))),
			})
		}
	}
	return results
}

// History returns at most limit records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]models.ClassificationRecord, error) {
	return s.history.List(ctx, limit)
}

// ClearHistory removes every record.
func (s *Service) ClearHistory(ctx context.Context) error {
	return s.history.ClearAll(ctx)
}

// DeleteHistory removes the given records; unknown ids are ignored.
func (s *Service) DeleteHistory(ctx context.Context, ids []int64) error {
	return s.history.DeleteMany(ctx, ids)
}

// Preload starts loading the model and waits for it.
func (s *Service) Preload(ctx context.Context) error {
	_, err := s.model.Acquire(ctx)
	return err
}

// ModelStatus describes the model loader and, once loaded, the model.
type ModelStatus struct {
	loader.Status
	Model *models.ModelInfo `json:"model,omitempty"`
}

// ModelStatus reports the model's load state.
func (s *Service) ModelStatus() ModelStatus {
	st := ModelStatus{Status: s.model.Status()}
	if m, ok := s.model.Value(); ok {
		info := m.Info()
		st.Model = &info
	}
	return st
}
