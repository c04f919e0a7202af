// Package history keeps a capacity-bounded, newest-first log of
// classification results.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// DefaultMaxItems is the retention capacity used when none is configured.
const DefaultMaxItems = 100

var (
	// ErrStoreUnavailable wraps any failure of the persistent backend.
	ErrStoreUnavailable = errors.New("history store unavailable")
	// ErrEmptyPredictions rejects records that carry no predictions.
	ErrEmptyPredictions = errors.New("record has no predictions")
)

// RecordKey is the part of a record the retention sweep needs.
type RecordKey struct {
	ID        int64
	Timestamp time.Time
}

// Backend is a transactional record store keyed by id with a secondary
// ordering on (timestamp, id).
type Backend interface {
	// Add persists rec and returns its newly assigned id. Ids increase
	// monotonically and are never reused.
	Add(ctx context.Context, rec models.ClassificationRecord) (int64, error)
	// Ordered returns up to limit records, newest first. A negative limit
	// returns every record.
	Ordered(ctx context.Context, limit int) ([]models.ClassificationRecord, error)
	// Keys returns the keys of every record, newest first.
	Keys(ctx context.Context) ([]RecordKey, error)
	// Delete removes the given ids; unknown ids are ignored.
	Delete(ctx context.Context, ids []int64) error
	// Clear removes every record.
	Clear(ctx context.Context) error
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	// Close releases resources.
	Close() error
}

// Overflow returns the ids beyond the capacity boundary of a newest-first
// key list, i.e. everything except the capacity most recent records.
func Overflow(newestFirst []RecordKey, capacity int) []int64 {
	if capacity < 0 {
		capacity = 0
	}
	if len(newestFirst) <= capacity {
		return nil
	}
	ids := make([]int64, 0, len(newestFirst)-capacity)
	for _, k := range newestFirst[capacity:] {
		ids = append(ids, k.ID)
	}
	return ids
}

// Less reports whether a sorts before b in newest-first order.
func Less(a, b RecordKey) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// Store owns the retention policy on top of a Backend.
type Store struct {
	backend  Backend
	capacity int
	logger   *zap.Logger
	now      func() time.Time

	// mu serializes append+sweep; reads do not take it.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store keeping at most capacity records.
func New(backend Backend, capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultMaxItems
	}
	s := &Store{
		backend:  backend,
		capacity: capacity,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Capacity returns the retention capacity.
func (s *Store) Capacity() int { return s.capacity }

// Append persists rec, then evicts whatever falls beyond the capacity. A zero
// Timestamp is filled from the store clock. The returned id is the one the
// backend assigned.
func (s *Store) Append(ctx context.Context, rec models.ClassificationRecord) (int64, error) {
	if len(rec.Predictions) == 0 {
		return 0, ErrEmptyPredictions
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.backend.Add(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("%w: append: %w", ErrStoreUnavailable, err)
	}
	if err := s.sweep(ctx); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Store) sweep(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: retention scan: %w", ErrStoreUnavailable, err)
	}
	evict := Overflow(keys, s.capacity)
	if len(evict) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, evict); err != nil {
		return fmt.Errorf("%w: retention delete: %w", ErrStoreUnavailable, err)
	}
	s.logger.Debug("history trimmed", zap.Int("evicted", len(evict)), zap.Int("capacity", s.capacity))
	return nil
}

// List returns at most limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]models.ClassificationRecord, error) {
	if limit <= 0 {
		return []models.ClassificationRecord{}, nil
	}
	recs, err := s.backend.Ordered(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrStoreUnavailable, err)
	}
	if recs == nil {
		recs = []models.ClassificationRecord{}
	}
	return recs, nil
}

// ClearAll removes every record. Clearing an empty store is not an error.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteMany removes the given ids. Missing ids are ignored.
func (s *Store) DeleteMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, ids); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.backend.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
