package offline

import (
	"context"
	"errors"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// ErrNoGeneration is returned by Put when the target generation does not
// exist. Only Populate creates generations.
var ErrNoGeneration = errors.New("cache generation does not exist")

// GenerationStore persists cache generations.
type GenerationStore interface {
	// Populate creates the named generations (empty ones included) and
	// writes entries into them in one transaction.
	Populate(ctx context.Context, names []string, entries []models.CachedResponse) error
	// Put stores one entry, replacing any previous entry for its key. It
	// fails with ErrNoGeneration if the entry's generation does not exist.
	Put(ctx context.Context, entry models.CachedResponse) error
	// Match looks up key in one generation.
	Match(ctx context.Context, generation, key string) (*models.CachedResponse, bool, error)
	// MatchAny looks up key across generations, newest entry first.
	MatchAny(ctx context.Context, generations []string, key string) (*models.CachedResponse, bool, error)
	// Names lists every existing generation.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a generation and all of its entries.
	Delete(ctx context.Context, name string) error
	// Stats reports per-generation sizes.
	Stats(ctx context.Context) ([]models.GenerationStats, error)
	// GetMeta and SetMeta hold small lifecycle values such as the active manifest.
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	// DeleteMeta removes a lifecycle value.
	DeleteMeta(ctx context.Context, key string) error
	// Close releases resources.
	Close() error
}
