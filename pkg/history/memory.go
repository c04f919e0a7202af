package history

import (
	"context"
	"sort"
	"sync"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// Memory is an in-process Backend. It is used when the persistent store
// cannot be opened, and in tests.
type Memory struct {
	mu      sync.RWMutex
	lastID  int64
	records map[int64]models.ClassificationRecord
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[int64]models.ClassificationRecord)}
}

// Add stores rec under the next id.
func (m *Memory) Add(_ context.Context, rec models.ClassificationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	rec.ID = m.lastID
	rec.Predictions = append([]models.Prediction(nil), rec.Predictions...)
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) sorted() []models.ClassificationRecord {
	out := make([]models.ClassificationRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return Less(RecordKey{out[i].ID, out[i].Timestamp}, RecordKey{out[j].ID, out[j].Timestamp})
	})
	return out
}

// Ordered returns up to limit records newest first.
func (m *Memory) Ordered(_ context.Context, limit int) ([]models.ClassificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.sorted()
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Keys returns all record keys newest first.
func (m *Memory) Keys(_ context.Context) ([]RecordKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.sorted()
	keys := make([]RecordKey, len(recs))
	for i, r := range recs {
		keys[i] = RecordKey{ID: r.ID, Timestamp: r.Timestamp}
	}
	return keys, nil
}

// Delete removes ids that exist.
func (m *Memory) Delete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

// Clear removes every record. Ids keep increasing afterwards.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[int64]models.ClassificationRecord)
	return nil
}

// Count returns the number of records.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
