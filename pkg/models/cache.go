package models

import (
	"net/http"
	"time"
)

// CachedResponse is a stored response for one request identity.
type CachedResponse struct {
	Generation string      `json:"generation"`
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// GenerationStats reports the size of one cache generation.
type GenerationStats struct {
	Name    string `json:"name"`
	Entries int64  `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// CacheStats reports offline cache metrics.
type CacheStats struct {
	ActiveVersion string            `json:"active_version,omitempty"`
	Generations   []GenerationStats `json:"generations"`
	Hits          int64             `json:"hits"`
	Misses        int64             `json:"misses"`
}
