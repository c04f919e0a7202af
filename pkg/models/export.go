package models

import "time"

// ExportedClassification is the per-record shape of a history export.
type ExportedClassification struct {
	Timestamp      time.Time     `json:"timestamp"`
	TopLabel       string        `json:"top_label"`
	TopConfidence  float64       `json:"top_confidence"`
	AllPredictions []Prediction  `json:"all_predictions"`
	LatencyMs      int64         `json:"latency_ms"`
	ImageMetadata  ImageMetadata `json:"image_metadata"`
}

// HistoryExport is the downloadable history document.
type HistoryExport struct {
	ExportedAt      time.Time                `json:"exported_at"`
	TotalCount      int                      `json:"total_count"`
	Classifications []ExportedClassification `json:"classifications"`
}

// BatchProgress reports progress of a batch classification.
type BatchProgress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// BatchResult is the outcome of one item of a batch classification.
type BatchResult struct {
	Success  bool                  `json:"success"`
	Filename string                `json:"filename,omitempty"`
	Record   *ClassificationRecord `json:"record,omitempty"`
	Error    string                `json:"error,omitempty"`
}
