package models

import (
	"math"
	"time"
)

// Label is a single label/probability pair produced by a classifier.
type Label struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Prediction is a ranked label within a classification result.
type Prediction struct {
	Rank              int     `json:"rank"`
	Label             string  `json:"label"`
	Probability       float64 `json:"probability"`
	ConfidencePercent float64 `json:"confidence_percent"`
}

// ImageMetadata describes the uploaded source image.
type ImageMetadata struct {
	OriginalName string    `json:"original_name"`
	ByteSize     int64     `json:"byte_size"`
	MimeType     string    `json:"mime_type"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	LastModified time.Time `json:"last_modified"`
}

// ModelInfo is a snapshot of the model that produced a result.
type ModelInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClassificationRecord is one persisted classification result.
type ClassificationRecord struct {
	ID                 int64         `json:"id"`
	Timestamp          time.Time     `json:"timestamp"`
	Predictions        []Prediction  `json:"predictions"`
	ImagePreview       string        `json:"image_preview,omitempty"`
	ImageMetadata      ImageMetadata `json:"image_metadata"`
	InferenceLatencyMs int64         `json:"inference_latency_ms"`
	ModelInfo          ModelInfo     `json:"model_info"`
}

// Top returns the rank-1 prediction. ok is false when there are no predictions.
func (r *ClassificationRecord) Top() (Prediction, bool) {
	if len(r.Predictions) == 0 {
		return Prediction{}, false
	}
	return r.Predictions[0], true
}

// RankLabels turns classifier output into ranked predictions. The input is
// expected probability-descending; ranks start at 1.
func RankLabels(labels []Label) []Prediction {
	preds := make([]Prediction, 0, len(labels))
	for i, l := range labels {
		preds = append(preds, Prediction{
			Rank:              i + 1,
			Label:             l.Label,
			Probability:       l.Probability,
			ConfidencePercent: math.Round(l.Probability*10000) / 100,
		})
	}
	return preds
}
