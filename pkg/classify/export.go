package classify

import (
	"context"
	"fmt"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// Export builds the downloadable history document over at most limit
// records, newest first. A limit of zero or less exports every retained record.
func (s *Service) Export(ctx context.Context, limit int) (*models.HistoryExport, error) {
	if limit <= 0 {
		limit = s.history.Capacity()
	}
	recs, err := s.history.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("export history: %w", err)
	}

	out := &models.HistoryExport{
		ExportedAt:      s.now().UTC(),
		TotalCount:      len(recs),
		Classifications: make([]models.ExportedClassification, 0, len(recs)),
	}
	for _, r := range recs {
		e := models.ExportedClassification{
			Timestamp:      r.Timestamp,
			AllPredictions: r.Predictions,
			LatencyMs:      r.InferenceLatencyMs,
			ImageMetadata:  r.ImageMetadata,
		}
		if top, ok := r.Top(); ok {
			e.TopLabel = top.Label
			e.TopConfidence = top.ConfidencePercent
		}
		out.Classifications = append(out.Classifications, e)
	}
	return out, nil
}

// ExportFilename names an export taken at the document's export time.
func ExportFilename(doc *models.HistoryExport) string {
	return "classification-history-" + doc.ExportedAt.Format("2006-01-02") + ".json"
}
