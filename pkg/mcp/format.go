package mcp

import (
	"fmt"
	"strings"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

func formatRecord(rec *models.ClassificationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classification #%d of %s (%s, %dx%d, %s) in %dms\n",
		rec.ID, rec.ImageMetadata.OriginalName, rec.ImageMetadata.MimeType,
		rec.ImageMetadata.Width, rec.ImageMetadata.Height,
		imaging.FormatSize(rec.ImageMetadata.ByteSize), rec.InferenceLatencyMs)
	for _, p := range rec.Predictions {
		fmt.Fprintf(&b, "%2d. %-30s %6.2f%%\n", p.Rank, p.Label, p.ConfidencePercent)
	}
	return b.String()
}

func formatHistory(recs []models.ClassificationRecord) string {
	if len(recs) == 0 {
		return "No classifications found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%6s  %-20s %-30s %-30s %10s\n", "ID", "Time", "File", "Label", "Confidence")
	b.WriteString(strings.Repeat("-", 102) + "\n")
	for _, r := range recs {
		top, _ := r.Top()
		fmt.Fprintf(&b, "%6d  %-20s %-30s %-30s %9.2f%%\n",
			r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), truncate(r.ImageMetadata.OriginalName, 30),
			truncate(top.Label, 30), top.ConfidencePercent)
	}
	return b.String()
}

func formatModelStatus(st classify.ModelStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State:   %s\n", st.State)
	if st.Model != nil {
		fmt.Fprintf(&b, "Model:   %s %s\n", st.Model.Name, st.Model.Version)
	}
	if st.Waiters > 0 {
		fmt.Fprintf(&b, "Waiting: %d\n", st.Waiters)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Error:   %s\n", st.LastError)
	}
	return b.String()
}

func formatCacheStats(st models.CacheStats) string {
	var b strings.Builder
	active := st.ActiveVersion
	if active == "" {
		active = "none"
	}
	fmt.Fprintf(&b, "Active version: %s\n", active)
	total := st.Hits + st.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(st.Hits) / float64(total) * 100
	}
	fmt.Fprintf(&b, "Hits: %d  Misses: %d  Hit rate: %.1f%%\n", st.Hits, st.Misses, rate)
	for _, g := range st.Generations {
		fmt.Fprintf(&b, "  %-28s %6d entries %10s\n", g.Name, g.Entries, imaging.FormatSize(g.Bytes))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
