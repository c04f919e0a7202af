package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

func newClassifyCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <file>...",
		Short: "Classify image files and record the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			hist, err := openHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			uploads := make([]imaging.Upload, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				up := imaging.Upload{Name: filepath.Base(path), Data: data}
				if fi, err := os.Stat(path); err == nil {
					up.LastModified = fi.ModTime().UTC()
				}
				uploads = append(uploads, up)
			}

			svc := newService(cfg, logger, hist, nil)
			results := svc.ClassifyBatch(context.Background(), uploads, func(p models.BatchProgress) {
				if len(uploads) > 1 {
					fmt.Fprintf(os.Stderr, "\r%d/%d (%d%%)", p.Completed, p.Total, p.Percentage)
				}
			})
			if len(uploads) > 1 {
				fmt.Fprintln(os.Stderr)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSIZE\tLABEL\tCONFIDENCE\tLATENCY\tID")
			failed := 0
			for _, r := range results {
				if !r.Success {
					failed++
					fmt.Fprintf(w, "%s\t-\terror: %s\t-\t-\t-\n", r.Filename, r.Error)
					continue
				}
				top, _ := r.Record.Top()
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f%%\t%dms\t%d\n",
					r.Filename, imaging.FormatSize(r.Record.ImageMetadata.ByteSize),
					top.Label, top.ConfidencePercent, r.Record.InferenceLatencyMs, r.Record.ID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}
