package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage classification history",
	}

	// withService opens history without touching the model; nothing here
	// classifies.
	withService := func(fn func(ctx context.Context, svc *classify.Service) error) error {
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
		return fn(context.Background(), newService(cfg, logger, hist, nil))
	}

	var (
		limit  int
		asJSON bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent classifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *classify.Service) error {
				recs, err := svc.History(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(recs)
				}
				if len(recs) == 0 {
					fmt.Println("No classifications found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIME\tFILE\tLABEL\tCONFIDENCE\tMODEL")
				for _, r := range recs {
					top, _ := r.Top()
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f%%\t%s %s\n",
						r.ID, r.Timestamp.Local().Format("2006-01-02T15:04:05"), r.ImageMetadata.OriginalName,
						top.Label, top.ConfidencePercent, r.ModelInfo.Name, r.ModelInfo.Version)
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of records")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *classify.Service) error {
				if err := svc.ClearHistory(ctx); err != nil {
					return err
				}
				fmt.Println("History cleared.")
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete classifications by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", a)
				}
				ids = append(ids, id)
			}
			return withService(func(ctx context.Context, svc *classify.Service) error {
				if err := svc.DeleteHistory(ctx, ids); err != nil {
					return err
				}
				fmt.Printf("Deleted up to %d record(s).\n", len(ids))
				return nil
			})
		},
	}

	var output string
	var exportLimit int
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the history as a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *classify.Service) error {
				doc, err := svc.Export(ctx, exportLimit)
				if err != nil {
					return err
				}
				path := output
				if path == "" {
					path = classify.ExportFilename(doc)
				}
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("encode export: %w", err)
				}
				if path == "-" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Printf("Exported %d classification(s) to %s\n", doc.TotalCount, path)
				return nil
			})
		},
	}
	exportCmd.Flags().IntVarP(&exportLimit, "limit", "n", 0, "maximum records to export (0 exports all retained)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file (\"-\" for stdout)")

	cmd.AddCommand(listCmd, clearCmd, deleteCmd, exportCmd)
	return cmd
}
