package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kevinhaoaus/web-image-classifier/pkg/config"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline asset cache",
	}

	withManager := func(fn func(ctx context.Context, cfg *config.Config, m *offline.Manager) error) error {
		cfg, logger, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		m, store, err := openCache(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		if _, err := m.Restore(ctx); err != nil {
			return err
		}
		return fn(ctx, cfg, m)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, cfg *config.Config, m *offline.Manager) error {
				st, err := m.Stats(ctx)
				if err != nil {
					return err
				}
				active := st.ActiveVersion
				if active == "" {
					active = "none"
				}
				fmt.Printf("Active version: %s\n", active)
				if len(st.Generations) == 0 {
					fmt.Println("No cache generations.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "GENERATION\tENTRIES\tSIZE")
				for _, g := range st.Generations {
					fmt.Fprintf(w, "%s\t%d\t%s\n", g.Name, g.Entries, imaging.FormatSize(g.Bytes))
				}
				return w.Flush()
			})
		},
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install and activate the configured cache version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, cfg *config.Config, m *offline.Manager) error {
				v, err := m.Upgrade(ctx, manifestFrom(cfg.Offline))
				if err != nil {
					return err
				}
				fmt.Printf("Cache version %s is %s.\n", v.Manifest().Version, v.Phase())
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, cfg *config.Config, m *offline.Manager) error {
				if err := m.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("Offline cache cleared.")
				return nil
			})
		},
	}

	cmd.AddCommand(statsCmd, installCmd, clearCmd)
	return cmd
}
