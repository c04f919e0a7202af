package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "imgclass",
		Short:         "imgclass: image classification with offline asset caching",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "imgclass.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newClassifyCmd(&configPath),
		newHistoryCmd(&configPath),
		newCacheCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
