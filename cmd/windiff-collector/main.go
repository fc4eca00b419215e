package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ergrelet/windiff/internal/config"
	"github.com/ergrelet/windiff/internal/log"
	"github.com/ergrelet/windiff/pipeline"
)

var (
	lowStorageMode      bool
	concurrentDownloads int
)

func collect(cmd *cobra.Command, args []string) error {
	configPath := args[0]
	outputDir := "."
	if len(args) > 1 {
		outputDir = args[1]
	}

	logger := log.Default()

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening configuration: %w", err)
	}
	defer f.Close()

	cfg, err := config.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	logger.Infof("starting collection for %d binaries across %d OSes (low-storage=%t, concurrent-downloads=%d)",
		len(cfg.Binaries), len(cfg.OSes), lowStorageMode, concurrentDownloads)

	opts := pipeline.Options{
		OutputDir:           outputDir,
		LowStorageMode:      lowStorageMode,
		ConcurrentDownloads: concurrentDownloads,
		Logger:              logger,
	}
	if err := pipeline.Run(context.Background(), cfg, opts); err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	logger.Info("collection complete")
	return nil
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "windiff-collector CONFIGURATION [OUTPUT_DIRECTORY]",
		Short: "Collects per-binary PE/PDB databases across Windows versions",
		Long:  "windiff-collector resolves, downloads, and analyzes PE binaries and their debug symbols across Windows versions, producing a directory of gzip-compressed JSON databases plus an index.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  collect,
	}

	rootCmd.Flags().BoolVarP(&lowStorageMode, "low-storage-mode", "l", false,
		"process one binary at a time, destroying its temp directory before moving to the next")
	rootCmd.Flags().IntVarP(&concurrentDownloads, "concurrent-downloads", "c", 64,
		"maximum number of concurrent PE downloads")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
