package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/storyguard/internal/assets"
	"github.com/goodtune/storyguard/internal/config"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and warm the local asset mirror",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm [URL...]",
	Short: "Download assets into the local mirror",
	Long: `Download the given asset URLs into the local mirror. With no URLs, every
illustration and narration track in the configured content catalog is fetched.`,
	RunE: runCacheWarm,
}

var cacheResolveCmd = &cobra.Command{
	Use:   "resolve URL",
	Short: "Show where an asset URL resolves to",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheResolve,
}

func init() {
	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheResolveCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheWarm(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	catalog := openCatalog(cfg.Content, logger)
	cache, err := openCache(ctx, cfg.Assets, store.KV(), catalog, logger)
	if err != nil {
		return err
	}

	var report assets.Report
	if len(args) > 0 {
		report = cache.WarmCache(ctx, args)
	} else {
		if catalog == nil {
			return fmt.Errorf("no content catalog configured; pass asset URLs explicitly")
		}
		report, err = cache.PreloadAllContent(ctx)
		if err != nil {
			return fmt.Errorf("failed to preload content: %w", err)
		}
	}

	printReport(report, cache.Len())

	if report.Failed > 0 {
		return fmt.Errorf("%d asset(s) failed to download", report.Failed)
	}
	return nil
}

func printReport(r assets.Report, total int) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)

	fmt.Printf("Requested:   %d\n", r.Requested)
	fmt.Printf("Skipped:     %d\n", r.Skipped)
	fmt.Printf("Cached:      %d\n", r.Cached)
	fmt.Printf("Registered:  %d\n", r.Registered)
	green.Printf("Downloaded:  %d\n", r.Downloaded)
	if r.Failed > 0 {
		red.Printf("Failed:      %d\n", r.Failed)
	} else {
		fmt.Printf("Failed:      0\n")
	}
	fmt.Printf("Mirror now holds %d asset(s)\n", total)
}

func runCacheResolve(cmd *cobra.Command, args []string) error {
	remoteURL := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	cache, err := openCache(ctx, cfg.Assets, store.KV(), nil, logger)
	if err != nil {
		return err
	}

	if path, ok := cache.Lookup(remoteURL); ok {
		color.New(color.FgGreen, color.Bold).Fprintf(os.Stdout, "CACHED  ")
		fmt.Println(path)
		return nil
	}

	color.New(color.FgYellow, color.Bold).Fprintf(os.Stdout, "REMOTE  ")
	fmt.Println(remoteURL)
	return nil
}
