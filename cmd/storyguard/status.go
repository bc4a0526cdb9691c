package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/storyguard/internal/config"
	"github.com/goodtune/storyguard/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status USER",
	Short: "Show persisted usage for a user",
	Long: `Read the persisted usage record for USER and report how much of today's
budget remains. The record is not modified.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset USER",
	Short: "Clear persisted usage for a user",
	Long: `Remove the rest marker and usage counters stored for USER so that the next
login starts a full budget. Stop the server first or the running session will
write its usage back on the next background or logout.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

// quietLogger keeps one-shot commands from printing info-level noise.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

func runStatus(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	limit := parseDuration(cfg.Usage.DailyLimit, usage.DefaultDailyLimit)
	budget, _, err := openBudget(cfg.Policy, limit, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize budget policy: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now()
	if l := budget.DailyLimit(ctx, userID, now); l > 0 {
		limit = l
	}

	rec, err := usage.ReadRecord(ctx, store.KV(), userID)
	if err != nil {
		color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  Partial record: %v\n", err)
	}

	state, remaining := rec.Project(now, time.Local, limit)
	printStatus(userID, rec, limit, state, remaining)

	return nil
}

func printStatus(userID string, rec usage.Record, limit time.Duration, state usage.State, remaining time.Duration) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Printf("User: %s\n", userID)
	fmt.Println()

	fmt.Printf("  Daily limit:      %s\n", usage.FormatRemaining(limit))
	if rec.LastUsageDate != "" {
		fmt.Printf("  Last usage date:  %s\n", rec.LastUsageDate)
		fmt.Printf("  Used that day:    %s\n", usage.FormatRemaining(rec.CumulativeUsage))
	} else {
		fmt.Printf("  Last usage date:  (never)\n")
	}
	if rec.SleepUntil != nil {
		fmt.Printf("  Resting since:    %s\n", rec.SleepUntil.Local().Format(time.RFC3339))
	}
	fmt.Println()

	if state == usage.StateResting {
		red.Printf("  ⏸  RESTING - no budget left today\n")
	} else {
		green.Printf("  ▶  ACTIVE - %s remaining\n", usage.FormatRemaining(remaining))
	}
	fmt.Println()
}

func runReset(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := usage.ClearRecord(ctx, store.KV(), userID); err != nil {
		return fmt.Errorf("failed to clear usage for %s: %w", userID, err)
	}

	color.New(color.FgGreen).Printf("✅ Usage cleared for %s\n", userID)
	return nil
}
