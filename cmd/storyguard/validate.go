package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/storyguard/internal/config"
	"github.com/goodtune/storyguard/internal/policy/opa"
	"github.com/goodtune/storyguard/internal/usage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
	validateUser string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the StoryGuard configuration file for syntax and semantic errors.
When budget policies are enabled they are compiled and evaluated for --user.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().StringVar(&validateUser, "user", "", "User to evaluate budget policies for")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if cfg.Policy.Enabled {
		if err := validatePolicy(cmd.Context(), cfg); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Budget policy failed: %v\n", err)
			return err
		}
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// validatePolicy compiles the policy directory and evaluates it for today.
func validatePolicy(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	limit := parseDuration(cfg.Usage.DailyLimit, usage.DefaultDailyLimit)
	engine, err := opa.NewEngine(cfg.Policy.Dir, limit, quietLogger())
	if err != nil {
		return err
	}

	got, err := engine.Evaluate(ctx, validateUser, time.Now())
	if err != nil {
		return err
	}

	who := validateUser
	if who == "" {
		who = "(anonymous)"
	}
	_, _ = fmt.Fprintf(os.Stdout, "✅ Budget policy compiled: %s\n", cfg.Policy.Dir)
	_, _ = fmt.Fprintf(os.Stdout, "   Today's limit for %s: %s\n", who, usage.FormatRemaining(got))
	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[usage]")
	dumpField("  daily_limit", cfg.Usage.DailyLimit, defaultCfg.Usage.DailyLimit, yellow, green)
	dumpField("  tick_interval", cfg.Usage.TickInterval, defaultCfg.Usage.TickInterval, yellow, green)

	_, _ = cyan.Println("\n[assets]")
	dumpField("  cache_dir", cfg.Assets.CacheDir, defaultCfg.Assets.CacheDir, yellow, green)
	dumpField("  download_timeout", cfg.Assets.DownloadTimeout, defaultCfg.Assets.DownloadTimeout, yellow, green)
	dumpField("  concurrency", cfg.Assets.Concurrency, defaultCfg.Assets.Concurrency, yellow, green)
	dumpField("  preload_on_start", cfg.Assets.PreloadOnStart, defaultCfg.Assets.PreloadOnStart, yellow, green)

	_, _ = cyan.Println("\n[content]")
	dumpField("  source", cfg.Content.Source, defaultCfg.Content.Source, yellow, green)
	dumpField("  url", cfg.Content.URL, defaultCfg.Content.URL, yellow, green)
	dumpField("  file", cfg.Content.File, defaultCfg.Content.File, yellow, green)
	dumpField("  token", redactSecret(cfg.Content.Token), redactSecret(defaultCfg.Content.Token), yellow, green)
	dumpField("  timeout", cfg.Content.Timeout, defaultCfg.Content.Timeout, yellow, green)
	dumpField("  cache_ttl", cfg.Content.CacheTTL, defaultCfg.Content.CacheTTL, yellow, green)
	dumpField("  cache_size", cfg.Content.CacheSize, defaultCfg.Content.CacheSize, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  enabled", cfg.Policy.Enabled, defaultCfg.Policy.Enabled, yellow, green)
	dumpField("  dir", cfg.Policy.Dir, defaultCfg.Policy.Dir, yellow, green)
	dumpField("  watch", cfg.Policy.Watch, defaultCfg.Policy.Watch, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
