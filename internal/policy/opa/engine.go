package opa

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/storyguard/internal/policy"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Query is the rule every budget policy must define.
const Query = "data.storyguard.budget.daily_limit_minutes"

//go:embed default.rego
var defaultPolicy string

// Engine evaluates the rego budget policy
type Engine struct {
	policyDir string
	fallback  time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	source []string // files backing the current query, for logging
}

// NewEngine creates a budget engine. Policies are loaded from every .rego
// file in policyDir; an empty policyDir uses the built-in policy. fallback
// is returned whenever evaluation fails.
func NewEngine(policyDir string, fallback time.Duration, logger zerolog.Logger) (*Engine, error) {
	if fallback <= 0 {
		fallback = policy.DefaultDailyLimit
	}

	e := &Engine{
		policyDir: policyDir,
		fallback:  fallback,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	e.logger.Info().Str("policy_dir", policyDir).Strs("files", e.source).Msg("OPA engine initialized")

	return e, nil
}

// loadModules parses the policy files, or the built-in policy when there is
// no policy directory.
func (e *Engine) loadModules() (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)

	if e.policyDir == "" {
		module, err := ast.ParseModule("default.rego", defaultPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy: %w", err)
		}
		modules["default.rego"] = module
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// Reload re-reads the policies and swaps them in. On failure the previously
// loaded policy stays in effect.
func (e *Engine) Reload() error {
	modules, err := e.loadModules()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range names {
		opts = append(opts, rego.ParsedModule(modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare budget query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.source = names
	e.mu.Unlock()

	e.logger.Info().Int("count", len(names)).Msg("Budget policies loaded")

	return nil
}

// Evaluate returns the limit the policy assigns to userID on day.
func (e *Engine) Evaluate(ctx context.Context, userID string, day time.Time) (time.Duration, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(policy.Input(userID, day)))
	if err != nil {
		return 0, fmt.Errorf("budget query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Str("user_id", userID).Msg("Budget query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return 0, fmt.Errorf("budget policy produced no result")
	}

	minutes, err := toMinutes(results[0].Expressions[0].Value)
	if err != nil {
		return 0, err
	}
	if minutes <= 0 {
		return 0, fmt.Errorf("budget policy returned non-positive limit %v", minutes)
	}

	return time.Duration(minutes * float64(time.Minute)), nil
}

// DailyLimit implements policy.Budget, falling back to the configured
// default when the policy cannot be evaluated.
func (e *Engine) DailyLimit(ctx context.Context, userID string, day time.Time) time.Duration {
	limit, err := e.Evaluate(ctx, userID, day)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Dur("fallback", e.fallback).Msg("Budget policy failed, using default")
		return e.fallback
	}
	return limit
}

// Watch reloads the policy whenever a .rego file in the policy directory
// changes. It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if e.policyDir == "" {
		return fmt.Errorf("no policy directory to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(e.policyDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", e.policyDir, err)
	}

	e.logger.Info().Str("policy_dir", e.policyDir).Msg("Watching policies for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".rego" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			e.logger.Info().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if err := e.Reload(); err != nil {
				e.logger.Error().Err(err).Msg("Failed to reload policies, keeping previous version")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func toMinutes(v interface{}) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid budget value %q: %w", n, err)
		}
		return f, nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("budget value is not a number: %T", v)
	}
}
