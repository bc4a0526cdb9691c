// Package agent ties the usage guard and asset cache to the authenticated
// user and the app lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/storyguard/internal/assets"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/usage"
	"github.com/rs/zerolog"
)

// identityOpTimeout bounds the store work done on login, logout and restart
// once it is detached from the caller's context.
const identityOpTimeout = 5 * time.Second

// ErrNoUser is returned by operations that need an authenticated user.
var ErrNoUser = errors.New("no authenticated user")

// Status is the agent-level view served to the reader UI.
type Status struct {
	usage.Status
	Lifecycle    lifecycle.State
	CachedAssets int
}

// Agent owns the device-side services for one reader installation.
type Agent struct {
	guard     *usage.Guard
	cache     *assets.Cache
	lifecycle *lifecycle.Broadcaster
	logger    zerolog.Logger

	mu     sync.Mutex // serializes identity changes
	userID string
}

// New creates an agent. The guard is attached to the broadcaster on login.
func New(guard *usage.Guard, cache *assets.Cache, broadcaster *lifecycle.Broadcaster, logger zerolog.Logger) *Agent {
	return &Agent{
		guard:     guard,
		cache:     cache,
		lifecycle: broadcaster,
		logger:    logger.With().Str("component", "agent").Logger(),
	}
}

// Login makes userID the current identity. A different previous user is
// torn down first so no usage leaks between them.
func (a *Agent) Login(ctx context.Context, userID string) (usage.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usage.Status{}, fmt.Errorf("user id is required")
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.userID != "" && a.userID != userID {
		a.logger.Info().Str("previous_user", a.userID).Str("user_id", userID).Msg("Switching user")
		a.guard.Teardown(ctx)
	}

	a.userID = userID
	st := a.guard.InitializeForUser(ctx, userID)
	if current := a.lifecycle.Current(); !current.Foreground() && st.State == usage.StateActive {
		// Nothing is on screen yet; counting starts on the next transition to active
		a.guard.RecordElapsedAndPause(ctx, true)
		st = a.guard.Status()
		a.logger.Debug().Str("user_id", userID).Str("lifecycle", string(current)).Msg("Logged in while not in the foreground, session paused")
	}
	a.guard.Attach(a.lifecycle)

	a.logger.Info().Str("user_id", userID).Str("state", st.State.String()).Msg("User logged in")

	return st, nil
}

// Logout flushes the current user's usage and clears the identity. It
// returns once the flush has been persisted.
func (a *Agent) Logout(ctx context.Context) {
	ctx, cancel := detach(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.userID == "" {
		return
	}

	a.guard.Teardown(ctx)
	a.logger.Info().Str("user_id", a.userID).Msg("User logged out")
	a.userID = ""
}

// Lifecycle publishes a lifecycle transition reported by the UI shell. It
// reports whether the state changed.
func (a *Agent) Lifecycle(state lifecycle.State) bool {
	return a.lifecycle.Publish(state)
}

// Restart starts a fresh full-budget session for the current user.
func (a *Agent) Restart(ctx context.Context) (usage.Status, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.userID == "" {
		return usage.Status{}, ErrNoUser
	}

	return a.guard.RestartSession(ctx, a.userID), nil
}

// Status returns the current guard and cache status.
func (a *Agent) Status() Status {
	return Status{
		Status:       a.guard.Status(),
		Lifecycle:    a.lifecycle.Current(),
		CachedAssets: a.cache.Len(),
	}
}

// Subscribe streams guard status updates.
func (a *Agent) Subscribe() (<-chan usage.Status, func()) {
	return a.guard.Subscribe()
}

// Resolve maps a remote asset URL to its local copy.
func (a *Agent) Resolve(remoteURL string) (string, bool) {
	p := a.cache.Resolve(remoteURL)
	return p, p != remoteURL
}

// Warm caches the given asset URLs.
func (a *Agent) Warm(ctx context.Context, urls []string) assets.Report {
	return a.cache.WarmCache(ctx, urls)
}

// Preload caches every asset in the content catalog.
func (a *Agent) Preload(ctx context.Context) (assets.Report, error) {
	return a.cache.PreloadAllContent(ctx)
}

// Close logs out the current user. It is safe to call more than once.
func (a *Agent) Close(ctx context.Context) {
	a.Logout(ctx)
}

// detach keeps a flush from being abandoned when the request that triggered
// it is canceled, while still bounding how long it may take.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), identityOpTimeout)
}
