package usage

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/metrics"
	"github.com/goodtune/storyguard/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// timerOpTimeout bounds store calls made from timer callbacks, which have no
// caller context to inherit.
const timerOpTimeout = 5 * time.Second

// Config holds guard configuration
type Config struct {
	DailyLimit   time.Duration
	TickInterval time.Duration
	Budget       Budget         // optional per-user limit source
	Clock        clock.Clock    // defaults to the wall clock
	Location     *time.Location // calendar used for day boundaries, defaults to time.Local
}

// Guard enforces the daily foreground budget for one authenticated user at a
// time. Every operation and timer callback runs under a single mutex, so a
// flush can never interleave with entering rest.
type Guard struct {
	store        storage.KVStore
	clock        clock.Clock
	budget       Budget
	defaultLimit time.Duration
	tickInterval time.Duration
	loc          *time.Location
	logger       zerolog.Logger

	mu               sync.Mutex
	userID           string
	state            State
	limit            time.Duration
	sessionID        string
	sessionStart     time.Time // zero when no session is being counted
	initialRemaining time.Duration
	remaining        time.Duration
	display          string
	expiry           *clock.Timer
	ticker           *clock.Timer
	gen              uint64 // bumped on every cancel; stale callbacks compare against it
	unsubscribe      func()

	subMu  sync.Mutex
	subs   map[int]chan Status
	nextID int
}

// NewGuard creates a guard backed by store
func NewGuard(store storage.KVStore, config Config, logger zerolog.Logger) *Guard {
	if config.DailyLimit <= 0 {
		config.DailyLimit = DefaultDailyLimit
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &Guard{
		store:        store,
		clock:        config.Clock,
		budget:       config.Budget,
		defaultLimit: config.DailyLimit,
		tickInterval: config.TickInterval,
		loc:          config.Location,
		logger:       logger.With().Str("component", "usage-guard").Logger(),
		state:        StateUninitialized,
		limit:        config.DailyLimit,
		subs:         make(map[int]chan Status),
	}
}

// InitializeForUser derives the guard state for userID from persisted usage
// and starts a countdown or enters rest. Switching to a different user first
// flushes the previous user's session.
func (g *Guard) InitializeForUser(ctx context.Context, userID string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if userID == "" {
		g.logger.Warn().Msg("Initialize called without a user, ignoring")
		return g.statusLocked()
	}

	if g.userID != "" && g.userID != userID {
		g.logger.Info().
			Str("previous_user", g.userID).
			Str("user_id", userID).
			Msg("User changed, flushing previous session")
		g.recordElapsedLocked(ctx, false)
		g.cancelTimersLocked()
	}

	g.userID = userID
	return g.initializeLocked(ctx)
}

// RecordElapsedAndPause ends the running session, adding its elapsed time to
// the persisted daily total, and returns the new total. With no running
// session it returns the persisted total unchanged.
func (g *Guard) RecordElapsedAndPause(ctx context.Context, backgrounding bool) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.recordElapsedLocked(ctx, backgrounding)
}

// EnterRest flushes the running session and blocks the user for the rest of
// the day. Calling it while already resting changes nothing.
func (g *Guard) EnterRest(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.enterRestLocked(ctx)
	return g.statusLocked()
}

// OnLifecycleChange reacts to the app moving between foreground and
// background.
func (g *Guard) OnLifecycleChange(ctx context.Context, prev, next lifecycle.State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.userID == "" {
		return
	}

	g.logger.Debug().
		Str("user_id", g.userID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Lifecycle transition")

	if g.state == StateResting {
		if next.Foreground() {
			g.cancelTimersLocked()
			g.setRemainingLocked(0)
		}
		return
	}

	switch {
	case !prev.Foreground() && next.Foreground():
		// Recompute from persisted usage rather than resuming the old countdown
		g.cancelTimersLocked()
		g.initializeLocked(ctx)
	case prev.Foreground() && !next.Foreground():
		g.recordElapsedLocked(ctx, true)
	}
}

// RestartSession clears all persisted usage for userID and starts a fresh
// full-budget countdown.
func (g *Guard) RestartSession(ctx context.Context, userID string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if userID == "" {
		g.logger.Warn().Msg("Restart requested without a user, ignoring")
		return g.statusLocked()
	}

	if g.userID != "" && g.userID != userID {
		g.recordElapsedLocked(ctx, false)
	}
	g.cancelTimersLocked()
	g.sessionStart = time.Time{}
	g.userID = userID

	if err := ClearRecord(ctx, g.store, userID); err != nil {
		metrics.StorageErrors.WithLabelValues("delete").Inc()
		g.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to clear usage state for restart")
	}

	g.state = StateActive
	g.logger.Info().Str("user_id", userID).Msg("Session restarted by user")

	return g.initializeLocked(ctx)
}

// Teardown flushes the current user's session, stops all timers and the
// lifecycle subscription, and returns the guard to Uninitialized. It returns
// only after the flush has been written.
func (g *Guard) Teardown(ctx context.Context) {
	// The flush must land even if the caller has already given up
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timerOpTimeout)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}

	if g.userID != "" {
		g.recordElapsedLocked(ctx, false)
		g.logger.Info().Str("user_id", g.userID).Msg("Guard torn down")
	}

	g.cancelTimersLocked()
	g.userID = ""
	g.sessionStart = time.Time{}
	g.state = StateUninitialized
	g.remaining = 0
	g.display = ""
	g.publishLocked()
}

// Attach subscribes the guard to lifecycle transitions until Teardown.
func (g *Guard) Attach(sig lifecycle.Signal) {
	unsubscribe := sig.Subscribe(func(prev, next lifecycle.State) {
		ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
		defer cancel()
		g.OnLifecycleChange(ctx, prev, next)
	})

	g.mu.Lock()
	old := g.unsubscribe
	g.unsubscribe = unsubscribe
	g.mu.Unlock()

	if old != nil {
		old()
	}
}

// Status returns the current snapshot, with the countdown computed live.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.statusLocked()
	if g.state == StateActive && !g.sessionStart.IsZero() {
		rem := g.initialRemaining - g.clock.Now().Sub(g.sessionStart)
		if rem < 0 {
			rem = 0
		}
		st.Remaining = rem
		st.Display = FormatRemaining(rem)
	}
	return st
}

// Subscribe returns a channel carrying the latest status after every change.
// Slow readers only ever see the most recent value.
func (g *Guard) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	g.subMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	g.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subMu.Lock()
			delete(g.subs, id)
			g.subMu.Unlock()
		})
	}
}

// initializeLocked implements InitializeForUser for g.userID.
func (g *Guard) initializeLocked(ctx context.Context) Status {
	// An uncounted session would otherwise be lost when the countdown restarts
	if !g.sessionStart.IsZero() {
		g.recordElapsedLocked(ctx, false)
	}

	now := g.clock.Now()
	today := g.dateOf(now)
	keys := keysFor(g.userID)

	g.state = StateUninitialized
	g.limit = g.resolveLimit(ctx, now)

	rec := g.readLocked(ctx)

	if rec.SleepUntil != nil {
		if g.dateOf(*rec.SleepUntil) == today || rec.SleepUntil.After(now) {
			g.cancelTimersLocked()
			g.state = StateResting
			g.setRemainingLocked(0)

			g.logger.Info().
				Str("user_id", g.userID).
				Time("sleep_until", *rec.SleepUntil).
				Msg("User is resting")

			return g.statusLocked()
		}

		g.logger.Info().
			Str("user_id", g.userID).
			Time("sleep_until", *rec.SleepUntil).
			Msg("Rest period ended on an earlier day, clearing")

		if err := g.store.Delete(ctx, keys.sleepUntil); err != nil {
			metrics.StorageErrors.WithLabelValues("delete").Inc()
			g.logger.Warn().Err(err).Str("user_id", g.userID).Msg("Failed to clear sleep marker")
		}
		rec.CumulativeUsage = 0
		g.writeLocked(ctx, storage.Entry{Key: keys.cumulativeUsage, Value: formatMillis(0)})
	}

	if rec.LastUsageDate != today {
		if rec.LastUsageDate != "" {
			g.logger.Info().
				Str("user_id", g.userID).
				Str("last_usage_date", rec.LastUsageDate).
				Str("today", today).
				Msg("New day, resetting usage")
		}
		rec.CumulativeUsage = 0
		g.writeLocked(ctx,
			storage.Entry{Key: keys.cumulativeUsage, Value: formatMillis(0)},
			storage.Entry{Key: keys.lastUsageDate, Value: today},
		)
	}

	remaining := g.limit - rec.CumulativeUsage
	if remaining <= 0 {
		g.logger.Info().
			Str("user_id", g.userID).
			Dur("usage", rec.CumulativeUsage).
			Dur("limit", g.limit).
			Msg("Budget already exhausted")
		g.enterRestLocked(ctx)
		return g.statusLocked()
	}

	g.startSessionLocked(remaining)
	return g.statusLocked()
}

// startSessionLocked begins counting a foreground session with remaining
// budget left.
func (g *Guard) startSessionLocked(remaining time.Duration) {
	g.cancelTimersLocked()
	gen := g.gen

	g.state = StateActive
	g.sessionID = uuid.NewString()
	g.sessionStart = g.clock.Now()
	g.initialRemaining = remaining

	g.expiry = g.clock.AfterFunc(remaining, func() { g.onExpiry(gen) })
	g.setRemainingLocked(remaining)
	g.scheduleTickLocked(gen)

	metrics.SessionsStarted.WithLabelValues(g.userID).Inc()

	g.logger.Info().
		Str("user_id", g.userID).
		Str("session_id", g.sessionID).
		Dur("remaining", remaining).
		Msg("Started usage session")
}

func (g *Guard) scheduleTickLocked(gen uint64) {
	g.ticker = g.clock.AfterFunc(g.tickInterval, func() { g.onTick(gen) })
}

func (g *Guard) onTick(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen || g.state != StateActive || g.sessionStart.IsZero() {
		return
	}

	remaining := g.initialRemaining - g.clock.Now().Sub(g.sessionStart)
	if remaining <= 0 {
		g.ticker = nil
		g.setRemainingLocked(0)
		return
	}

	// Rearm before publishing so a subscriber never observes a tick whose
	// successor is not yet scheduled
	g.scheduleTickLocked(gen)
	g.setRemainingLocked(remaining)
}

func (g *Guard) onExpiry(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen {
		return
	}
	g.expiry = nil

	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()

	g.logger.Info().Str("user_id", g.userID).Str("session_id", g.sessionID).Msg("Daily budget used up")
	g.enterRestLocked(ctx)
}

// recordElapsedLocked implements RecordElapsedAndPause.
func (g *Guard) recordElapsedLocked(ctx context.Context, backgrounding bool) time.Duration {
	if g.userID == "" {
		g.logger.Warn().Msg("No current user, usage not recorded")
		return 0
	}

	rec := g.readLocked(ctx)
	if g.sessionStart.IsZero() {
		return rec.CumulativeUsage
	}

	now := g.clock.Now()
	today := g.dateOf(now)

	elapsed := now.Sub(g.sessionStart)
	if elapsed < 0 {
		elapsed = 0
	}

	base := rec.CumulativeUsage
	if rec.LastUsageDate != today {
		base = 0
	}

	total := base + elapsed
	if total > g.limit {
		total = g.limit
	}

	keys := keysFor(g.userID)
	g.writeLocked(ctx,
		storage.Entry{Key: keys.cumulativeUsage, Value: formatMillis(total)},
		storage.Entry{Key: keys.lastUsageDate, Value: today},
	)

	// The session is over; its countdown must not keep running unattended
	g.sessionStart = time.Time{}
	g.cancelTimersLocked()

	metrics.UsageMinutesConsumed.WithLabelValues(g.userID).Add(elapsed.Minutes())

	g.logger.Info().
		Str("user_id", g.userID).
		Str("session_id", g.sessionID).
		Dur("elapsed", elapsed).
		Dur("total", total).
		Bool("backgrounding", backgrounding).
		Msg("Recorded session usage")

	if backgrounding {
		g.setRemainingLocked(g.limit - total)
	}

	return total
}

// enterRestLocked implements EnterRest.
func (g *Guard) enterRestLocked(ctx context.Context) {
	if g.userID == "" {
		g.logger.Warn().Msg("No current user, cannot enter rest")
		return
	}
	if g.state == StateResting {
		g.logger.Debug().Str("user_id", g.userID).Msg("Already resting")
		return
	}

	g.recordElapsedLocked(ctx, false)
	g.cancelTimersLocked()

	now := g.clock.Now()
	keys := keysFor(g.userID)
	g.writeLocked(ctx,
		storage.Entry{Key: keys.sleepUntil, Value: now.Format(time.RFC3339Nano)},
		storage.Entry{Key: keys.cumulativeUsage, Value: formatMillis(g.limit)},
		storage.Entry{Key: keys.lastUsageDate, Value: g.dateOf(now)},
	)

	g.sessionStart = time.Time{}
	g.state = StateResting
	g.setRemainingLocked(0)

	metrics.RestsEntered.WithLabelValues(g.userID).Inc()

	g.logger.Info().Str("user_id", g.userID).Time("sleep_until", now).Msg("Entered rest")
}

// cancelTimersLocked stops both timers. Safe to call repeatedly.
func (g *Guard) cancelTimersLocked() {
	if g.expiry != nil {
		g.expiry.Stop()
		g.expiry = nil
	}
	if g.ticker != nil {
		g.ticker.Stop()
		g.ticker = nil
	}
	g.gen++
}

func (g *Guard) setRemainingLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	g.remaining = d
	g.display = FormatRemaining(d)
	g.publishLocked()
}

func (g *Guard) statusLocked() Status {
	return Status{
		UserID:    g.userID,
		State:     g.state,
		Remaining: g.remaining,
		Display:   g.display,
	}
}

func (g *Guard) publishLocked() {
	st := g.statusLocked()

	metrics.GuardState.Set(float64(st.State))
	metrics.RemainingSeconds.Set(st.Remaining.Seconds())

	g.subMu.Lock()
	defer g.subMu.Unlock()

	for _, ch := range g.subs {
		// Replace any unread value so the reader sees the latest one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// readLocked loads the persisted record, treating failures as absent values.
func (g *Guard) readLocked(ctx context.Context) Record {
	rec, err := ReadRecord(ctx, g.store, g.userID)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("read").Inc()
		g.logger.Warn().Err(err).Str("user_id", g.userID).Msg("Failed to read usage state, assuming defaults")
	}
	return rec
}

func (g *Guard) writeLocked(ctx context.Context, entries ...storage.Entry) {
	if err := g.store.SetAll(ctx, entries...); err != nil {
		metrics.StorageErrors.WithLabelValues("write").Inc()
		g.logger.Warn().Err(err).Str("user_id", g.userID).Msg("Failed to persist usage state")
	}
}

func (g *Guard) resolveLimit(ctx context.Context, now time.Time) time.Duration {
	if g.budget == nil {
		return g.defaultLimit
	}
	if d := g.budget.DailyLimit(ctx, g.userID, now.In(g.loc)); d > 0 {
		return d
	}
	return g.defaultLimit
}

func (g *Guard) dateOf(t time.Time) string {
	return t.In(g.loc).Format(dateLayout)
}
