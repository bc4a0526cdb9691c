package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/goodtune/storyguard/internal/config"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/storage"
	"github.com/goodtune/storyguard/internal/storage/redis"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func setupTestGuard(t *testing.T, cfg Config) (*Guard, *clock.Mock, storage.KVStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mock := clock.NewMock()
	mock.Set(testStart)
	cfg.Clock = mock
	cfg.Location = time.UTC
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Minute
	}

	return NewGuard(store.KV(), cfg, zerolog.Nop()), mock, store.KV()
}

// armed reports whether the guard holds a live countdown or tick timer.
func armed(g *Guard) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expiry != nil || g.ticker != nil
}

// waitForState polls until the guard reaches want. Mock timer callbacks run
// on their own goroutines, so expiry is observed asynchronously.
func waitForState(t *testing.T, g *Guard, want State) Status {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := g.Status()
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", st.State, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func seed(t *testing.T, kv storage.KVStore, userID string, sleepUntil *time.Time, usage time.Duration, date string) {
	t.Helper()

	keys := keysFor(userID)
	entries := []storage.Entry{
		{Key: keys.cumulativeUsage, Value: formatMillis(usage)},
		{Key: keys.lastUsageDate, Value: date},
	}
	if sleepUntil != nil {
		entries = append(entries, storage.Entry{Key: keys.sleepUntil, Value: sleepUntil.Format(time.RFC3339Nano)})
	}
	if err := kv.SetAll(context.Background(), entries...); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func mustRead(t *testing.T, kv storage.KVStore, userID string) Record {
	t.Helper()

	rec, err := ReadRecord(context.Background(), kv, userID)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	return rec
}

func TestGuard_FreshUserRunsFullBudget(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	st := g.InitializeForUser(ctx, "alice")
	if st.State != StateActive {
		t.Fatalf("state = %v, want active", st.State)
	}
	if st.Remaining != 90*time.Minute || st.Display != "01:30:00" {
		t.Errorf("got %v %q, want 90m 01:30:00", st.Remaining, st.Display)
	}

	mock.Add(time.Second)
	if got := g.Status().Display; got != "01:29:59" {
		t.Errorf("display after 1s = %q, want 01:29:59", got)
	}

	mock.Add(90*time.Minute - time.Second)

	st = waitForState(t, g, StateResting)
	if st.Display != "00:00" {
		t.Errorf("display = %q, want 00:00", st.Display)
	}
	if armed(g) {
		t.Error("timers still armed while resting")
	}

	rec := mustRead(t, kv, "alice")
	if rec.CumulativeUsage != 90*time.Minute {
		t.Errorf("cumulative = %v, want 90m", rec.CumulativeUsage)
	}
	if rec.SleepUntil == nil || !rec.SleepUntil.Equal(testStart.Add(90*time.Minute)) {
		t.Errorf("sleepUntil = %v, want %v", rec.SleepUntil, testStart.Add(90*time.Minute))
	}
	if rec.LastUsageDate != "2026-03-10" {
		t.Errorf("lastUsageDate = %q", rec.LastUsageDate)
	}
}

func TestGuard_BackgroundPersistsUsage(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	mock.Add(10 * time.Minute)

	g.OnLifecycleChange(ctx, lifecycle.Active, lifecycle.Background)

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 10*time.Minute {
		t.Errorf("cumulative = %v, want 10m", rec.CumulativeUsage)
	}

	st := g.Status()
	if st.Remaining != 80*time.Minute || st.Display != "01:20:00" {
		t.Errorf("paused status = %v %q, want 80m 01:20:00", st.Remaining, st.Display)
	}
	if armed(g) {
		t.Error("timers still armed while backgrounded")
	}

	// Time in the background is not counted
	mock.Add(time.Hour)
	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 10*time.Minute {
		t.Errorf("cumulative after background hour = %v, want 10m", rec.CumulativeUsage)
	}

	g.OnLifecycleChange(ctx, lifecycle.Background, lifecycle.Active)
	st = g.Status()
	if st.State != StateActive || st.Remaining != 80*time.Minute {
		t.Errorf("resumed status = %v %v, want active 80m", st.State, st.Remaining)
	}
}

func TestGuard_OverBudgetEntersRest(t *testing.T) {
	g, _, kv := setupTestGuard(t, Config{})
	seed(t, kv, "alice", nil, 95*time.Minute, "2026-03-10")

	st := g.InitializeForUser(context.Background(), "alice")
	if st.State != StateResting || st.Display != "00:00" {
		t.Fatalf("status = %v %q, want resting 00:00", st.State, st.Display)
	}
	if armed(g) {
		t.Error("timers armed while resting")
	}

	rec := mustRead(t, kv, "alice")
	if rec.CumulativeUsage != 90*time.Minute {
		t.Errorf("cumulative = %v, want clamped 90m", rec.CumulativeUsage)
	}
	if rec.SleepUntil == nil || !rec.SleepUntil.Equal(testStart) {
		t.Errorf("sleepUntil = %v, want %v", rec.SleepUntil, testStart)
	}
}

func TestGuard_SleepMarker(t *testing.T) {
	tests := []struct {
		name       string
		sleepUntil time.Time
		date       string
		wantState  State
	}{
		{"earlier today", testStart.Add(-2 * time.Hour), "2026-03-10", StateResting},
		{"yesterday", testStart.Add(-12 * time.Hour), "2026-03-09", StateActive},
		{"future", testStart.Add(26 * time.Hour), "2026-03-10", StateResting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, kv := setupTestGuard(t, Config{})
			seed(t, kv, "alice", &tt.sleepUntil, 90*time.Minute, tt.date)

			st := g.InitializeForUser(context.Background(), "alice")
			if st.State != tt.wantState {
				t.Fatalf("state = %v, want %v", st.State, tt.wantState)
			}

			rec := mustRead(t, kv, "alice")
			if tt.wantState == StateActive {
				if st.Remaining != 90*time.Minute {
					t.Errorf("remaining = %v, want 90m", st.Remaining)
				}
				if rec.SleepUntil != nil {
					t.Errorf("stale sleep marker not cleared: %v", rec.SleepUntil)
				}
				if rec.LastUsageDate != "2026-03-10" || rec.CumulativeUsage != 0 {
					t.Errorf("record = %+v, want reset for today", rec)
				}
			} else if rec.SleepUntil == nil {
				t.Error("sleep marker removed while resting")
			}
		})
	}
}

func TestGuard_DayRollover(t *testing.T) {
	g, _, kv := setupTestGuard(t, Config{})
	seed(t, kv, "alice", nil, 60*time.Minute, "2026-03-09")

	st := g.InitializeForUser(context.Background(), "alice")
	if st.State != StateActive || st.Remaining != 90*time.Minute {
		t.Fatalf("status = %v %v, want active 90m", st.State, st.Remaining)
	}

	rec := mustRead(t, kv, "alice")
	if rec.CumulativeUsage != 0 || rec.LastUsageDate != "2026-03-10" {
		t.Errorf("record = %+v, want zero usage dated today", rec)
	}
}

func TestGuard_EnterRestIdempotent(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	mock.Add(5 * time.Minute)

	if st := g.EnterRest(ctx); st.State != StateResting {
		t.Fatalf("state = %v, want resting", st.State)
	}
	first := mustRead(t, kv, "alice")

	mock.Add(time.Minute)
	g.EnterRest(ctx)
	second := mustRead(t, kv, "alice")

	if first.SleepUntil == nil || second.SleepUntil == nil || !first.SleepUntil.Equal(*second.SleepUntil) {
		t.Errorf("sleep marker changed: %v -> %v", first.SleepUntil, second.SleepUntil)
	}
	if second.CumulativeUsage != 90*time.Minute {
		t.Errorf("cumulative = %v, want 90m", second.CumulativeUsage)
	}
}

func TestGuard_RestingIgnoresForeground(t *testing.T) {
	g, _, _ := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	g.EnterRest(ctx)

	g.OnLifecycleChange(ctx, lifecycle.Background, lifecycle.Active)

	st := g.Status()
	if st.State != StateResting || st.Display != "00:00" {
		t.Errorf("status = %v %q, want resting 00:00", st.State, st.Display)
	}
	if armed(g) {
		t.Error("foreground while resting armed a countdown")
	}
}

func TestGuard_RestartSession(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	mock.Add(90 * time.Minute)
	waitForState(t, g, StateResting)

	st := g.RestartSession(ctx, "alice")
	if st.State != StateActive || st.Remaining != 90*time.Minute {
		t.Fatalf("status = %v %v, want active 90m", st.State, st.Remaining)
	}

	rec := mustRead(t, kv, "alice")
	if rec.SleepUntil != nil || rec.CumulativeUsage != 0 {
		t.Errorf("record = %+v, want cleared", rec)
	}
}

func TestGuard_UserSwitchIsolatesUsage(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	mock.Add(10 * time.Minute)

	st := g.InitializeForUser(ctx, "bob")
	if st.UserID != "bob" || st.Remaining != 90*time.Minute {
		t.Errorf("bob status = %+v, want full budget", st)
	}

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 10*time.Minute {
		t.Errorf("alice cumulative = %v, want 10m", rec.CumulativeUsage)
	}

	mock.Add(5 * time.Minute)
	g.RecordElapsedAndPause(ctx, false)

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 10*time.Minute {
		t.Errorf("alice charged for bob's time: %v", rec.CumulativeUsage)
	}
	if rec := mustRead(t, kv, "bob"); rec.CumulativeUsage != 5*time.Minute {
		t.Errorf("bob cumulative = %v, want 5m", rec.CumulativeUsage)
	}
}

func TestGuard_RecordClampsAtLimit(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()
	seed(t, kv, "alice", nil, 80*time.Minute, "2026-03-10")

	g.InitializeForUser(ctx, "alice")

	// Another writer moved the stored total on while this session ran
	seed(t, kv, "alice", nil, 85*time.Minute, "2026-03-10")
	mock.Add(8 * time.Minute)

	if got := g.RecordElapsedAndPause(ctx, true); got != 90*time.Minute {
		t.Errorf("total = %v, want 90m", got)
	}
	if st := g.Status(); st.Display != "00:00" {
		t.Errorf("display = %q, want 00:00", st.Display)
	}
}

func TestGuard_RecordWithoutSession(t *testing.T) {
	g, _, kv := setupTestGuard(t, Config{})
	ctx := context.Background()
	seed(t, kv, "alice", nil, 30*time.Minute, "2026-03-10")

	g.InitializeForUser(ctx, "alice")
	g.RecordElapsedAndPause(ctx, true)

	if got := g.RecordElapsedAndPause(ctx, true); got != 30*time.Minute {
		t.Errorf("second flush = %v, want unchanged 30m", got)
	}
}

func TestGuard_NoUserIsNoop(t *testing.T) {
	g, _, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	if got := g.RecordElapsedAndPause(ctx, true); got != 0 {
		t.Errorf("RecordElapsedAndPause = %v, want 0", got)
	}
	if st := g.EnterRest(ctx); st.State != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", st.State)
	}
	g.OnLifecycleChange(ctx, lifecycle.Background, lifecycle.Active)
	if armed(g) {
		t.Error("timers armed with no user")
	}
	if _, err := kv.Get(ctx, storage.GlobalKey(storage.PurposeSleepUntil)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unexpected write: %v", err)
	}
}

func TestGuard_TeardownFlushes(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()

	g.InitializeForUser(ctx, "alice")
	mock.Add(7 * time.Minute)

	g.Teardown(ctx)

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 7*time.Minute {
		t.Errorf("cumulative = %v, want 7m", rec.CumulativeUsage)
	}
	if st := g.Status(); st.State != StateUninitialized || st.UserID != "" {
		t.Errorf("status = %+v, want uninitialized", st)
	}
	if armed(g) {
		t.Error("timers still armed after teardown")
	}
}

func TestGuard_TeardownIgnoresCanceledContext(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})

	g.InitializeForUser(context.Background(), "alice")
	mock.Add(20 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Teardown(ctx)

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 20*time.Minute {
		t.Errorf("cumulative = %v, want 20m", rec.CumulativeUsage)
	}
}

func TestGuard_AttachFollowsLifecycle(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{})
	ctx := context.Background()
	b := lifecycle.NewBroadcaster(lifecycle.Active)

	g.InitializeForUser(ctx, "alice")
	g.Attach(b)

	mock.Add(3 * time.Minute)
	b.Publish(lifecycle.Background)

	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 3*time.Minute {
		t.Errorf("cumulative = %v, want 3m", rec.CumulativeUsage)
	}

	g.Teardown(ctx)
	b.Publish(lifecycle.Active)

	if st := g.Status(); st.State != StateUninitialized {
		t.Errorf("state after teardown = %v, want uninitialized", st.State)
	}
}

func TestGuard_TickNeverNegative(t *testing.T) {
	g, mock, kv := setupTestGuard(t, Config{TickInterval: time.Second})
	ctx := context.Background()
	seed(t, kv, "alice", nil, 90*time.Minute-2500*time.Millisecond, "2026-03-10")

	updates, cancel := g.Subscribe()
	defer cancel()

	if st := g.InitializeForUser(ctx, "alice"); st.Display != "00:02" {
		t.Fatalf("initial display = %q, want 00:02", st.Display)
	}
	<-updates

	var displays []string
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		st := <-updates
		if st.Remaining < 0 {
			t.Fatalf("negative remaining %v", st.Remaining)
		}
		displays = append(displays, st.Display)
	}

	want := []string{"00:01", "00:00", "00:00"}
	for i := range want {
		if displays[i] != want[i] {
			t.Errorf("display[%d] = %q, want %q", i, displays[i], want[i])
		}
	}
	waitForState(t, g, StateResting)
}

func TestGuard_SubscribeKeepsLatest(t *testing.T) {
	g, _, _ := setupTestGuard(t, Config{})
	ctx := context.Background()

	updates, cancel := g.Subscribe()
	g.InitializeForUser(ctx, "alice")
	g.EnterRest(ctx)

	st := <-updates
	if st.State != StateResting || st.Display != "00:00" {
		t.Errorf("status = %v %q, want latest resting 00:00", st.State, st.Display)
	}
	select {
	case st := <-updates:
		t.Errorf("stale update queued: %+v", st)
	default:
	}

	cancel()
	cancel()
	g.RestartSession(ctx, "alice")
	select {
	case st := <-updates:
		t.Errorf("update after unsubscribe: %+v", st)
	default:
	}
}

type budgetFunc func(ctx context.Context, userID string, day time.Time) time.Duration

func (f budgetFunc) DailyLimit(ctx context.Context, userID string, day time.Time) time.Duration {
	return f(ctx, userID, day)
}

func TestGuard_BudgetOverride(t *testing.T) {
	budget := budgetFunc(func(_ context.Context, userID string, day time.Time) time.Duration {
		if userID == "alice" && day.Weekday() == time.Tuesday {
			return 30 * time.Minute
		}
		return 0
	})
	g, mock, kv := setupTestGuard(t, Config{Budget: budget})
	ctx := context.Background()

	if st := g.InitializeForUser(ctx, "alice"); st.Remaining != 30*time.Minute {
		t.Errorf("alice remaining = %v, want 30m", st.Remaining)
	}
	mock.Add(30 * time.Minute)
	waitForState(t, g, StateResting)
	if rec := mustRead(t, kv, "alice"); rec.CumulativeUsage != 30*time.Minute {
		t.Errorf("alice cumulative = %v, want 30m", rec.CumulativeUsage)
	}

	if st := g.InitializeForUser(ctx, "bob"); st.Remaining != 90*time.Minute {
		t.Errorf("bob remaining = %v, want default 90m", st.Remaining)
	}
}

type failingKV struct{}

var errUnavailable = errors.New("store unavailable")

func (failingKV) Get(context.Context, storage.Key) (string, error) { return "", errUnavailable }
func (failingKV) Set(context.Context, storage.Key, string) error   { return errUnavailable }
func (failingKV) SetAll(context.Context, ...storage.Entry) error   { return errUnavailable }
func (failingKV) Delete(context.Context, ...storage.Key) error     { return errUnavailable }

func TestGuard_FailOpen(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testStart)
	g := NewGuard(failingKV{}, Config{Clock: mock, TickInterval: time.Minute, Location: time.UTC}, zerolog.Nop())
	ctx := context.Background()

	st := g.InitializeForUser(ctx, "alice")
	if st.State != StateActive || st.Remaining != 90*time.Minute {
		t.Fatalf("status = %v %v, want active 90m", st.State, st.Remaining)
	}

	mock.Add(5 * time.Minute)
	if got := g.RecordElapsedAndPause(ctx, true); got != 5*time.Minute {
		t.Errorf("total = %v, want 5m", got)
	}

	if st := g.EnterRest(ctx); st.State != StateResting {
		t.Errorf("state = %v, want resting", st.State)
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{90 * time.Minute, "01:30:00"},
		{80 * time.Minute, "01:20:00"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour, "01:00:00"},
		{1500 * time.Millisecond, "00:01"},
		{999 * time.Millisecond, "00:00"},
		{0, "00:00"},
		{-3 * time.Second, "00:00"},
	}

	for _, tt := range tests {
		if got := FormatRemaining(tt.in); got != tt.want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
