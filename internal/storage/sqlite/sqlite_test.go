package sqlite

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goodtune/storyguard/internal/storage"
	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "nested", "storyguard.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVStore_SetOverwrite(t *testing.T) {
	kv := openTestStore(t).KV()
	ctx := context.Background()
	key := storage.UserKey(storage.PurposeCumulativeUsage, "child-1")

	if err := kv.Set(ctx, key, "1000"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, key, "2000"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "2000" {
		t.Errorf("expected 2000, got %s", got)
	}
}

func TestKVStore_Missing(t *testing.T) {
	kv := openTestStore(t).KV()

	_, err := kv.Get(context.Background(), storage.UserKey(storage.PurposeSleepUntil, "ghost"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKVStore_SetAllDelete(t *testing.T) {
	kv := openTestStore(t).KV()
	ctx := context.Background()

	a := storage.UserKey(storage.PurposeLastUsageDate, "a")
	b := storage.UserKey(storage.PurposeLastUsageDate, "b")

	if err := kv.SetAll(ctx,
		storage.Entry{Key: a, Value: "2024-01-15"},
		storage.Entry{Key: b, Value: "2024-01-16"},
	); err != nil {
		t.Fatalf("set all: %v", err)
	}

	if err := kv.Delete(ctx, a); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := kv.Get(ctx, a); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected a to be deleted, got %v", err)
	}
	got, err := kv.Get(ctx, b)
	if err != nil || got != "2024-01-16" {
		t.Errorf("expected b untouched, got %q (%v)", got, err)
	}
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyguard.db")
	ctx := context.Background()
	key := storage.GlobalKey(storage.PurposeAssetCacheMap)

	first, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.KV().Set(ctx, key, `{"u":"p"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = first.Close()

	second, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()

	got, err := second.KV().Get(ctx, key)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != `{"u":"p"}` {
		t.Errorf("unexpected value after reopen: %s", got)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	var buf bytes.Buffer
	store, err := Open(filepath.Join(t.TempDir(), "storyguard.db"), zerolog.New(&buf))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var mode string
	if err := store.db.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := store.db.Raw("PRAGMA busy_timeout").Scan(&timeout).Error; err != nil {
		t.Fatalf("read busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}

	if strings.Contains(buf.String(), "Failed to apply sqlite pragma") {
		t.Errorf("unexpected pragma warning: %s", buf.String())
	}
}
