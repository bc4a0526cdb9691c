package policy

import (
	"context"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	var b Budget = Static(45 * time.Minute)

	if got := b.DailyLimit(context.Background(), "alice", time.Now()); got != 45*time.Minute {
		t.Errorf("DailyLimit = %v, want 45m", got)
	}
}

func TestInput(t *testing.T) {
	in := Input("alice", time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC))

	if in["user_id"] != "alice" {
		t.Errorf("user_id = %v", in["user_id"])
	}
	if in["weekday"] != "saturday" {
		t.Errorf("weekday = %v, want saturday", in["weekday"])
	}
	if in["date"] != "2026-03-14" {
		t.Errorf("date = %v, want 2026-03-14", in["date"])
	}
}
