package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testEscalationConfig() EscalationConfig {
	return EscalationConfig{
		DelayThreshold:     5,
		TempBlockThreshold: 10,
		PermBlockThreshold: 20,
		TempBlockTTL:       time.Hour,
		MaxDelay:           10 * time.Second,
		ViolationTTL:       time.Hour,
	}
}

func newTestEscalator(t *testing.T) *Escalator {
	t.Helper()

	_, client := newTestRedis(t)
	esc, err := NewEscalator(client, "t", testEscalationConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("escalator: %v", err)
	}
	return esc
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		total int64
		types int
		level int
	}{
		{0, 0, 0},
		{4, 1, 0},
		{5, 1, 1},
		{9, 1, 1},
		{10, 1, 2},
		{7, 2, 2},
		{14, 2, 2},
		{15, 1, 3},
		{3, 3, 3},
		{40, 4, 3},
	}

	for _, tc := range cases {
		if got := LevelFor(tc.total, tc.types); got != tc.level {
			t.Errorf("LevelFor(%d, %d) = %d, want %d", tc.total, tc.types, got, tc.level)
		}
	}
}

func TestLevelNeverDecreasesAsViolationsAccumulate(t *testing.T) {
	prev := 0
	for total := int64(0); total <= 30; total++ {
		level := LevelFor(total, 1)
		if level < prev {
			t.Fatalf("level dropped from %d to %d at total %d", prev, level, total)
		}
		prev = level
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	esc := newTestEscalator(t)
	ctx := context.Background()

	var lastDelay time.Duration
	for i := 0; i < 9; i++ {
		out, err := esc.RecordViolation(ctx, "203.0.113.7", PolicyLogin)
		if err != nil {
			t.Fatalf("violation %d: %v", i+1, err)
		}
		if out.Total < 5 && out.Delay != 0 {
			t.Fatalf("no delay expected below the threshold, got %v at total %d", out.Delay, out.Total)
		}
		if out.Total >= 5 {
			if out.Delay < lastDelay {
				t.Fatalf("delay shrank from %v to %v at total %d", lastDelay, out.Delay, out.Total)
			}
			if out.Delay > 10*time.Second {
				t.Fatalf("delay %v exceeds the cap", out.Delay)
			}
			lastDelay = out.Delay
		}
	}
}

func TestTemporaryBlock(t *testing.T) {
	esc := newTestEscalator(t)
	ctx := context.Background()

	var out Outcome
	var err error
	for i := 0; i < 10; i++ {
		out, err = esc.RecordViolation(ctx, "203.0.113.7", PolicyLogin)
		if err != nil {
			t.Fatalf("violation %d: %v", i+1, err)
		}
	}
	if !out.TempBlocked {
		t.Fatal("tenth violation should earn a temporary block")
	}
	if out.BlockedUntil.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("block should last about an hour, got until %v", out.BlockedUntil)
	}

	if err := esc.CheckBlocked(ctx, "203.0.113.7"); !errors.Is(err, ErrTemporarilyBlocked) {
		t.Fatalf("expected temporarily blocked, got %v", err)
	}

	left, err := esc.BlockedFor(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("blocked for: %v", err)
	}
	if left <= 0 {
		t.Fatal("temporary block should report remaining time")
	}

	if err := esc.CheckBlocked(ctx, "198.51.100.9"); err != nil {
		t.Fatalf("other address should be unaffected: %v", err)
	}
}

func TestPermanentBlockAndUnblock(t *testing.T) {
	esc := newTestEscalator(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := esc.RecordViolation(ctx, "203.0.113.7", PolicyLogin); err != nil {
			t.Fatalf("violation %d: %v", i+1, err)
		}
	}

	if err := esc.CheckBlocked(ctx, "203.0.113.7"); !errors.Is(err, ErrPermanentlyBlocked) {
		t.Fatalf("expected permanently blocked, got %v", err)
	}

	if err := esc.Unblock(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := esc.CheckBlocked(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("expected clean slate after unblock, got %v", err)
	}
}

func TestDistinctTypesRaiseLevelFaster(t *testing.T) {
	esc := newTestEscalator(t)
	ctx := context.Background()

	var out Outcome
	var err error
	for _, vt := range []string{PolicyLogin, PolicyPasswordReset, PolicyRegistration} {
		out, err = esc.RecordViolation(ctx, "203.0.113.7", vt)
		if err != nil {
			t.Fatalf("violation %s: %v", vt, err)
		}
	}

	if out.Level != 3 {
		t.Fatalf("three distinct violation types should classify level 3, got %d", out.Level)
	}
	// Classification is not a block by itself; the count thresholds decide.
	if out.TempBlocked || out.PermBlocked {
		t.Fatal("three violations should not block yet")
	}
}
