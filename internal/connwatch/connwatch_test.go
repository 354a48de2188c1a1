package connwatch

import (
	"log/slog"
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialTicks != 2 {
		t.Errorf("InitialTicks = %d, want 2", cfg.InitialTicks)
	}
	if cfg.MaxTicks != 60 {
		t.Errorf("MaxTicks = %d, want 60", cfg.MaxTicks)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
}

func TestTrack(t *testing.T) {
	t.Parallel()

	var was bool
	steps := []struct {
		ready bool
		want  Transition
	}{
		{false, Steady},
		{false, Steady},
		{true, Up},
		{true, Steady},
		{false, Down},
		{false, Steady},
		{false, Steady},
		{true, Up},
	}

	for i, s := range steps {
		if got := Track(&was, s.ready); got != s.want {
			t.Errorf("step %d: Track(ready=%v) = %v, want %v", i, s.ready, got, s.want)
		}
		if was != s.ready {
			t.Errorf("step %d: wasReady = %v, want %v", i, was, s.ready)
		}
	}
}

func TestBackoff_NilAllowsEverything(t *testing.T) {
	t.Parallel()

	var b *Backoff
	for tick := uint64(0); tick < 5; tick++ {
		if !b.Allow(tick) {
			t.Fatalf("nil Backoff refused tick %d", tick)
		}
		b.Failure(tick)
	}
	if b.Delay() != 0 {
		t.Errorf("nil Backoff Delay() = %d, want 0", b.Delay())
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{InitialTicks: 2, MaxTicks: 10, Multiplier: 2})

	wantDelays := []int{2, 4, 8, 10, 10}
	tick := uint64(1)
	for i, want := range wantDelays {
		if !b.Allow(tick) {
			t.Fatalf("attempt %d: Allow(%d) = false, want true", i, tick)
		}
		b.Failure(tick)
		if b.Delay() != want {
			t.Errorf("attempt %d: Delay() = %d, want %d", i, b.Delay(), want)
		}
		if b.Allow(tick + uint64(want) - 1) {
			t.Errorf("attempt %d: Allow(%d) = true before delay elapsed", i, tick+uint64(want)-1)
		}
		tick += uint64(want)
	}
}

func TestBackoff_SuccessResets(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{})
	b.Failure(10)
	b.Failure(12)
	if b.Allow(13) {
		t.Fatal("Allow(13) = true while backing off")
	}

	b.Success()
	if !b.Allow(13) {
		t.Error("Allow(13) = false after Success")
	}
	b.Failure(13)
	if b.Delay() != 2 {
		t.Errorf("Delay() after reset = %d, want 2", b.Delay())
	}
}

func TestRegistry_RecordAndStatus(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())
	clock := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Record("wifi", false, "disconnected")
	clock = clock.Add(time.Second)
	r.Record("wifi", false, "disconnected")
	clock = clock.Add(time.Second)
	r.Record("wifi", true, "192.0.2.10")
	r.Record("mqtt", false, "")

	status := r.Status()
	wifi, ok := status["wifi"]
	if !ok {
		t.Fatal("wifi missing from Status()")
	}
	if !wifi.Ready {
		t.Error("wifi Ready = false, want true")
	}
	if wifi.Detail != "192.0.2.10" {
		t.Errorf("wifi Detail = %q, want 192.0.2.10", wifi.Detail)
	}
	if !wifi.Since.Equal(clock) {
		t.Errorf("wifi Since = %v, want %v (time of the up transition)", wifi.Since, clock)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "mqtt" || names[1] != "wifi" {
		t.Errorf("Names() = %v, want [mqtt wifi]", names)
	}
}

func TestRegistry_SinceStableWhileUnchanged(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	clock := start
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		r.Record("ntp", false, "in-progress")
		clock = clock.Add(time.Second)
	}

	s := r.Status()["ntp"]
	if !s.Since.Equal(start) {
		t.Errorf("Since = %v, want %v", s.Since, start)
	}
	if !s.LastCheck.Equal(start.Add(2 * time.Second)) {
		t.Errorf("LastCheck = %v, want %v", s.LastCheck, start.Add(2*time.Second))
	}
}
