package watchdog

import (
	"testing"
	"time"
)

func TestDecide_Table(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "healthy resets handled flag",
			in:   Input{Stale: 9 * time.Second, Timeout: 10 * time.Second, AlreadyHandled: false, RunCount: 2, UIOperational: false},
			want: Decision{Action: ActionNone, NextHandled: false, Reason: ReasonHealthy},
		},
		{
			name: "healthy even when previously handled",
			in:   Input{Stale: time.Second, Timeout: 10 * time.Second, AlreadyHandled: true, RunCount: 0, UIOperational: true},
			want: Decision{Action: ActionNone, NextHandled: false, Reason: ReasonHealthy},
		},
		{
			name: "already handled suppresses repeat escalation",
			in:   Input{Stale: 90 * time.Second, Timeout: 60 * time.Second, AlreadyHandled: true, RunCount: 3, UIOperational: false},
			want: Decision{Action: ActionNone, NextHandled: true, Reason: ReasonAlreadyHandled},
		},
		{
			name: "stale but UI alive",
			in:   Input{Stale: 90 * time.Second, Timeout: 60 * time.Second, AlreadyHandled: false, RunCount: 3, UIOperational: true},
			want: Decision{Action: ActionNone, NextHandled: true, Reason: ReasonStaleUIAlive},
		},
		{
			name: "stale with runs kills runs",
			in:   Input{Stale: 90 * time.Second, Timeout: 60 * time.Second, AlreadyHandled: false, RunCount: 1, UIOperational: false},
			want: Decision{Action: ActionKillRuns, NextHandled: true, Reason: ReasonStaleUIUnavailableWithRuns},
		},
		{
			name: "stale and idle stops core services",
			in:   Input{Stale: 90 * time.Second, Timeout: 60 * time.Second, AlreadyHandled: false, RunCount: 0, UIOperational: false},
			want: Decision{Action: ActionStopCoreServices, NextHandled: true, Reason: ReasonStaleUIUnavailableIdle},
		},
		{
			name: "exactly at timeout is healthy",
			in:   Input{Stale: 60 * time.Second, Timeout: 60 * time.Second, AlreadyHandled: false, RunCount: 1, UIOperational: false},
			want: Decision{Action: ActionNone, NextHandled: false, Reason: ReasonHealthy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got != tt.want {
				t.Fatalf("Decide(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMonitor_BeatIsMonotonic(t *testing.T) {
	m := NewMonitor()

	first := m.Beat("bridge")
	second := m.Beat("bridge")

	if second.Before(first) {
		t.Fatalf("heartbeat moved backward: %v then %v", first, second)
	}

	last, source := m.LastBeat()
	if last.Before(second) {
		t.Fatalf("LastBeat %v is older than latest beat %v", last, second)
	}
	if source != "bridge" {
		t.Fatalf("source = %q, want %q", source, "bridge")
	}
}

func TestWatchdog_EscalatesOncePerEpisode(t *testing.T) {
	m := NewMonitor()
	// Force the heartbeat far into the past.
	m.mu.Lock()
	m.lastBeat = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	kills := 0
	w := New(m, time.Minute, time.Hour, Hooks{
		RunCount:         func() int { return 2 },
		UIOperational:    func() bool { return false },
		KillRuns:         func(reason string) { kills++ },
		StopCoreServices: func(reason string) { t.Fatal("unexpected core services stop") },
	})

	w.evaluate()
	w.evaluate()
	w.evaluate()

	if kills != 1 {
		t.Fatalf("kill_runs executed %d times in one stale episode, want 1", kills)
	}
}

func TestWatchdog_FreshBeatOpensNewEpisode(t *testing.T) {
	m := NewMonitor()
	m.mu.Lock()
	m.lastBeat = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	kills := 0
	w := New(m, time.Minute, time.Hour, Hooks{
		RunCount:         func() int { return 1 },
		UIOperational:    func() bool { return false },
		KillRuns:         func(reason string) { kills++ },
		StopCoreServices: func(reason string) {},
	})

	w.evaluate() // escalates, marks handled

	m.Beat("bridge") // controller comes back
	w.evaluate()     // healthy, resets handled

	m.mu.Lock()
	m.lastBeat = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()
	w.evaluate() // new stale episode escalates again

	if kills != 2 {
		t.Fatalf("kill_runs executed %d times across two episodes, want 2", kills)
	}
}
