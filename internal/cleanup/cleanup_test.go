package cleanup

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrigger_BackToBackSharesOnePass(t *testing.T) {
	var terminations, reaps, coreStops int32
	release := make(chan struct{})

	o := New(Hooks{
		TerminateRuns: func(reason string) {
			atomic.AddInt32(&terminations, 1)
			<-release
		},
		ReapPids:         func() int { atomic.AddInt32(&reaps, 1); return 0 },
		StopCoreServices: func(reason string) { atomic.AddInt32(&coreStops, 1) },
	})

	first := o.Trigger("signal")
	second := o.Trigger("signal again")
	close(release)

	for _, done := range []<-chan struct{}{first, second} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("cleanup pass never completed")
		}
	}

	if got := atomic.LoadInt32(&terminations); got != 1 {
		t.Fatalf("terminate phase ran %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&reaps); got != 1 {
		t.Fatalf("reap phase ran %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&coreStops); got != 1 {
		t.Fatalf("core stop phase ran %d times, want 1", got)
	}
}

func TestTrigger_FailingPhaseNeverAbortsCascade(t *testing.T) {
	var order []string

	o := New(Hooks{
		TerminateRuns: func(reason string) { order = append(order, "terminate") },
		ReapPids: func() int {
			order = append(order, "reap")
			panic("process table query exploded")
		},
		StopSessions:     func() { order = append(order, "sessions") },
		StopHeartbeat:    func() { order = append(order, "heartbeat") },
		StopCoreServices: func(reason string) { order = append(order, "core") },
		TeardownBridge:   func() { order = append(order, "bridge") },
	})

	o.TriggerAndWait("test")

	want := []string{"terminate", "reap", "sessions", "heartbeat", "core", "bridge"}
	if len(order) != len(want) {
		t.Fatalf("phases ran = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("phase[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestTrigger_NilHooksAreSkipped(t *testing.T) {
	o := New(Hooks{})
	done := o.Trigger("empty")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup with nil hooks never completed")
	}
}

func TestCoreStopper_IssuesCommandAtMostOnce(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	marker := filepath.Join(t.TempDir(), "stops")
	c := NewCoreStopper([]string{"sh", "-c", "echo stop >> " + marker})

	c.Stop("watchdog")
	c.Stop("cleanup")
	c.Stop("cleanup again")

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("stop command never ran: %v", err)
	}
	if got := strings.Count(string(data), "stop"); got != 1 {
		t.Fatalf("stop command ran %d times, want 1", got)
	}
}

func TestCoreStopper_EmptyArgvIsNoOp(t *testing.T) {
	c := NewCoreStopper(nil)
	c.Stop("first")
	c.Stop("second")
}
