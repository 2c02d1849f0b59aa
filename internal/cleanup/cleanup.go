// Package cleanup performs the cascading shutdown of the control surface.
//
// Cleanup is triggered by OS termination signals, by the watchdog, or by an
// explicit operator request. It is idempotent: concurrent triggers share one
// in-flight pass. Every phase is best-effort: a failing phase is logged and
// the cascade moves on, so shutdown always makes forward progress.
package cleanup

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/opsdeck/cli/internal/util"
)

// coreStopTimeout bounds the external core-services stop command.
const coreStopTimeout = 30 * time.Second

// Hooks are the shutdown actions, in cascade order. Nil hooks skip their
// phase.
type Hooks struct {
	// TerminateRuns asks the supervisor to terminate every known run.
	TerminateRuns func(reason string)

	// ReapPids force-kills tracked pids still alive and clears the set,
	// returning how many needed reaping.
	ReapPids func() int

	// StopSessions stops owned long-lived automation sessions.
	StopSessions func()

	// StopHeartbeat stops heartbeat handling and persists the stopped
	// marker.
	StopHeartbeat func()

	// StopCoreServices issues the external core-services stop command.
	StopCoreServices func(reason string)

	// TeardownBridge tears down the controller event bridge.
	TeardownBridge func()
}

// Orchestrator coordinates one cascading shutdown pass at a time.
type Orchestrator struct {
	hooks Hooks

	mu       sync.Mutex
	inflight chan struct{}
}

// New creates an orchestrator with the given hooks.
func New(hooks Hooks) *Orchestrator {
	return &Orchestrator{hooks: hooks}
}

// Trigger starts a cleanup pass, or joins the one already in flight. The
// returned channel closes when the pass completes.
func (o *Orchestrator) Trigger(reason string) <-chan struct{} {
	o.mu.Lock()
	if o.inflight != nil {
		done := o.inflight
		o.mu.Unlock()
		log.Debug("Cleanup already in flight, awaiting it", "reason", reason)
		return done
	}
	done := make(chan struct{})
	o.inflight = done
	o.mu.Unlock()

	go func() {
		o.run(reason)
		close(done)
		o.mu.Lock()
		o.inflight = nil
		o.mu.Unlock()
	}()
	return done
}

// TriggerAndWait runs a cleanup pass and blocks until it completes.
func (o *Orchestrator) TriggerAndWait(reason string) {
	<-o.Trigger(reason)
}

// run executes the cascade.
func (o *Orchestrator) run(reason string) {
	log.Info("Cleanup starting", "reason", reason)

	phase("terminate runs", func() {
		if o.hooks.TerminateRuns != nil {
			o.hooks.TerminateRuns(reason)
		}
	})
	phase("reap tracked pids", func() {
		if o.hooks.ReapPids != nil {
			if reaped := o.hooks.ReapPids(); reaped > 0 {
				log.Warn("Reaped processes that survived termination", "count", reaped)
			}
		}
	})
	phase("stop sessions", func() {
		if o.hooks.StopSessions != nil {
			o.hooks.StopSessions()
		}
	})
	phase("stop heartbeat", func() {
		if o.hooks.StopHeartbeat != nil {
			o.hooks.StopHeartbeat()
		}
	})
	phase("stop core services", func() {
		if o.hooks.StopCoreServices != nil {
			o.hooks.StopCoreServices(reason)
		}
	})
	phase("teardown bridge", func() {
		if o.hooks.TeardownBridge != nil {
			o.hooks.TeardownBridge()
		}
	})

	log.Info("Cleanup complete", "reason", reason)
}

// phase runs one cascade step, containing any failure so later phases still
// run.
func phase(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("Cleanup phase failed", "phase", name, "panic", r)
		}
	}()
	fn()
}

// CoreStopper issues the external core-services stop command at most once
// per process lifetime, no matter how many callers ask. The command itself
// must also be idempotent; this guard just avoids issuing it twice.
type CoreStopper struct {
	argv []string
	once sync.Once
}

// NewCoreStopper creates a stopper for the given command argv. An empty argv
// disables the stopper.
func NewCoreStopper(argv []string) *CoreStopper {
	return &CoreStopper{argv: argv}
}

// Stop issues the stop command on first call; later calls are no-ops.
func (c *CoreStopper) Stop(reason string) {
	c.once.Do(func() {
		if len(c.argv) == 0 {
			return
		}
		log.Info("Stopping core services", "reason", reason, "command", c.argv[0])
		util.Attempt("core services stop", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), coreStopTimeout)
			defer cancel()
			return exec.CommandContext(ctx, c.argv[0], c.argv[1:]...).Run()
		})
	})
}
