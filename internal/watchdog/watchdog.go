// Package watchdog detects controller silence and escalates.
//
// The controller (desktop UI) is expected to ping the control surface every
// few seconds. When it goes silent past the configured timeout the watchdog
// escalates in stages: first any active runs are terminated, then, once no
// work remains, supporting core services are asked to stop. A stale
// heartbeat while the controller connection is still operational is treated
// as scheduler throttling and left alone.
//
// The escalation policy lives entirely in Decide, a pure function over a
// snapshot of inputs; the surrounding loop only gathers fresh inputs on a
// fixed poll interval and executes the returned action.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Action is what the watchdog wants done right now.
type Action string

const (
	// ActionNone means leave everything alone.
	ActionNone Action = "none"

	// ActionKillRuns means terminate every active run.
	ActionKillRuns Action = "kill_runs"

	// ActionStopCoreServices means ask supporting core services to stop.
	ActionStopCoreServices Action = "stop_core_services"
)

// Reasons explain a decision; they appear in logs and tests.
const (
	ReasonHealthy                    = "healthy"
	ReasonAlreadyHandled             = "already_handled"
	ReasonStaleUIAlive               = "stale_ui_alive"
	ReasonStaleUIUnavailableWithRuns = "stale_ui_unavailable_with_runs"
	ReasonStaleUIUnavailableIdle     = "stale_ui_unavailable_idle"
)

// Input is a snapshot of everything the decision depends on.
type Input struct {
	// Stale is how long the heartbeat has been silent.
	Stale time.Duration

	// Timeout is the configured silence threshold.
	Timeout time.Duration

	// AlreadyHandled reports whether this stale episode was escalated before.
	AlreadyHandled bool

	// RunCount is the number of currently running runs.
	RunCount int

	// UIOperational reports whether the controller connection still works.
	UIOperational bool
}

// Decision is the watchdog's verdict for one evaluation.
type Decision struct {
	// Action is what to do now.
	Action Action

	// NextHandled is the handled flag to carry into the next evaluation.
	NextHandled bool

	// Reason explains the decision.
	Reason string
}

// Decide evaluates the escalation table. It performs no I/O and is fully
// deterministic. The rules, in order:
//
//  1. Heartbeat fresh → none; the handled flag resets for the next episode.
//  2. Episode already handled → none; never escalate twice per episode.
//  3. Controller connection operational → none; a stale heartbeat with a
//     live UI is throttling, not controller loss.
//  4. Active runs exist → kill them.
//  5. Otherwise → stop supporting core services.
func Decide(in Input) Decision {
	if in.Stale <= in.Timeout {
		return Decision{Action: ActionNone, NextHandled: false, Reason: ReasonHealthy}
	}
	if in.AlreadyHandled {
		return Decision{Action: ActionNone, NextHandled: true, Reason: ReasonAlreadyHandled}
	}
	if in.UIOperational {
		return Decision{Action: ActionNone, NextHandled: true, Reason: ReasonStaleUIAlive}
	}
	if in.RunCount > 0 {
		return Decision{Action: ActionKillRuns, NextHandled: true, Reason: ReasonStaleUIUnavailableWithRuns}
	}
	return Decision{Action: ActionStopCoreServices, NextHandled: true, Reason: ReasonStaleUIUnavailableIdle}
}

// Monitor is the process-wide heartbeat state.
type Monitor struct {
	mu       sync.Mutex
	lastBeat time.Time
	handled  bool
	source   string
}

// NewMonitor creates a monitor whose heartbeat starts fresh, so a controller
// that never connects still gets the full timeout before escalation.
func NewMonitor() *Monitor {
	return &Monitor{lastBeat: time.Now()}
}

// Beat records a heartbeat. Writes are monotonic: a beat carrying an older
// timestamp than the current one is ignored.
func (m *Monitor) Beat(source string) time.Time {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.After(m.lastBeat) {
		m.lastBeat = now
		m.source = source
	}
	return m.lastBeat
}

// Stale returns how long the heartbeat has been silent.
func (m *Monitor) Stale() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastBeat)
}

// LastBeat returns the most recent heartbeat time and its source.
func (m *Monitor) LastBeat() (time.Time, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat, m.source
}

// Hooks are the side effects the watchdog loop may execute and the probes it
// evaluates against. All fields are required.
type Hooks struct {
	// RunCount returns the number of currently running runs.
	RunCount func() int

	// UIOperational reports whether the controller connection still works.
	UIOperational func() bool

	// KillRuns terminates every active run.
	KillRuns func(reason string)

	// StopCoreServices asks supporting core services to stop.
	StopCoreServices func(reason string)
}

// Watchdog polls the monitor and executes escalation actions.
type Watchdog struct {
	monitor *Monitor
	hooks   Hooks

	mu      sync.Mutex
	timeout time.Duration
	poll    time.Duration
}

// New creates a watchdog around the given monitor.
func New(monitor *Monitor, timeout, poll time.Duration, hooks Hooks) *Watchdog {
	return &Watchdog{
		monitor: monitor,
		hooks:   hooks,
		timeout: timeout,
		poll:    poll,
	}
}

// SetTimeout updates the silence threshold; applied on the next evaluation.
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = timeout
}

// Run evaluates on the poll interval until ctx is cancelled. The first
// evaluation happens after one full interval, trading reaction latency for
// simplicity over event-driven wakeups.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.evaluate()
		}
	}
}

// evaluate gathers one input snapshot, decides, and executes the action.
func (w *Watchdog) evaluate() {
	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()

	w.monitor.mu.Lock()
	handled := w.monitor.handled
	w.monitor.mu.Unlock()

	in := Input{
		Stale:          w.monitor.Stale(),
		Timeout:        timeout,
		AlreadyHandled: handled,
		RunCount:       w.hooks.RunCount(),
		UIOperational:  w.hooks.UIOperational(),
	}
	decision := Decide(in)

	w.monitor.mu.Lock()
	w.monitor.handled = decision.NextHandled
	w.monitor.mu.Unlock()

	switch decision.Action {
	case ActionNone:
		if decision.Reason != ReasonHealthy {
			log.Debug("Watchdog holding", "reason", decision.Reason, "stale", in.Stale)
		}
	case ActionKillRuns:
		log.Warn("Controller silent, terminating active runs",
			"stale", in.Stale, "timeout", timeout, "runs", in.RunCount)
		w.hooks.KillRuns(decision.Reason)
	case ActionStopCoreServices:
		log.Warn("Controller silent and idle, stopping core services",
			"stale", in.Stale, "timeout", timeout)
		w.hooks.StopCoreServices(decision.Reason)
	}
}
