// Package supervisor spawns and monitors external worker processes.
//
// The supervisor is the only component that touches the OS process table.
// It accepts spawn requests, serializes them per group through the run
// queue, records every lifecycle transition in the registry, captures
// line-buffered output, and detects process death through three independent
// paths: the wait notification, the pipes-closed notification, and a
// periodic liveness probe that catches orphans whose notifications never
// arrive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdeck/cli/internal/events"
	"github.com/opsdeck/cli/internal/registry"
	"github.com/opsdeck/cli/internal/runqueue"
)

// Signal annotations attached to exit events for non-clean endings.
const (
	// SignalSpawnException marks a run whose process never started.
	SignalSpawnException = "spawn_exception"

	// SignalError marks an OS-level failure after start.
	SignalError = "error"

	// SignalPidGone marks a process that vanished without an exit
	// notification.
	SignalPidGone = "pid_gone"
)

var (
	// ErrConflict is returned when a profile-bound spec collides with a run
	// already holding that profile.
	ErrConflict = errors.New("profile already in use by a running run")

	// ErrNotFound is returned for operations on unknown run ids.
	ErrNotFound = errors.New("run not found")

	// ErrEmptyArgv is returned for specs with no command.
	ErrEmptyArgv = errors.New("spec argv is empty")
)

// helperTimeout bounds short-lived helper commands (child pid listing).
const helperTimeout = 2 * time.Second

// Spec describes one run to spawn.
type Spec struct {
	// Title is the human-readable run title.
	Title string `json:"title"`

	// WorkingDir is the process working directory.
	WorkingDir string `json:"workingDir"`

	// Argv is the command and its arguments.
	Argv []string `json:"argv"`

	// EnvOverrides are merged over the base environment.
	EnvOverrides map[string]string `json:"envOverrides,omitempty"`

	// GroupKey serializes this run with others sharing the key. Empty means
	// the run serializes only with itself.
	GroupKey string `json:"groupKey,omitempty"`

	// ProfileID binds the run to a profile; at most one running run may hold
	// a profile. When empty, a profile is inferred from Argv flags.
	ProfileID string `json:"profileId,omitempty"`
}

// Options configures a supervisor.
type Options struct {
	// LogDir is where per-run diagnostic logs are written. Empty disables
	// them.
	LogDir string

	// OrphanPollInterval is the liveness probe interval. Defaults to 1s.
	OrphanPollInterval time.Duration
}

// Supervisor owns the tracked-pid set and all live process bookkeeping.
type Supervisor struct {
	registry *registry.Registry
	queue    *runqueue.Queue
	bus      *events.Bus
	opts     Options

	mu      sync.Mutex
	procs   map[string]*proc
	tracked map[int]struct{}
}

// proc is the in-flight bookkeeping for one spawned process.
type proc struct {
	runID string
	pid   int
	rlog  *runLog

	// waitLanded closes once the wait notification recorded its status.
	waitLanded chan struct{}
	// done closes once the run is finalized.
	done chan struct{}

	mu        sync.Mutex
	finalized bool
	exitCode  *int
	signal    string
	errMsg    string
}

// New creates a supervisor publishing lifecycle events to bus and recording
// transitions in reg.
func New(reg *registry.Registry, bus *events.Bus, opts Options) *Supervisor {
	if opts.OrphanPollInterval <= 0 {
		opts.OrphanPollInterval = time.Second
	}
	return &Supervisor{
		registry: reg,
		queue:    runqueue.New(),
		bus:      bus,
		opts:     opts,
		procs:    make(map[string]*proc),
		tracked:  make(map[int]struct{}),
	}
}

// Run operates the orphan poller until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.OrphanPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOrphans()
		}
	}
}

// SpawnAndTrack validates and enqueues a run, returning its run id before
// the process has necessarily started. The conflict check happens here,
// synchronously: a profile-bound spec whose profile is already running is
// rejected with ErrConflict and leaves no trace: no registry entry, no
// process.
func (s *Supervisor) SpawnAndTrack(spec Spec) (string, error) {
	if len(spec.Argv) == 0 {
		return "", ErrEmptyArgv
	}

	profile := spec.ProfileID
	if profile == "" {
		profile = profileFromArgv(spec.Argv)
	}
	if profile != "" && s.registry.RunningProfile(profile, "") {
		return "", fmt.Errorf("%w: %s", ErrConflict, profile)
	}

	runID := uuid.New().String()
	groupKey := spec.GroupKey
	if groupKey == "" {
		groupKey = runID
	}

	s.registry.RecordTransition(runID, registry.Patch{
		GroupKey:  &groupKey,
		Title:     &spec.Title,
		ProfileID: &profile,
	})

	log.Debug("Run queued", "run_id", runID, "group", groupKey, "title", spec.Title)
	s.queue.Enqueue(groupKey, func() {
		s.execute(runID, spec)
	})
	return runID, nil
}

// Terminate requests termination of a run. Best-effort and fire-and-forget:
// direct children are force-killed first, then the process itself gets a
// graceful terminate signal. Actual death is observed later through the
// normal exit or orphan path.
func (s *Supervisor) Terminate(runID, reason string) error {
	entry, ok := s.registry.GetEntry(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	log.Info("Termination requested", "run_id", runID, "reason", reason, "pid", entry.PID)

	s.mu.Lock()
	p := s.procs[runID]
	s.mu.Unlock()
	if p != nil {
		p.rlog.Append("supervisor", fmt.Sprintf("terminate requested reason=%q", reason))
	}

	if entry.State != registry.StateRunning || entry.PID == 0 {
		// Nothing alive to signal; queued runs fall through to a normal
		// start and exit, exited runs are already done.
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), helperTimeout)
	defer cancel()
	for _, child := range listChildPids(ctx, entry.PID) {
		forceKillProcess(child)
	}

	if err := terminateProcess(entry.PID); err != nil {
		log.Debug("Terminate signal failed, process likely already gone",
			"run_id", runID, "pid", entry.PID, "error", err)
	}
	return nil
}

// TerminateAll requests termination of every run the registry still knows
// as running.
func (s *Supervisor) TerminateAll(reason string) {
	for _, entry := range s.registry.Snapshot() {
		if entry.State == registry.StateRunning {
			_ = s.Terminate(entry.RunID, reason)
		}
	}
}

// PendingRuns returns the number of queued runs whose jobs have not started
// yet, summed across groups.
func (s *Supervisor) PendingRuns() int {
	counted := make(map[string]struct{})
	total := 0
	for _, entry := range s.registry.Snapshot() {
		if entry.State != registry.StateQueued {
			continue
		}
		if _, done := counted[entry.GroupKey]; done {
			continue
		}
		counted[entry.GroupKey] = struct{}{}
		total += s.queue.PendingCount(entry.GroupKey)
	}
	return total
}

// TrackedPIDs returns a snapshot of every pid the supervisor has started.
func (s *Supervisor) TrackedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pids := make([]int, 0, len(s.tracked))
	for pid := range s.tracked {
		pids = append(pids, pid)
	}
	return pids
}

// ReapTrackedPIDs force-kills any tracked pid still alive and clears the
// set. Called by cleanup after runs were asked to terminate.
func (s *Supervisor) ReapTrackedPIDs() int {
	s.mu.Lock()
	pids := make([]int, 0, len(s.tracked))
	for pid := range s.tracked {
		pids = append(pids, pid)
	}
	s.tracked = make(map[int]struct{})
	s.mu.Unlock()

	reaped := 0
	for _, pid := range pids {
		if isProcessAlive(pid) {
			forceKillProcess(pid)
			reaped++
		}
	}
	return reaped
}

// execute runs inside the group queue pump: it spawns the process, wires
// output capture and exit detection, and blocks until the run is finalized
// so the group's next job cannot overlap.
func (s *Supervisor) execute(runID string, spec Spec) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), spec.EnvOverrides)
	setProcGroup(cmd)

	rlog := openRunLog(s.opts.LogDir, runID, spec.Title)

	p := &proc{
		runID:      runID,
		rlog:       rlog,
		waitLanded: make(chan struct{}),
		done:       make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finalizeSpawnFailure(p, rlog, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.finalizeSpawnFailure(p, rlog, err)
		return
	}

	if err := cmd.Start(); err != nil {
		s.finalizeSpawnFailure(p, rlog, err)
		return
	}

	pid := cmd.Process.Pid
	p.pid = pid
	startedAt := time.Now()

	s.mu.Lock()
	s.procs[runID] = p
	s.tracked[pid] = struct{}{}
	s.mu.Unlock()

	running := registry.StateRunning
	s.registry.RecordTransition(runID, registry.Patch{
		State:     &running,
		StartedAt: &startedAt,
		PID:       &pid,
	})
	s.bus.Publish(events.Event{
		Type:  events.TypeStarted,
		RunID: runID,
		Title: spec.Title,
		PID:   pid,
	})
	rlog.Append("supervisor", fmt.Sprintf("started pid=%d argv=%q", pid, strings.Join(spec.Argv, " ")))
	log.Info("Run started", "run_id", runID, "pid", pid, "title", spec.Title)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.drain(&readers, stdout, events.TypeStdout, runID, rlog)
	go s.drain(&readers, stderr, events.TypeStderr, runID, rlog)

	// Exit path 1: the wait notification. Carries the authoritative exit
	// code or signal. Wait must not be called while the drains are still
	// reading the pipes, so both readers drain to EOF first; the process
	// exiting closes its ends, so EOF always arrives. This also means the
	// exit event never precedes the run's captured output.
	go func() {
		readers.Wait()
		code, sig, errMsg := waitStatus(cmd.Wait())
		p.mu.Lock()
		p.exitCode = code
		p.signal = sig
		p.errMsg = errMsg
		p.mu.Unlock()
		close(p.waitLanded)
		s.finalize(p, rlog)
	}()

	// Exit path 2: the pipes-closed fallback. If the wait status has not
	// landed shortly after both pipes hit EOF, finalize with whatever is
	// known rather than stall the group forever.
	go func() {
		readers.Wait()
		select {
		case <-p.waitLanded:
		case <-time.After(helperTimeout):
		}
		s.finalize(p, rlog)
	}()

	<-p.done
}

// drain copies one pipe through a line framer into the event stream and the
// run log.
func (s *Supervisor) drain(wg *sync.WaitGroup, r io.Reader, eventType, runID string, rlog *runLog) {
	defer wg.Done()

	framer := NewLineFramer(func(line string) {
		s.bus.Publish(events.Event{Type: eventType, RunID: runID, Line: line})
		rlog.Append(eventType, line)
	})
	_, _ = io.Copy(framer, r)
	framer.Flush()
}

// finalizeSpawnFailure records a run whose process never started.
func (s *Supervisor) finalizeSpawnFailure(p *proc, rlog *runLog, err error) {
	p.mu.Lock()
	p.signal = SignalSpawnException
	p.errMsg = err.Error()
	p.mu.Unlock()

	log.Warn("Run failed to spawn", "run_id", p.runID, "error", err)
	s.finalize(p, rlog)
}

// finalize performs the single exited transition for a run. All exit paths
// funnel through here; the first caller wins and the rest are no-ops.
func (s *Supervisor) finalize(p *proc, rlog *runLog) {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		// A racing path may hold the log handle the winning path did not.
		rlog.Close()
		return
	}
	p.finalized = true
	code := p.exitCode
	sig := p.signal
	errMsg := p.errMsg
	p.mu.Unlock()

	s.mu.Lock()
	delete(s.procs, p.runID)
	s.mu.Unlock()

	exited := registry.StateExited
	exitedAt := time.Now()
	patch := registry.Patch{
		State:    &exited,
		ExitedAt: &exitedAt,
	}
	if code != nil {
		patch.ExitCode = code
	}
	if sig != "" {
		patch.Signal = &sig
	}
	if errMsg != "" {
		patch.LastError = &errMsg
	}
	s.registry.RecordTransition(p.runID, patch)

	var sigPtr *string
	if sig != "" {
		sigPtr = &sig
	}
	s.bus.Publish(events.Event{
		Type:     events.TypeExit,
		RunID:    p.runID,
		ExitCode: code,
		Signal:   sigPtr,
	})

	rlog.Append("supervisor", fmt.Sprintf("exited code=%v signal=%q", deref(code), sig))
	rlog.Close()
	log.Info("Run exited", "run_id", p.runID, "code", deref(code), "signal", sig)

	close(p.done)
}

// pollOrphans probes liveness of every running pid. A process that vanished
// without either exit notification is force-finalized with pid_gone.
func (s *Supervisor) pollOrphans() {
	s.mu.Lock()
	snapshot := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		if p.pid == 0 || isProcessAlive(p.pid) {
			continue
		}
		p.mu.Lock()
		already := p.finalized
		if !already {
			p.signal = SignalPidGone
		}
		p.mu.Unlock()
		if already {
			continue
		}
		log.Warn("Run process vanished without exit notification",
			"run_id", p.runID, "pid", p.pid)
		s.finalize(p, nil)
	}
}

// waitStatus translates a cmd.Wait result into exit code, signal annotation
// and error message.
func waitStatus(err error) (code *int, signal, errMsg string) {
	if err == nil {
		zero := 0
		return &zero, "", ""
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if c := ee.ExitCode(); c >= 0 {
			return &c, "", ""
		}
		// Killed by signal: ProcessState renders as "signal: terminated".
		return nil, strings.TrimPrefix(ee.ProcessState.String(), "signal: "), ""
	}

	return nil, SignalError, err.Error()
}

// mergeEnv layers overrides on top of base, replacing duplicate keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := overrides[key]; shadowed {
				continue
			}
		}
		merged = append(merged, kv)
	}
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

// profileFlags are the argv flags a profile id may hide behind when a spec
// carries no explicit ProfileID.
var profileFlags = map[string]bool{
	"--profile":       true,
	"--profile-id":    true,
	"--user-data-dir": true,
}

// profileFromArgv scans argv for known profile flags, supporting both
// "--flag value" and "--flag=value" forms.
func profileFromArgv(argv []string) string {
	for i, arg := range argv {
		if flag, value, ok := strings.Cut(arg, "="); ok && profileFlags[flag] {
			return value
		}
		if profileFlags[arg] && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

// deref renders a nullable exit code for logs.
func deref(code *int) interface{} {
	if code == nil {
		return nil
	}
	return *code
}
