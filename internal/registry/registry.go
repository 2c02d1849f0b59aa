// Package registry tracks the lifecycle of supervised runs.
//
// The registry is the single authoritative record of every run the
// supervisor has accepted: its state, timestamps, pid and exit status.
// Entries are bounded: once the registry grows past a high-water mark the
// oldest entries are evicted down to a low-water mark, so long sessions with
// many short-lived runs cannot grow memory without bound.
package registry

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a run.
type State string

const (
	// StateQueued indicates the run is accepted and waiting in its group queue.
	StateQueued State = "queued"

	// StateRunning indicates the underlying process has started.
	StateRunning State = "running"

	// StateExited indicates the run is finished. Terminal.
	StateExited State = "exited"
)

// stateRank orders states so transitions can be validated as forward-only.
var stateRank = map[State]int{
	StateQueued:  0,
	StateRunning: 1,
	StateExited:  2,
}

// Run is the registry record for a single supervised execution.
type Run struct {
	// RunID is the opaque, globally unique run identifier.
	RunID string

	// GroupKey serializes runs that must not execute concurrently.
	GroupKey string

	// Title is the human-readable run title.
	Title string

	// ProfileID is the profile this run is bound to, if any.
	// At most one running run may hold a given profile.
	ProfileID string

	// State is the current lifecycle state.
	State State

	// QueuedAt is when the run was accepted.
	QueuedAt time.Time

	// StartedAt is when the process started, zero until then.
	StartedAt time.Time

	// ExitedAt is when the run was finalized, zero until then.
	ExitedAt time.Time

	// PID is the OS process id once running, 0 before.
	PID int

	// ExitCode is the process exit code, nil when killed by signal or unknown.
	ExitCode *int

	// Signal annotates how the run ended (e.g. "sigterm", "pid_gone",
	// "spawn_exception", "error"). Empty for a clean exit.
	Signal string

	// LastError holds the most recent error message observed for this run.
	LastError string

	// seq breaks QueuedAt ties during eviction when timestamps collide.
	seq uint64
}

// Patch is a partial update applied to a run entry. Nil fields are left
// untouched.
type Patch struct {
	GroupKey  *string
	Title     *string
	ProfileID *string
	State     *State
	StartedAt *time.Time
	ExitedAt  *time.Time
	PID       *int
	ExitCode  *int
	Signal    *string
	LastError *string
}

// Options configures registry retention bounds.
type Options struct {
	// EvictHigh is the size above which eviction triggers.
	EvictHigh int

	// EvictLow is the size eviction shrinks the registry back to.
	EvictLow int
}

// DefaultOptions returns the default retention bounds.
func DefaultOptions() Options {
	return Options{EvictHigh: 400, EvictLow: 200}
}

// Registry is a mutex-guarded map of runID to run record.
//
// All mutation goes through RecordTransition so no caller can observe a
// partially applied update.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	runs    map[string]*Run
	nextSeq uint64
}

// New creates a registry with the given retention options. Zero or inverted
// bounds fall back to the defaults.
func New(opts Options) *Registry {
	def := DefaultOptions()
	if opts.EvictHigh <= 0 {
		opts.EvictHigh = def.EvictHigh
	}
	if opts.EvictLow <= 0 || opts.EvictLow >= opts.EvictHigh {
		opts.EvictLow = min(def.EvictLow, opts.EvictHigh/2)
	}
	return &Registry{
		opts: opts,
		runs: make(map[string]*Run),
	}
}

// RecordTransition merges a patch into the entry for runID, creating a
// default queued entry if none exists.
//
// State moves are forward-only: queued→running→exited. A patch that would
// move a run backward is ignored for the state field but still applies
// LastError, so a late error can be recorded immediately before
// finalization. Once a run is exited, only LastError may change.
//
// Returns the updated entry (a copy).
func (r *Registry) RecordTransition(runID string, patch Patch) Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runs[runID]
	if !ok {
		r.nextSeq++
		entry = &Run{
			RunID:    runID,
			State:    StateQueued,
			QueuedAt: time.Now(),
			seq:      r.nextSeq,
		}
		r.runs[runID] = entry
		r.evictLocked()
	}

	if entry.State == StateExited {
		// Terminal: only the error annotation may still change.
		if patch.LastError != nil {
			entry.LastError = *patch.LastError
		}
		return *entry
	}

	if patch.GroupKey != nil {
		entry.GroupKey = *patch.GroupKey
	}
	if patch.Title != nil {
		entry.Title = *patch.Title
	}
	if patch.ProfileID != nil {
		entry.ProfileID = *patch.ProfileID
	}
	if patch.State != nil && stateRank[*patch.State] > stateRank[entry.State] {
		entry.State = *patch.State
	}
	if patch.StartedAt != nil {
		entry.StartedAt = *patch.StartedAt
	}
	if patch.ExitedAt != nil {
		entry.ExitedAt = *patch.ExitedAt
	}
	if patch.PID != nil {
		entry.PID = *patch.PID
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		entry.ExitCode = &code
	}
	if patch.Signal != nil {
		entry.Signal = *patch.Signal
	}
	if patch.LastError != nil {
		entry.LastError = *patch.LastError
	}

	return *entry
}

// GetEntry returns a copy of the entry for runID.
func (r *Registry) GetEntry(runID string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *entry, true
}

// Snapshot returns copies of all entries in no particular order.
func (r *Registry) Snapshot() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Run, 0, len(r.runs))
	for _, entry := range r.runs {
		out = append(out, *entry)
	}
	return out
}

// Size returns the current number of entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// RunningCount returns the number of entries currently in the running state.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, entry := range r.runs {
		if entry.State == StateRunning {
			count++
		}
	}
	return count
}

// RunningProfile reports whether any running entry other than excludeRunID
// holds the given profile.
func (r *Registry) RunningProfile(profileID, excludeRunID string) bool {
	if profileID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.runs {
		if entry.RunID == excludeRunID {
			continue
		}
		if entry.State == StateRunning && entry.ProfileID == profileID {
			return true
		}
	}
	return false
}

// evictLocked drops the oldest entries (by QueuedAt) once the registry
// exceeds the high-water mark, shrinking back to the low-water mark.
// Caller must hold r.mu.
func (r *Registry) evictLocked() {
	if len(r.runs) <= r.opts.EvictHigh {
		return
	}

	entries := make([]*Run, 0, len(r.runs))
	for _, entry := range r.runs {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})

	for _, entry := range entries {
		if len(r.runs) <= r.opts.EvictLow {
			break
		}
		delete(r.runs, entry.RunID)
	}
}
