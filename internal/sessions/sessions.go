// Package sessions manages long-lived helper service sessions.
//
// Sessions are defined in .opsdeck/sessions.json: named profiles of shell
// commands that back the automation scripts (local APIs, proxies, emulators).
// Started sessions are recorded in a pid file so they can be stopped later,
// by the operator or by the cleanup orchestrator during shutdown.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// File represents the top-level .opsdeck/sessions.json file.
type File struct {
	// Active is the name of the session profile launched by default.
	Active string `json:"active"`

	// Sessions maps profile names to their service definitions.
	Sessions map[string][]Service `json:"sessions"`
}

// Service is one long-lived helper process in a session profile.
type Service struct {
	// Name is the display name for the service.
	Name string `json:"name"`

	// AutoStart controls whether the service starts with the profile.
	// Defaults to true when absent.
	AutoStart *bool `json:"autoStart,omitempty"`

	// Commands are shell commands executed sequentially in one shell.
	Commands []string `json:"commands"`
}

// ShouldAutoStart reports whether the service starts with its profile.
func (s *Service) ShouldAutoStart() bool {
	if s.AutoStart == nil {
		return true
	}
	return *s.AutoStart
}

// Load reads and parses a sessions file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// Names returns the profile names sorted alphabetically.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Sessions))
	for name := range f.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager starts and stops session processes, recording their pids in a pid
// file next to the sessions file.
type Manager struct {
	pidFile string
	workDir string
}

// NewManager creates a manager whose pid file lives at pidFile and whose
// services run in workDir.
func NewManager(pidFile, workDir string) *Manager {
	return &Manager{pidFile: pidFile, workDir: workDir}
}

// Start spawns every auto-start service of the profile, each in its own
// process group, and appends their pids to the pid file. It returns the
// started commands so a caller may stream or wait on them.
func (m *Manager) Start(services []Service, onOutput func(name, line string)) ([]*exec.Cmd, error) {
	var cmds []*exec.Cmd
	var pids []int

	for _, svc := range services {
		if !svc.ShouldAutoStart() || len(svc.Commands) == 0 {
			continue
		}

		cmd := exec.Command("/bin/sh", "-c", strings.Join(svc.Commands, " && "))
		cmd.Dir = m.workDir
		setSessionProcGroup(cmd)

		if onOutput != nil {
			wireOutput(cmd, svc.Name, onOutput)
		}

		if err := cmd.Start(); err != nil {
			log.Warn("Failed to start session service", "service", svc.Name, "error", err)
			continue
		}

		log.Info("Session service started", "service", svc.Name, "pid", cmd.Process.Pid)
		cmds = append(cmds, cmd)
		pids = append(pids, cmd.Process.Pid)
	}

	if len(pids) == 0 {
		return nil, fmt.Errorf("no services started")
	}
	if err := m.appendPids(pids); err != nil {
		return cmds, fmt.Errorf("services started but pid file write failed: %w", err)
	}
	return cmds, nil
}

// Stop terminates every process group recorded in the pid file, SIGTERM
// first, then force-kill for survivors after a grace period. Returns how
// many groups were signalled. A missing pid file means nothing to stop.
func (m *Manager) Stop(grace time.Duration) int {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0
	}

	var signalled []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}

		// Guard against recycled pids: only signal shells we spawned.
		if !isSessionShell(pid) {
			log.Debug("Pid is not a session shell, skipping", "pid", pid)
			continue
		}
		if err := terminateSessionGroup(pid); err != nil {
			log.Debug("Session group already exited", "pid", pid)
			continue
		}
		signalled = append(signalled, pid)
	}

	if len(signalled) > 0 {
		time.Sleep(grace)
		for _, pid := range signalled {
			if isSessionGroupAlive(pid) {
				log.Warn("Session group survived terminate, force killing", "pid", pid)
				forceKillSessionGroup(pid)
			}
		}
	}

	_ = os.Remove(m.pidFile)
	return len(signalled)
}

// appendPids merges new pids into the pid file.
func (m *Manager) appendPids(pids []int) error {
	existing := ""
	if data, err := os.ReadFile(m.pidFile); err == nil {
		existing = strings.TrimSpace(string(data))
	}

	var lines []string
	if existing != "" {
		lines = strings.Split(existing, "\n")
	}
	for _, pid := range pids {
		lines = append(lines, strconv.Itoa(pid))
	}

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.pidFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// wireOutput streams the command's stdout and stderr lines to onOutput.
func wireOutput(cmd *exec.Cmd, name string, onOutput func(name, line string)) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return
	}
	for _, pipe := range []io.Reader{stdout, stderr} {
		go func(r io.Reader) {
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			for scanner.Scan() {
				onOutput(name, scanner.Text())
			}
		}(pipe)
	}
}
