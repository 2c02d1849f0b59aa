package sessions

import (
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"testing"
	"time"
)

const sampleSessions = `{
  "active": "default",
  "sessions": {
    "default": [
      {"name": "api", "commands": ["echo api up"]},
      {"name": "proxy", "autoStart": false, "commands": ["echo proxy"]}
    ],
    "full": [
      {"name": "api", "commands": ["echo api"]}
    ]
  }
}`

func writeSessions(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(sampleSessions), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeSessions(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.Active != "default" {
		t.Fatalf("active = %q, want %q", f.Active, "default")
	}
	if got, want := f.Names(), []string{"default", "full"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}

	defs := f.Sessions["default"]
	if !defs[0].ShouldAutoStart() {
		t.Fatal("service without autoStart should default to auto-start")
	}
	if defs[1].ShouldAutoStart() {
		t.Fatal("autoStart:false should disable auto-start")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "sessions.json")); err == nil {
		t.Fatal("expected error for missing sessions file")
	}
}

func TestManager_StartWritesPidFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	pidFile := filepath.Join(dir, ".sessions.pid")
	m := NewManager(pidFile, dir)

	cmds, err := m.Start([]Service{
		{Name: "one", Commands: []string{"true"}},
		{Name: "skipped", AutoStart: boolPtr(false), Commands: []string{"true"}},
	}, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("started %d services, want 1", len(cmds))
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("pid file is empty")
	}

	for _, cmd := range cmds {
		_ = cmd.Wait()
	}
}

func TestManager_StopWithoutPidFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), ".sessions.pid"), "")
	if got := m.Stop(time.Millisecond); got != 0 {
		t.Fatalf("Stop signalled %d groups with no pid file, want 0", got)
	}
}

func TestManager_StopSkipsRecycledPids(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix process probes")
	}
	dir := t.TempDir()
	pidFile := filepath.Join(dir, ".sessions.pid")

	// A live process that is not a shell we spawned; it must be skipped.
	probe := exec.Command("sleep", "5")
	if err := probe.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = probe.Process.Kill()
		_ = probe.Wait()
	}()
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(probe.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(pidFile, dir)
	if got := m.Stop(time.Millisecond); got != 0 {
		t.Fatalf("Stop signalled %d groups, want 0 for a non-session pid", got)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("expected pid file to be removed")
	}
}

func boolPtr(b bool) *bool { return &b }
