//go:build windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// CREATE_NEW_PROCESS_GROUP is the Windows equivalent of Unix Setpgid.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateProcess asks a process to exit via taskkill (no /F, so the
// process gets a chance to shut down cleanly).
func terminateProcess(pid int) error {
	if err := exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		return fmt.Errorf("taskkill failed for pid %d: %w", pid, err)
	}
	return nil
}

// forceKillProcess forcefully terminates a single process.
func forceKillProcess(pid int) {
	p, err := os.FindProcess(pid)
	if err == nil {
		_ = p.Kill()
	}
}

// isProcessAlive reports whether the pid still exists, via tasklist.
func isProcessAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// listChildPids returns the direct children of pid via wmic. The query runs
// under ctx so a hung wmic cannot stall the caller.
func listChildPids(ctx context.Context, pid int) []int {
	out, err := exec.CommandContext(ctx, "wmic", "process", "where",
		fmt.Sprintf("ParentProcessId=%d", pid), "get", "ProcessId", "/format:value").Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		value, ok := strings.CutPrefix(line, "ProcessId=")
		if !ok {
			continue
		}
		child, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		pids = append(pids, child)
	}
	return pids
}
