//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setProcGroup configures the command to run in its own process group, so
// the whole tree can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to a single process.
func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// forceKillProcess sends SIGKILL to a single process.
func forceKillProcess(pid int) {
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// isProcessAlive reports whether the pid still exists, using a zero-signal
// probe. EPERM means the process exists but belongs to someone else.
func isProcessAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// listChildPids returns the direct children of pid via pgrep. The query runs
// under ctx so a hung pgrep cannot stall the caller.
func listChildPids(ctx context.Context, pid int) []int {
	out, err := exec.CommandContext(ctx, "pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		// pgrep exits 1 when there are no matches.
		return nil
	}

	var pids []int
	for _, field := range strings.Fields(string(out)) {
		child, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, child)
	}
	return pids
}
