//go:build windows

package sessions

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setSessionProcGroup configures the shell to run in its own process group.
func setSessionProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateSessionGroup terminates the process tree via taskkill.
func terminateSessionGroup(pid int) error {
	if err := exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		return fmt.Errorf("taskkill failed for pid %d: %w", pid, err)
	}
	return nil
}

// forceKillSessionGroup forcefully terminates the process tree.
func forceKillSessionGroup(pid int) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// isSessionGroupAlive checks whether the root process still runs.
func isSessionGroupAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// isSessionShell checks whether the pid still exists. Windows offers no
// cheap command-name probe, so existence is the best stale-pid guard.
func isSessionShell(pid int) bool {
	return isSessionGroupAlive(pid)
}
