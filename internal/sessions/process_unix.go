//go:build !windows

package sessions

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// setSessionProcGroup configures the shell to run in its own process group.
func setSessionProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateSessionGroup sends SIGTERM to the whole process group.
func terminateSessionGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// forceKillSessionGroup sends SIGKILL to the whole process group.
func forceKillSessionGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// isSessionGroupAlive checks whether any process in the group still runs.
func isSessionGroupAlive(pid int) bool {
	return syscall.Kill(-pid, syscall.Signal(0)) == nil
}

// isSessionShell checks whether a pid belongs to a shell we spawned. This
// prevents killing unrelated processes when the pid file is stale and the OS
// has recycled the pid.
func isSessionShell(pid int) bool {
	out, err := exec.Command("ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	comm := strings.TrimSpace(string(out))
	return comm == "sh" || comm == "/bin/sh" || comm == "bash" || comm == "/bin/bash"
}
