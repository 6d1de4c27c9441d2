//go:build !windows

package core

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcess places the child in its own process group so that
// termination reaches everything the shell spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processAlive(p *os.Process) bool {
	return !errors.Is(p.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

func sendTermination(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}

func sendKill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

// exitCodeOf follows the shell convention of 128+N for signal deaths.
func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
