//go:build windows

package core

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func processAlive(p *os.Process) bool {
	return true
}

func sendTermination(p *os.Process) error {
	return p.Kill()
}

func sendKill(p *os.Process) error {
	return p.Kill()
}

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
