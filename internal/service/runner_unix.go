//go:build unix

package service

import (
	"os"
	"syscall"
)

// terminate asks the process to stop. The os package refuses to signal a
// process that was already waited for.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func signalName(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
