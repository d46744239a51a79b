//go:build !unix

package service

import (
	"os"
)

func terminate(p *os.Process) error {
	return p.Kill()
}

func signalName(_ *os.ProcessState) string {
	return ""
}
