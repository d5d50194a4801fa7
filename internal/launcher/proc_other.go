//go:build !unix

package launcher

import (
	"os"
	"os/exec"
)

func setProcAttrs(*exec.Cmd) {}

func signalProcess(p *os.Process, graceful bool) error {
	if graceful {
		if err := p.Signal(os.Interrupt); err == nil {
			return nil
		}
	}
	return p.Kill()
}
