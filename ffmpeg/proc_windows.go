//go:build windows

package ffmpeg

import (
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

func terminate(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

func signaled(*os.ProcessState) bool { return false }
