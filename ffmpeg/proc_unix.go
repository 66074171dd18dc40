//go:build !windows

package ffmpeg

import (
	"os"
	"os/exec"
	"syscall"
)

// isolate starts ffmpeg in its own process group so a terminal Ctrl+C
// reaches only the parent, which then cancels through the encoder.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate asks ffmpeg to stop so it can finalize the container.
func terminate(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Signal(syscall.SIGTERM)
}

func signaled(state *os.ProcessState) bool {
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
