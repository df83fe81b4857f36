//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func terminatingSignal(*os.ProcessState) (int, bool) { return 0, false }
