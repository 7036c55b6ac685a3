//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 让脚本及其子进程处于同一进程组，超时时整体杀掉。
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
