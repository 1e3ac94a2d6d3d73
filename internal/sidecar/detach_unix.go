//go:build unix

package sidecar

import (
	"os/exec"
	"syscall"
)

// Detach makes cmd outlive the process that starts it.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
