//go:build !unix

package sidecar

import "os/exec"

// Detach is a no-op where sessions cannot be detached.
func Detach(cmd *exec.Cmd) {}
