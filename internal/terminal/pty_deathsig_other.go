//go:build !linux && !windows

package terminal

import "syscall"

// Parent death signals are a Linux prctl feature; elsewhere orphaned shells
// are reaped by KillAll on shutdown.
func setPtyDeathSignal(attr *syscall.SysProcAttr) {}
