package terminal

import (
	"os"
	"runtime"
)

// DefaultShell is the fallback for terminals created without a configured
// shell and without an explicit command: the login shell from the
// environment, or the platform default when that is unset.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		for _, key := range []string{"ComSpec", "COMSPEC"} {
			if shell := os.Getenv(key); shell != "" {
				return shell
			}
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}
