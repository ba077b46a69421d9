package terminal

import "os/exec"

type Pty interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// StartOptions describes the process to put behind a new pty. Dir is the
// working directory for the spawned command; empty inherits the daemon's.
type StartOptions struct {
	Command string
	Args    []string
	Dir     string
}

type PtyFactory interface {
	Start(opts StartOptions) (Pty, *exec.Cmd, error)
}

type defaultPtyFactory struct{}

func (defaultPtyFactory) Start(opts StartOptions) (Pty, *exec.Cmd, error) {
	return startPty(opts)
}

func DefaultPtyFactory() PtyFactory {
	return defaultPtyFactory{}
}
