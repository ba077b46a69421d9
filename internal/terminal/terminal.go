package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTerminalClosed = errors.New("terminal closed")

type State uint32

const (
	stateStarting State = iota
	stateRunning
	stateClosing
	stateClosed
)

func (s State) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "running"
	}
}

// Terminal is one live PTY and its fan-out. Every terminal belongs to the
// client connection that created it; the router kills owned terminals when
// that connection drops.
type Terminal struct {
	ID        string
	ClientID  string
	Command   string
	Cwd       string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	input  chan []byte
	output chan []byte

	pty      Pty
	cmd      *exec.Cmd
	bcast    *Broadcaster
	guard    *utf8Guard
	onClose  func(t *Terminal, exitCode int, err error)
	killed   atomic.Bool
	closing  sync.Once
	closeErr error
	state    uint32
}

type Info struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

type terminalConfig struct {
	id          string
	clientID    string
	command     string
	cwd         string
	pty         Pty
	cmd         *exec.Cmd
	createdAt   time.Time
	bufferLines int
	onClose     func(*Terminal, int, error)
}

func newTerminal(cfg terminalConfig) *Terminal {
	// readLoop -> output, writeLoop -> PTY, broadcastLoop -> subscribers.
	// Close cancels the context and closes input so all loops drain and exit.
	ctx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		ID:        cfg.id,
		ClientID:  cfg.clientID,
		Command:   cfg.command,
		Cwd:       cfg.cwd,
		CreatedAt: cfg.createdAt,
		ctx:       ctx,
		cancel:    cancel,
		input:     make(chan []byte, 64),
		output:    make(chan []byte, 64),
		pty:       cfg.pty,
		cmd:       cfg.cmd,
		bcast:     NewBroadcaster(cfg.bufferLines),
		guard:     &utf8Guard{},
		onClose:   cfg.onClose,
		state:     uint32(stateStarting),
	}

	go t.readLoop()
	go t.writeLoop()
	go t.broadcastLoop()
	t.setState(stateRunning)

	return t
}

func (t *Terminal) Info() Info {
	return Info{
		ID:        t.ID,
		ClientID:  t.ClientID,
		Command:   t.Command,
		Cwd:       t.Cwd,
		CreatedAt: t.CreatedAt,
		Status:    t.State().String(),
	}
}

func (t *Terminal) Subscribe() (<-chan []byte, func()) {
	return t.bcast.Subscribe()
}

func (t *Terminal) Write(data []byte) (err error) {
	if len(data) == 0 {
		return nil
	}
	if t == nil {
		return ErrTerminalClosed
	}
	state := t.State()
	if state == stateClosing || state == stateClosed {
		return ErrTerminalClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = ErrTerminalClosed
		}
	}()

	select {
	case t.input <- data:
		return nil
	case <-t.ctx.Done():
		return ErrTerminalClosed
	}
}

func (t *Terminal) Resize(cols, rows uint16) error {
	if t == nil || t.pty == nil {
		return ErrTerminalClosed
	}
	if err := t.pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

func (t *Terminal) OutputLines() []string {
	return t.bcast.OutputLines()
}

func (t *Terminal) Tail(maxLines int) []string {
	return t.bcast.Tail(maxLines)
}

func (t *Terminal) State() State {
	return State(atomic.LoadUint32(&t.state))
}

func (t *Terminal) setState(state State) {
	atomic.StoreUint32(&t.state, uint32(state))
}

// Kill marks the terminal as deliberately terminated before closing it, so
// the lifecycle event distinguishes a kill from the process exiting on its
// own.
func (t *Terminal) Kill() error {
	t.killed.Store(true)
	return t.Close()
}

func (t *Terminal) Killed() bool {
	return t.killed.Load()
}

func (t *Terminal) Close() error {
	t.closing.Do(func() {
		t.setState(stateClosing)
		if t.cancel != nil {
			t.cancel()
		}
		close(t.input)
		exitCode, closeErr := t.closeResources()
		t.closeErr = closeErr
		t.setState(stateClosed)
		if t.onClose != nil {
			t.onClose(t, exitCode, closeErr)
		}
	})

	return t.closeErr
}

func (t *Terminal) closeResources() (int, error) {
	var errs []error
	if t.pty != nil {
		if err := t.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
	}
	exitCode := 0
	if t.cmd != nil && t.cmd.Process != nil {
		killErr := t.cmd.Process.Kill()
		if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", killErr))
		}
		if killErr == nil || errors.Is(killErr, os.ErrProcessDone) {
			if t.cmd.ProcessState == nil {
				if err := t.cmd.Wait(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					var exitErr *exec.ExitError
					if !errors.As(err, &exitErr) {
						errs = append(errs, fmt.Errorf("wait process: %w", err))
					}
				}
			}
		}
		if t.cmd.ProcessState != nil {
			exitCode = t.cmd.ProcessState.ExitCode()
		}
	}
	return exitCode, errors.Join(errs...)
}

func (t *Terminal) readLoop() {
	defer close(t.output)

	buf := make([]byte, 4096)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.output <- chunk:
			case <-t.ctx.Done():
				return
			}
		}
		if err != nil {
			_ = t.Close()
			return
		}
	}
}

func (t *Terminal) writeLoop() {
	for data := range t.input {
		if _, err := t.pty.Write(data); err != nil {
			_ = t.Close()
			return
		}
	}
}

func (t *Terminal) broadcastLoop() {
	for chunk := range t.output {
		if clean := t.guard.Filter(chunk); len(clean) > 0 {
			t.bcast.Broadcast(clean)
		}
	}
	if tail := t.guard.Flush(); len(tail) > 0 {
		t.bcast.Broadcast(tail)
	}
	t.bcast.Close()
}
