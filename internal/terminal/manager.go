package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"troupe/internal/event"
	"troupe/internal/logging"
	"troupe/internal/metrics"
)

var (
	ErrTerminalNotFound = errors.New("terminal not found")
	ErrClientRequired   = errors.New("client id is required")
)

const maxTerminalIDLength = 128

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type ManagerOptions struct {
	Shell       string
	PtyFactory  PtyFactory
	BufferLines int
	MaxPerUser  int
	Clock       Clock
	Logger      *logging.Logger
	Bus         *event.Bus[event.TerminalEvent]
	Metrics     *metrics.Registry
}

// Manager owns every live terminal. The mutex guards the terminals map;
// output flows through per-terminal broadcasters, never through the manager.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal

	createMu sync.Mutex
	creates  map[string]*sync.Mutex

	shell       string
	factory     PtyFactory
	bufferLines int
	maxPerUser  int
	clock       Clock
	logger      *logging.Logger
	bus         *event.Bus[event.TerminalEvent]
	metrics     *metrics.Registry
}

type CreateOptions struct {
	TerminalID string
	ClientID   string
	Command    string
	Cwd        string
	Cols       uint16
	Rows       uint16
}

const DefaultMaxPerUser = 8

func NewManager(opts ManagerOptions) *Manager {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	factory := opts.PtyFactory
	if factory == nil {
		factory = DefaultPtyFactory()
	}
	bufferLines := opts.BufferLines
	if bufferLines <= 0 {
		bufferLines = DefaultBufferLines
	}
	maxPerUser := opts.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus[event.TerminalEvent](context.Background(), event.BusOptions{
			Name: "terminal_events",
		})
	}

	return &Manager{
		terminals:   make(map[string]*Terminal),
		creates:     make(map[string]*sync.Mutex),
		shell:       shell,
		factory:     factory,
		bufferLines: bufferLines,
		maxPerUser:  maxPerUser,
		clock:       clock,
		logger:      logger,
		bus:         bus,
		metrics:     opts.Metrics,
	}
}

func (m *Manager) Bus() *event.Bus[event.TerminalEvent] {
	if m == nil {
		return nil
	}
	return m.bus
}

// Create starts a terminal under the given id. Recreating an existing id is
// allowed: the prior terminal is killed first and a fresh one takes its
// place, so a reconnecting client always ends up with a live shell.
func (m *Manager) Create(opts CreateOptions) (*Terminal, error) {
	id := strings.TrimSpace(opts.TerminalID)
	if err := validateTerminalID(id); err != nil {
		return nil, err
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		return nil, ErrClientRequired
	}

	// The per-id lock spans kill, spawn, and insert so racing creates for
	// one id serialize instead of leaking a second live process.
	lock := m.createLock(id)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := m.Get(id); ok {
		m.logger.Info("terminal recreated", map[string]string{
			"terminal_id": id,
			"client_id":   clientID,
		})
		_ = m.Kill(existing.ID)
	}

	if count := len(m.OwnedBy(clientID)); count >= m.maxPerUser {
		return nil, fmt.Errorf("client %q reached the terminal limit of %d", clientID, m.maxPerUser)
	}

	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = m.shell
	}
	cwd := strings.TrimSpace(opts.Cwd)

	pty, cmd, err := m.factory.Start(StartOptions{Command: command, Dir: cwd})
	if err != nil {
		m.metrics.IncTerminal("failed")
		m.publish(event.TerminalEvent{
			EventType:  event.TerminalFailed,
			TerminalID: id,
			Err:        err.Error(),
			OccurredAt: m.clock.Now(),
		})
		return nil, fmt.Errorf("start terminal: %w", err)
	}

	t := newTerminal(terminalConfig{
		id:          id,
		clientID:    clientID,
		command:     command,
		cwd:         cwd,
		pty:         pty,
		cmd:         cmd,
		createdAt:   m.clock.Now(),
		bufferLines: m.bufferLines,
		onClose:     m.handleClosed,
	})
	if opts.Cols > 0 && opts.Rows > 0 {
		_ = t.Resize(opts.Cols, opts.Rows)
	}

	m.mu.Lock()
	m.terminals[id] = t
	live := len(m.terminals)
	m.mu.Unlock()

	m.metrics.IncTerminal("created")
	m.metrics.SetLiveTerminals(live)
	m.publish(event.TerminalEvent{
		EventType:  event.TerminalCreated,
		TerminalID: id,
		OccurredAt: m.clock.Now(),
	})
	m.logger.Info("terminal created", map[string]string{
		"terminal_id": id,
		"client_id":   clientID,
		"command":     command,
	})
	return t, nil
}

// createLock returns the mutex serializing create and recreate for one id.
func (m *Manager) createLock(id string) *sync.Mutex {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	lock, ok := m.creates[id]
	if !ok {
		lock = &sync.Mutex{}
		m.creates[id] = lock
	}
	return lock
}

func (m *Manager) Get(id string) (*Terminal, bool) {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	return t, ok
}

func (m *Manager) Write(id string, data []byte) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTerminalNotFound
	}
	return t.Write(data)
}

func (m *Manager) Resize(id string, cols, rows uint16) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTerminalNotFound
	}
	return t.Resize(cols, rows)
}

// Kill terminates a terminal and its process group.
func (m *Manager) Kill(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTerminalNotFound
	}
	return t.Kill()
}

// KillOwnedBy terminates every terminal the client created. Called by the
// router when the owning connection disconnects.
func (m *Manager) KillOwnedBy(clientID string) int {
	killed := 0
	for _, t := range m.OwnedBy(clientID) {
		if err := t.Kill(); err == nil {
			killed++
		}
	}
	if killed > 0 {
		m.logger.Info("terminals cleaned up", map[string]string{
			"client_id": clientID,
			"killed":    fmt.Sprintf("%d", killed),
		})
	}
	return killed
}

// KillAll terminates every terminal; used on daemon shutdown.
func (m *Manager) KillAll() {
	m.mu.RLock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.mu.RUnlock()
	for _, t := range terminals {
		_ = t.Kill()
	}
}

func (m *Manager) OwnedBy(clientID string) []*Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var owned []*Terminal
	for _, t := range m.terminals {
		if t.ClientID == clientID {
			owned = append(owned, t)
		}
	}
	return owned
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.terminals))
	for _, t := range m.terminals {
		infos = append(infos, t.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terminals)
}

// handleClosed runs exactly once per terminal, whether the process exited on
// its own or was killed.
func (m *Manager) handleClosed(t *Terminal, exitCode int, closeErr error) {
	m.mu.Lock()
	if current, ok := m.terminals[t.ID]; ok && current == t {
		delete(m.terminals, t.ID)
	}
	live := len(m.terminals)
	m.mu.Unlock()

	m.metrics.SetLiveTerminals(live)
	evt := event.TerminalEvent{
		TerminalID: t.ID,
		ExitCode:   exitCode,
		OccurredAt: m.clock.Now(),
	}
	if t.Killed() {
		evt.EventType = event.TerminalKilled
		m.metrics.IncTerminal("killed")
	} else {
		evt.EventType = event.TerminalExited
		m.metrics.IncTerminal("exited")
	}
	if closeErr != nil {
		evt.Err = closeErr.Error()
	}
	m.publish(evt)
	m.logger.Info("terminal closed", map[string]string{
		"terminal_id": t.ID,
		"event":       evt.EventType,
		"exit_code":   fmt.Sprintf("%d", exitCode),
	})
}

func (m *Manager) publish(evt event.TerminalEvent) {
	m.bus.Publish(evt)
}

func validateTerminalID(id string) error {
	if id == "" {
		return errors.New("terminal id is required")
	}
	if strings.ContainsAny(id, "/\\") {
		return errors.New("terminal id contains invalid characters")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.New("terminal id contains invalid characters")
		}
	}
	if len(id) > maxTerminalIDLength {
		return fmt.Errorf("terminal id exceeds %d characters", maxTerminalIDLength)
	}
	return nil
}
