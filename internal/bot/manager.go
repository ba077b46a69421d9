package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"troupe/internal/logging"
	"troupe/internal/metrics"
	"troupe/internal/session"
)

// Reply is a completed turn: the worker answered and session state has been
// updated to reflect it.
type Reply struct {
	BotID       string
	UserID      string
	SessionUUID string
	Text        string
	NewSession  bool
	Duration    time.Duration
}

// DelegationSink receives the outcome of a delegated invocation keyed by the
// originating request id.
type DelegationSink interface {
	Callback(requestID, response, reasoning string) bool
}

// DelegationRequest is a bot-to-bot task handed over by the delegation
// bridge. Messages carry recent conversation context from the source bot.
type DelegationRequest struct {
	RequestID      string
	SourceBot      string
	TargetBot      string
	UserID         string
	Task           string
	ResponseFormat string
	Messages       []session.Message
}

// Listener is a per-bot inbound message loop, typically a long poll against
// an external gateway. Run blocks until the context is cancelled.
type Listener interface {
	Run(ctx context.Context) error
}

// MessageHandler is the callback a listener feeds inbound messages into.
type MessageHandler func(ctx context.Context, botID, userID, text, workspacePath string) (*Reply, error)

// ListenerFactory builds a listener for one bot. A nil factory disables
// gateway listening entirely; web-only bots never get a listener.
type ListenerFactory func(b Bot, handler MessageHandler) Listener

type ManagerOptions struct {
	Registry        *Registry
	Sessions        *session.Manager
	Transcripts     *session.TranscriptStore
	Invoker         Invoker
	Brains          BrainSource
	ListenerFactory ListenerFactory
	Logger          *logging.Logger
	Metrics         *metrics.Registry
}

// Manager coordinates the full message turn: serialize per (bot, user),
// invoke the worker, then commit session state and transcript together.
type Manager struct {
	registry    *Registry
	sessions    *session.Manager
	transcripts *session.TranscriptStore
	invoker     Invoker
	brains      BrainSource
	factory     ListenerFactory
	logger      *logging.Logger
	metrics     *metrics.Registry

	invokeLocks *session.KeyedLock

	mu        sync.Mutex
	sink      DelegationSink
	listeners map[string]*listenerHandle
	wg        sync.WaitGroup
}

type listenerHandle struct {
	cancel context.CancelFunc
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("bot registry is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	return &Manager{
		registry:    opts.Registry,
		sessions:    opts.Sessions,
		transcripts: opts.Transcripts,
		invoker:     opts.Invoker,
		brains:      opts.Brains,
		factory:     opts.ListenerFactory,
		logger:      logger,
		metrics:     opts.Metrics,
		invokeLocks: session.NewKeyedLock(),
		listeners:   make(map[string]*listenerHandle),
	}, nil
}

// SetDelegationSink wires the bridge that collects delegated responses.
func (m *Manager) SetDelegationSink(sink DelegationSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

func (m *Manager) Registry() *Registry { return m.registry }

// HandleMessage runs one conversational turn. Turns for the same (bot, user)
// pair are serialized; a failed invocation leaves session state untouched.
func (m *Manager) HandleMessage(ctx context.Context, botID, userID, text, workspacePath string) (*Reply, error) {
	b, ok := m.registry.Get(botID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}

	release := m.invokeLocks.Acquire(session.PairKey(botID, userID))
	defer release()

	currentUUID, hadSession, err := m.sessions.CurrentUUID(botID, userID)
	if err != nil {
		return nil, err
	}

	prompt := session.WrapUserText(text)
	if !hadSession {
		preamble, err := m.preambleFor(b)
		if err != nil {
			return nil, err
		}
		if preamble != "" {
			prompt = preamble + "\n\n" + prompt
		}
	}

	result, err := m.invoker.Invoke(ctx, InvokeRequest{
		Bot:           b,
		SessionUUID:   currentUUID,
		Prompt:        prompt,
		WorkspacePath: workspacePath,
	})
	if err != nil {
		return nil, err
	}

	uuid := result.SessionUUID
	if uuid == "" {
		uuid = currentUUID
	}
	if uuid == "" {
		return nil, fmt.Errorf("worker for bot %q reported no session id", botID)
	}
	newSession := uuid != currentUUID
	if err := m.sessions.SetCurrentUUID(botID, userID, uuid, workspacePath); err != nil {
		return nil, err
	}
	m.appendTranscript(workspacePath, uuid, session.RoleUser, text)
	m.appendTranscript(workspacePath, uuid, session.RoleAssistant, result.Text)
	if _, err := m.sessions.IncrementMessageCount(botID, userID); err != nil {
		m.logger.Warn("message count update failed", map[string]string{
			"bot_id": botID, "user_id": userID, "error": err.Error(),
		})
	}
	if _, err := m.sessions.IncrementMessageCount(botID, userID); err != nil {
		m.logger.Warn("message count update failed", map[string]string{
			"bot_id": botID, "user_id": userID, "error": err.Error(),
		})
	}

	m.logger.Info("turn completed", map[string]string{
		"bot_id":   botID,
		"user_id":  userID,
		"session":  uuid,
		"duration": result.Duration.Round(time.Millisecond).String(),
	})
	return &Reply{
		BotID:       botID,
		UserID:      userID,
		SessionUUID: uuid,
		Text:        result.Text,
		NewSession:  newSession,
		Duration:    result.Duration,
	}, nil
}

// DelegateToBot runs a delegated task against the target bot and pushes the
// outcome into the delegation sink. It runs the same turn pipeline as a
// direct message, so delegated turns appear in the target's session history.
func (m *Manager) DelegateToBot(ctx context.Context, req DelegationRequest) error {
	if _, ok := m.registry.Get(req.TargetBot); !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, req.TargetBot)
	}
	if strings.TrimSpace(req.Task) == "" {
		return fmt.Errorf("delegation task is required")
	}

	prompt := composeDelegationPrompt(req)
	reply, err := m.HandleMessage(ctx, req.TargetBot, req.UserID, prompt, "")
	if err != nil {
		if req.RequestID != "" {
			m.resolveDelegation(req.RequestID, "", fmt.Sprintf("delegation failed: %v", err))
		}
		return err
	}
	if req.RequestID != "" {
		m.resolveDelegation(req.RequestID, reply.Text, "")
	}
	return nil
}

func (m *Manager) resolveDelegation(requestID, response, reasoning string) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		m.logger.Warn("delegation sink missing", map[string]string{"request_id": requestID})
		return
	}
	if !sink.Callback(requestID, response, reasoning) {
		m.logger.Warn("delegation callback rejected", map[string]string{"request_id": requestID})
	}
}

// ReadSessionMessages returns the stored transcript for a pair's current or
// named session, stripped of prompt delimiters.
func (m *Manager) ReadSessionMessages(botID, userID, uuid string, limit int) ([]session.Message, error) {
	record, ok, err := m.sessions.Load(botID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []session.Message{}, nil
	}
	if uuid == "" {
		uuid = record.CurrentUUID
	}
	if uuid == "" {
		return []session.Message{}, nil
	}
	return m.transcripts.ReadMessages(uuid, limit, record.WorkspacePath)
}

// StartAll launches gateway listeners for every bot that carries an access
// token. A bot whose listener cannot start is logged and skipped; the rest
// keep running.
func (m *Manager) StartAll(ctx context.Context) {
	if m.factory == nil {
		return
	}
	for _, b := range m.registry.List() {
		if b.WebOnly || strings.TrimSpace(b.AccessToken) == "" {
			continue
		}
		m.startListener(ctx, b)
	}
}

func (m *Manager) startListener(ctx context.Context, b Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.listeners[b.ID]; running {
		return
	}
	listener := m.factory(b, m.HandleMessage)
	if listener == nil {
		return
	}
	listenerCtx, cancel := context.WithCancel(ctx)
	m.listeners[b.ID] = &listenerHandle{cancel: cancel}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.listeners, b.ID)
			m.mu.Unlock()
		}()
		if err := listener.Run(listenerCtx); err != nil && listenerCtx.Err() == nil {
			m.logger.Error("listener stopped", map[string]string{
				"bot_id": b.ID, "error": err.Error(),
			})
		}
	}()
	m.logger.Info("listener started", map[string]string{"bot_id": b.ID})
}

// StopAll cancels every listener and waits for them to drain.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, handle := range m.listeners {
		handle.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) preambleFor(b Bot) (string, error) {
	if m.brains == nil {
		return "", nil
	}
	return m.brains.Preamble(b)
}

func (m *Manager) appendTranscript(workspacePath, uuid, role, text string) {
	if m.transcripts == nil {
		return
	}
	err := m.transcripts.Append(workspacePath, uuid, session.Message{Role: role, Text: text})
	if err != nil {
		m.logger.Warn("transcript append failed", map[string]string{
			"session": uuid, "error": err.Error(),
		})
	}
}

func composeDelegationPrompt(req DelegationRequest) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Bot %s delegated a task to you on behalf of user %s.\n\n", req.SourceBot, req.UserID)
	if len(req.Messages) > 0 {
		builder.WriteString("Recent conversation context:\n")
		for _, msg := range req.Messages {
			fmt.Fprintf(&builder, "[%s] %s\n", msg.Role, msg.Text)
		}
		builder.WriteString("\n")
	}
	builder.WriteString("Task: ")
	builder.WriteString(req.Task)
	if strings.TrimSpace(req.ResponseFormat) != "" {
		builder.WriteString("\n\nRespond in this format: ")
		builder.WriteString(req.ResponseFormat)
	}
	return builder.String()
}
