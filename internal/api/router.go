package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"troupe/internal/bot"
	"troupe/internal/event"
	"troupe/internal/logging"
	"troupe/internal/metrics"
	"troupe/internal/terminal"
)

const (
	writeTimeout  = 10 * time.Second
	outboundDepth = 256
)

// We keep gorilla/websocket because stdlib has no WebSocket server support
// and x/net/websocket is effectively frozen; gorilla provides a maintained
// upgrader, origin checks, and explicit frame handling.

// Envelope is the single wire format for everything on the /ws connection:
// chat turns and terminal traffic share it, discriminated by Type.
type Envelope struct {
	Type string `json:"type"`

	BotID  string `json:"bot_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Text   string `json:"text,omitempty"`

	TerminalID string `json:"terminal_id,omitempty"`
	Command    string `json:"command,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	Data       string `json:"data,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`

	SessionUUID string `json:"session_uuid,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	msgSendMessage    = "send-message"
	msgTerminalCreate = "terminal:create"
	msgTerminalInput  = "terminal:input"
	msgTerminalResize = "terminal:resize"
	msgTerminalKill   = "terminal:kill"

	msgBotThinking     = "bot-thinking"
	msgBotMessage      = "bot-message"
	msgError           = "error"
	msgTerminalOutput  = "terminal:output"
	msgTerminalCreated = "terminal:created"
	msgTerminalExit    = "terminal:exit"
	msgTerminalKilled  = "terminal:killed"
	msgTerminalError   = "terminal:error"
)

// ConnectionRouter upgrades browser connections and routes envelopes between
// the bot manager and the terminal multiplexer. Each connection gets its own
// id; terminals created over a connection die with it.
type ConnectionRouter struct {
	Bots           *bot.Manager
	Terminals      *terminal.Manager
	AuthToken      string
	AllowedOrigins []string
	Logger         *logging.Logger
	Metrics        *metrics.Registry

	mu    sync.Mutex
	conns map[string]*clientConn
}

type clientConn struct {
	id     string
	router *ConnectionRouter
	socket *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan Envelope

	mu       sync.Mutex
	owned    map[string]func()
	closedWg sync.WaitGroup
}

func (cr *ConnectionRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, cr.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, cr.AllowedOrigins)
		},
	}
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &clientConn{
		id:       uuid.NewString(),
		router:   cr,
		socket:   socket,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan Envelope, outboundDepth),
		owned:    make(map[string]func()),
	}
	cr.register(conn)
	defer cr.unregister(conn)

	conn.closedWg.Add(1)
	go conn.writeLoop()

	conn.readLoop()

	cancel()
	conn.cleanupTerminals()
	close(conn.outbound)
	conn.closedWg.Wait()
	_ = socket.Close()
}

func (cr *ConnectionRouter) register(conn *clientConn) {
	cr.mu.Lock()
	if cr.conns == nil {
		cr.conns = make(map[string]*clientConn)
	}
	cr.conns[conn.id] = conn
	active := len(cr.conns)
	cr.mu.Unlock()
	cr.Metrics.SetActiveConnections(active)
	cr.logf("connection opened", map[string]string{"conn_id": conn.id})
}

func (cr *ConnectionRouter) unregister(conn *clientConn) {
	cr.mu.Lock()
	delete(cr.conns, conn.id)
	active := len(cr.conns)
	cr.mu.Unlock()
	cr.Metrics.SetActiveConnections(active)
	cr.logf("connection closed", map[string]string{"conn_id": conn.id})
}

func (cr *ConnectionRouter) logf(msg string, fields map[string]string) {
	if cr.Logger != nil {
		cr.Logger.Info(msg, fields)
	}
}

func (cr *ConnectionRouter) logErr(msg string, fields map[string]string) {
	if cr.Logger != nil {
		cr.Logger.Error(msg, fields)
	}
}

func (c *clientConn) readLoop() {
	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.send(Envelope{Type: msgError, Error: "malformed envelope"})
			continue
		}
		c.dispatch(env)
	}
}

func (c *clientConn) writeLoop() {
	defer c.closedWg.Done()
	for env := range c.outbound {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.socket.WriteJSON(env); err != nil {
			return
		}
	}
}

// send never blocks the caller; a connection too slow to drain its outbound
// queue loses envelopes rather than stalling bot or terminal traffic.
func (c *clientConn) send(env Envelope) {
	defer func() {
		// The outbound channel closes when the connection tears down; a late
		// event from a terminal subscription may still race the close.
		_ = recover()
	}()
	select {
	case c.outbound <- env:
	case <-c.ctx.Done():
	}
}

func (c *clientConn) dispatch(env Envelope) {
	switch env.Type {
	case msgSendMessage:
		c.handleSendMessage(env)
	case msgTerminalCreate:
		c.handleTerminalCreate(env)
	case msgTerminalInput:
		if err := c.router.Terminals.Write(env.TerminalID, []byte(env.Data)); err != nil {
			c.send(Envelope{Type: msgTerminalError, TerminalID: env.TerminalID, Error: err.Error()})
		}
	case msgTerminalResize:
		if err := c.router.Terminals.Resize(env.TerminalID, env.Cols, env.Rows); err != nil {
			c.send(Envelope{Type: msgTerminalError, TerminalID: env.TerminalID, Error: err.Error()})
		}
	case msgTerminalKill:
		if err := c.router.Terminals.Kill(env.TerminalID); err != nil {
			c.send(Envelope{Type: msgTerminalError, TerminalID: env.TerminalID, Error: err.Error()})
		}
	default:
		c.send(Envelope{Type: msgError, Error: "unknown envelope type: " + env.Type})
	}
}

// handleSendMessage runs the turn asynchronously so one slow worker never
// blocks this connection's terminals or other envelopes.
func (c *clientConn) handleSendMessage(env Envelope) {
	botID := strings.TrimSpace(env.BotID)
	userID := strings.TrimSpace(env.UserID)
	if botID == "" || userID == "" || env.Text == "" {
		c.send(Envelope{Type: msgError, Error: "send-message requires bot_id, user_id and text"})
		return
	}
	c.send(Envelope{Type: msgBotThinking, BotID: botID, UserID: userID})
	go func() {
		reply, err := c.router.Bots.HandleMessage(c.ctx, botID, userID, env.Text, env.Workspace)
		if err != nil {
			c.router.logErr("turn failed", map[string]string{
				"conn_id": c.id, "bot_id": botID, "error": err.Error(),
			})
			c.send(Envelope{Type: msgError, BotID: botID, UserID: userID, Error: turnErrorText(err)})
			return
		}
		c.send(Envelope{
			Type:        msgBotMessage,
			BotID:       reply.BotID,
			UserID:      reply.UserID,
			SessionUUID: reply.SessionUUID,
			Text:        reply.Text,
		})
	}()
}

func (c *clientConn) handleTerminalCreate(env Envelope) {
	term, err := c.router.Terminals.Create(terminal.CreateOptions{
		TerminalID: env.TerminalID,
		ClientID:   c.id,
		Command:    env.Command,
		Cwd:        env.Cwd,
		Cols:       env.Cols,
		Rows:       env.Rows,
	})
	if err != nil {
		c.send(Envelope{Type: msgTerminalError, TerminalID: env.TerminalID, Error: err.Error()})
		return
	}
	c.attachTerminal(term)
	c.send(Envelope{Type: msgTerminalCreated, TerminalID: term.ID})
}

// attachTerminal wires the terminal's output and lifecycle to this
// connection.
func (c *clientConn) attachTerminal(term *terminal.Terminal) {
	output, cancelOutput := term.Subscribe()
	events, cancelEvents := c.router.Terminals.Bus().SubscribeFiltered(func(evt event.TerminalEvent) bool {
		return evt.TerminalID == term.ID
	})

	c.mu.Lock()
	if prior, ok := c.owned[term.ID]; ok {
		prior()
	}
	c.owned[term.ID] = func() {
		cancelOutput()
		cancelEvents()
	}
	c.mu.Unlock()

	go func() {
		for chunk := range output {
			c.send(Envelope{Type: msgTerminalOutput, TerminalID: term.ID, Data: string(chunk)})
		}
	}()
	go func() {
		for evt := range events {
			switch evt.EventType {
			case event.TerminalKilled:
				c.send(Envelope{Type: msgTerminalKilled, TerminalID: term.ID})
			case event.TerminalExited:
				code := evt.ExitCode
				c.send(Envelope{Type: msgTerminalExit, TerminalID: term.ID, ExitCode: &code})
			}
			if evt.EventType == event.TerminalKilled || evt.EventType == event.TerminalExited {
				c.detachTerminal(term.ID)
				return
			}
		}
	}()
}

func (c *clientConn) detachTerminal(id string) {
	c.mu.Lock()
	cancel, ok := c.owned[id]
	if ok {
		delete(c.owned, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// cleanupTerminals kills everything this connection created. Runs on
// disconnect before the outbound channel closes.
func (c *clientConn) cleanupTerminals() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.owned))
	for _, cancel := range c.owned {
		cancels = append(cancels, cancel)
	}
	c.owned = make(map[string]func())
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.router.Terminals.KillOwnedBy(c.id)
}

func turnErrorText(err error) string {
	var failure *bot.InvocationFailure
	switch {
	case errors.Is(err, bot.ErrBotNotFound):
		return err.Error()
	case errors.As(err, &failure):
		if failure.TimedOut {
			return "the bot took too long to answer; please try again"
		}
		return "the bot failed to answer; please try again"
	default:
		return "message could not be processed"
	}
}
