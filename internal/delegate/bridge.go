// Package delegate brokers bot-to-bot task handoff. A privileged bot
// triggers a task for another bot, the target runs it asynchronously, and the
// source polls for the outcome exactly once.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"troupe/internal/bot"
	"troupe/internal/event"
	"troupe/internal/logging"
	"troupe/internal/metrics"
	"troupe/internal/session"
)

const (
	defaultResolvedTTL = 15 * time.Minute
	defaultPendingTTL  = 30 * time.Minute
	defaultSweepEvery  = time.Minute

	contextMessageLimit = 20
)

var ErrUnknownRequest = errors.New("unknown delegation request")

// AuthorizationError rejects trigger calls from bots outside the privileged
// set.
type AuthorizationError struct {
	Caller string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("bot %q is not allowed to delegate", e.Caller)
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

type record struct {
	id         string
	sourceBot  string
	targetBot  string
	userID     string
	status     Status
	response   string
	reasoning  string
	createdAt  time.Time
	resolvedAt time.Time
}

// PollResult is what a poller sees. A resolved result is handed out once and
// the request ceases to exist.
type PollResult struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Response  string `json:"response,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// TriggerRequest starts a delegation. SourceBot must be privileged. Without
// WaitForResponse the task is fire-and-forget: nothing is registered for
// polling and the outcome is only logged.
type TriggerRequest struct {
	SourceBot       string `json:"source_bot"`
	TargetBot       string `json:"target_bot"`
	UserID          string `json:"user_id"`
	Task            string `json:"task"`
	ResponseFormat  string `json:"response_format,omitempty"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`
}

// Runner executes the delegated turn; the bot manager implements it.
type Runner interface {
	DelegateToBot(ctx context.Context, req bot.DelegationRequest) error
}

// MessageReader supplies recent conversation context from the source bot's
// session; the bot manager implements it.
type MessageReader interface {
	ReadSessionMessages(botID, userID, uuid string, limit int) ([]session.Message, error)
}

type BridgeOptions struct {
	Runner         Runner
	Messages       MessageReader
	KnownBot       func(id string) bool
	PrivilegedBots []string
	ResolvedTTL    time.Duration
	PendingTTL     time.Duration
	Clock          session.Clock
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Events         *event.Bus[event.DelegationEvent]
}

// Bridge tracks in-flight delegations in memory. Requests do not survive a
// restart; the poller sees unknown and retries the trigger.
type Bridge struct {
	runner     Runner
	messages   MessageReader
	knownBot   func(id string) bool
	privileged map[string]bool
	resolved   time.Duration
	pending    time.Duration
	clock      session.Clock
	logger     *logging.Logger
	metrics    *metrics.Registry
	events     *event.Bus[event.DelegationEvent]

	mu      sync.Mutex
	records map[string]*record

	closeOnce sync.Once
	done      chan struct{}
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Runner == nil {
		return nil, errors.New("delegation runner is required")
	}
	privileged := make(map[string]bool, len(opts.PrivilegedBots))
	for _, id := range opts.PrivilegedBots {
		privileged[id] = true
	}
	resolvedTTL := opts.ResolvedTTL
	if resolvedTTL <= 0 {
		resolvedTTL = defaultResolvedTTL
	}
	pendingTTL := opts.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	return &Bridge{
		runner:     opts.Runner,
		messages:   opts.Messages,
		knownBot:   opts.KnownBot,
		privileged: privileged,
		resolved:   resolvedTTL,
		pending:    pendingTTL,
		clock:      clock,
		logger:     logger,
		metrics:    opts.Metrics,
		events:     opts.Events,
		records:    make(map[string]*record),
		done:       make(chan struct{}),
	}, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Trigger starts the delegated turn in the background. With WaitForResponse
// set it registers a pending request and returns the id the caller polls;
// otherwise the returned id is empty. The turn outlives the caller's context.
func (b *Bridge) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	if !b.privileged[req.SourceBot] {
		return "", &AuthorizationError{Caller: req.SourceBot}
	}
	if strings.TrimSpace(req.TargetBot) == "" {
		return "", errors.New("target bot is required")
	}
	if b.knownBot != nil && !b.knownBot(req.TargetBot) {
		return "", fmt.Errorf("%w: %s", bot.ErrBotNotFound, req.TargetBot)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return "", errors.New("user id is required")
	}
	if strings.TrimSpace(req.Task) == "" {
		return "", errors.New("task is required")
	}

	if !req.WaitForResponse {
		b.logger.Info("delegation triggered", map[string]string{
			"source_bot": req.SourceBot,
			"target_bot": req.TargetBot,
			"one_way":    "true",
		})
		go b.run(context.WithoutCancel(ctx), "", req)
		return "", nil
	}

	now := b.clock.Now()
	id := newRequestID(now)
	b.mu.Lock()
	b.records[id] = &record{
		id:        id,
		sourceBot: req.SourceBot,
		targetBot: req.TargetBot,
		userID:    req.UserID,
		status:    StatusPending,
		createdAt: now,
	}
	pending := b.pendingCountLocked()
	b.mu.Unlock()

	b.metrics.IncDelegation("created")
	b.metrics.SetPendingDelegations(pending)
	b.events.Publish(event.NewDelegationEvent(id, req.TargetBot, event.DelegationCreated))
	b.logger.Info("delegation triggered", map[string]string{
		"request_id": id,
		"source_bot": req.SourceBot,
		"target_bot": req.TargetBot,
	})

	go b.run(context.WithoutCancel(ctx), id, req)
	return id, nil
}

func (b *Bridge) run(ctx context.Context, id string, req TriggerRequest) {
	messages := b.contextMessages(req)
	err := b.runner.DelegateToBot(ctx, bot.DelegationRequest{
		RequestID:      id,
		SourceBot:      req.SourceBot,
		TargetBot:      req.TargetBot,
		UserID:         req.UserID,
		Task:           req.Task,
		ResponseFormat: req.ResponseFormat,
		Messages:       messages,
	})
	if err != nil {
		if id == "" {
			b.logger.Warn("one-way delegation failed", map[string]string{
				"target_bot": req.TargetBot,
				"error":      err.Error(),
			})
			return
		}
		// The runner reports failures through Callback; this is the fallback
		// for errors raised before the turn even started.
		b.Callback(id, "", fmt.Sprintf("delegation failed: %v", err))
	}
}

func (b *Bridge) contextMessages(req TriggerRequest) []session.Message {
	if b.messages == nil {
		return nil
	}
	messages, err := b.messages.ReadSessionMessages(req.SourceBot, req.UserID, "", contextMessageLimit)
	if err != nil {
		b.logger.Warn("delegation context unavailable", map[string]string{
			"source_bot": req.SourceBot,
			"user_id":    req.UserID,
			"error":      err.Error(),
		})
		return nil
	}
	return messages
}

// Callback records the outcome for a pending request. A repeat callback for
// the same id overwrites the prior outcome, last write wins; an unknown id
// reports false.
func (b *Bridge) Callback(requestID, response, reasoning string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.records[requestID]
	if !ok {
		return false
	}
	firstResolve := entry.status != StatusResolved
	entry.status = StatusResolved
	entry.response = response
	entry.reasoning = reasoning
	entry.resolvedAt = b.clock.Now()
	if firstResolve {
		b.metrics.IncDelegation("resolved")
		b.metrics.SetPendingDelegations(b.pendingCountLocked())
		b.events.Publish(event.NewDelegationEvent(requestID, entry.targetBot, event.DelegationResolved))
	}
	return true
}

// Poll reads the request state. A resolved request is consumed: the result is
// returned and the entry deleted, so exactly one poller gets the response.
func (b *Bridge) Poll(requestID string) (PollResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.records[requestID]
	if !ok {
		return PollResult{}, ErrUnknownRequest
	}
	if entry.status == StatusPending {
		return PollResult{ID: requestID, Status: StatusPending}, nil
	}
	delete(b.records, requestID)
	b.metrics.IncDelegation("consumed")
	b.events.Publish(event.NewDelegationEvent(requestID, entry.targetBot, event.DelegationConsumed))
	return PollResult{
		ID:        requestID,
		Status:    StatusResolved,
		Response:  entry.response,
		Reasoning: entry.reasoning,
	}, nil
}

// PendingCount reports how many requests await resolution.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCountLocked()
}

func (b *Bridge) pendingCountLocked() int {
	count := 0
	for _, entry := range b.records {
		if entry.status == StatusPending {
			count++
		}
	}
	return count
}

// Sweep drops resolved requests nobody polled within the resolved TTL and
// pending requests stuck past the pending TTL. Returns how many were dropped.
func (b *Bridge) Sweep() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, entry := range b.records {
		expired := false
		switch entry.status {
		case StatusResolved:
			expired = now.Sub(entry.resolvedAt) > b.resolved
		case StatusPending:
			expired = now.Sub(entry.createdAt) > b.pending
		}
		if !expired {
			continue
		}
		delete(b.records, id)
		dropped++
		b.metrics.IncDelegation("expired")
		b.events.Publish(event.NewDelegationEvent(id, entry.targetBot, event.DelegationExpired))
		b.logger.Info("delegation expired", map[string]string{
			"request_id": id,
			"status":     string(entry.status),
		})
	}
	if dropped > 0 {
		b.metrics.SetPendingDelegations(b.pendingCountLocked())
	}
	return dropped
}

// Start runs the TTL sweeper until the context ends or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(defaultSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
				b.Sweep()
			}
		}
	}()
}

func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Request ids sort by creation time and stay unique under bursts.
func newRequestID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}
