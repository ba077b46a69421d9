package event

import "time"

// Event is implemented by every payload carried on a Bus.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// TerminalEvent captures terminal lifecycle changes. Output bytes travel on
// the per-terminal broadcaster, not the bus; only lifecycle lands here.
type TerminalEvent struct {
	EventType  string
	TerminalID string
	ExitCode   int
	Err        string
	OccurredAt time.Time
}

const (
	TerminalCreated = "terminal_created"
	TerminalExited  = "terminal_exited"
	TerminalKilled  = "terminal_killed"
	TerminalFailed  = "terminal_failed"
)

func NewTerminalEvent(terminalID, eventType string) TerminalEvent {
	return TerminalEvent{
		EventType:  eventType,
		TerminalID: terminalID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e TerminalEvent) Type() string {
	return e.EventType
}

func (e TerminalEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// DelegationEvent captures delegation request transitions for observability.
type DelegationEvent struct {
	EventType  string
	RequestID  string
	TargetBot  string
	OccurredAt time.Time
}

const (
	DelegationCreated  = "delegation_created"
	DelegationResolved = "delegation_resolved"
	DelegationConsumed = "delegation_consumed"
	DelegationExpired  = "delegation_expired"
)

func NewDelegationEvent(requestID, targetBot, eventType string) DelegationEvent {
	return DelegationEvent{
		EventType:  eventType,
		RequestID:  requestID,
		TargetBot:  targetBot,
		OccurredAt: time.Now().UTC(),
	}
}

func (e DelegationEvent) Type() string {
	return e.EventType
}

func (e DelegationEvent) Timestamp() time.Time {
	return e.OccurredAt
}
