// Package session tracks durable conversation identity per (bot, user) pair.
//
// Each pair owns at most one current session uuid; superseded uuids are
// archived into the record's history with the reason they ended. Records are
// JSON files replaced atomically so a crash mid-write never exposes a torn
// record. All mutation of a single pair is serialized through a keyed lock.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrBotRequired  = errors.New("bot id is required")
	ErrUserRequired = errors.New("user id is required")
)

type Reason string

const (
	ReasonRotation Reason = "rotation"
	ReasonReset    Reason = "reset"
	ReasonSwitch   Reason = "switch"
)

type HistoryEntry struct {
	UUID         string    `json:"uuid"`
	CreatedAt    time.Time `json:"created_at"`
	EndedAt      time.Time `json:"ended_at"`
	MessageCount int       `json:"message_count"`
	Reason       Reason    `json:"reason"`
}

// Record is the durable state for one (bot, user) pair. CreatedAt and
// MessageCount describe the current session, not the record as a whole; they
// travel with the uuid when it is archived or promoted.
type Record struct {
	BotID         string         `json:"bot_id"`
	UserID        string         `json:"user_id"`
	CurrentUUID   string         `json:"current_uuid,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	MessageCount  int            `json:"message_count"`
	History       []HistoryEntry `json:"history,omitempty"`
	WorkspacePath string         `json:"workspace_path,omitempty"`
}

func (r Record) HasCurrent() bool {
	return r.CurrentUUID != ""
}

// InHistory reports whether uuid is archived in this record.
func (r Record) InHistory(uuid string) bool {
	for _, entry := range r.History {
		if entry.UUID == uuid {
			return true
		}
	}
	return false
}
