package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	userTextOpen  = "[[USER_MESSAGE]]"
	userTextClose = "[[/USER_MESSAGE]]"
)

// Message is one transcript line. Transcripts are append-only JSONL files so
// a crashed write corrupts at most the final line, which the reader skips.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	Ts   time.Time `json:"ts"`
}

// TranscriptStore maps a workspace path to a log directory and stores one
// conversation log per session uuid inside it.
type TranscriptStore struct {
	root string
}

func NewTranscriptStore(root string) (*TranscriptStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("transcript root is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript root: %w", err)
	}
	return &TranscriptStore{root: trimmed}, nil
}

func (t *TranscriptStore) Root() string {
	if t == nil {
		return ""
	}
	return t.root
}

// MapWorkspace encodes a workspace path as a single directory name. The
// mapping is deterministic so logs can be found again from the path alone.
func MapWorkspace(workspacePath string) string {
	cleaned := filepath.ToSlash(filepath.Clean(strings.TrimSpace(workspacePath)))
	if cleaned == "" || cleaned == "." || cleaned == "/" {
		return "-"
	}
	var builder strings.Builder
	builder.Grow(len(cleaned))
	for _, r := range cleaned {
		switch r {
		case '/', ':', ' ':
			builder.WriteRune('-')
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func (t *TranscriptStore) Append(workspacePath, uuid string, msg Message) error {
	if t == nil {
		return fmt.Errorf("transcript store is nil")
	}
	if strings.TrimSpace(uuid) == "" {
		return fmt.Errorf("session uuid is required")
	}
	dir := filepath.Join(t.root, MapWorkspace(workspacePath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	if msg.Ts.IsZero() {
		msg.Ts = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	file, err := os.OpenFile(t.logPath(dir, uuid), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	_, writeErr := file.Write(payload)
	closeErr := file.Close()
	if writeErr != nil {
		return fmt.Errorf("append transcript: %w", writeErr)
	}
	return closeErr
}

// ReadMessages loads up to limit entries for the session uuid. When
// workspacePath is empty every known workspace directory is searched. Absent
// logs yield an empty slice, not an error.
func (t *TranscriptStore) ReadMessages(uuid string, limit int, workspacePath string) ([]Message, error) {
	if t == nil || strings.TrimSpace(uuid) == "" {
		return []Message{}, nil
	}

	var path string
	if strings.TrimSpace(workspacePath) != "" {
		candidate := t.logPath(filepath.Join(t.root, MapWorkspace(workspacePath)), uuid)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	} else {
		found, err := t.discoverLog(uuid)
		if err != nil {
			return nil, err
		}
		path = found
	}
	if path == "" {
		return []Message{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// A torn trailing line from a crash is expected; skip it.
			continue
		}
		msg.Text = StripSentinels(msg.Text)
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// HasLog reports whether any workspace directory holds a log for the uuid.
func (t *TranscriptStore) HasLog(uuid, workspacePath string) bool {
	if t == nil || strings.TrimSpace(uuid) == "" {
		return false
	}
	if strings.TrimSpace(workspacePath) != "" {
		_, err := os.Stat(t.logPath(filepath.Join(t.root, MapWorkspace(workspacePath)), uuid))
		return err == nil
	}
	path, err := t.discoverLog(uuid)
	return err == nil && path != ""
}

// RemoveLog deletes the transcript for uuid wherever it lives. Missing logs
// are not an error.
func (t *TranscriptStore) RemoveLog(uuid, workspacePath string) error {
	if t == nil || strings.TrimSpace(uuid) == "" {
		return nil
	}
	if strings.TrimSpace(workspacePath) != "" {
		err := os.Remove(t.logPath(filepath.Join(t.root, MapWorkspace(workspacePath)), uuid))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	path, err := t.discoverLog(uuid)
	if err != nil || path == "" {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (t *TranscriptStore) discoverLog(uuid string) (string, error) {
	dirs, err := os.ReadDir(t.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		candidate := t.logPath(filepath.Join(t.root, dir.Name()), uuid)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func (t *TranscriptStore) logPath(dir, uuid string) string {
	return filepath.Join(dir, sanitizeComponent(uuid)+".jsonl")
}

// WrapUserText delimits raw user text inside a combined prompt so worker-side
// logs can recover it even when preamble text resembles conversation content.
func WrapUserText(text string) string {
	return userTextOpen + text + userTextClose
}

// StripSentinels removes delimiter markers from legacy log lines. Structured
// entries are authoritative; this only guards against old payloads.
func StripSentinels(text string) string {
	start := strings.Index(text, userTextOpen)
	if start < 0 {
		return text
	}
	// A close marker before the open marker is stray noise, not a delimiter;
	// only the first close after the open terminates the wrapped text.
	rest := text[start+len(userTextOpen):]
	end := strings.Index(rest, userTextClose)
	if end < 0 {
		stripped := strings.ReplaceAll(text, userTextOpen, "")
		return strings.ReplaceAll(stripped, userTextClose, "")
	}
	return rest[:end]
}
