package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"troupe/internal/logging"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type ManagerOptions struct {
	StateDir string
	Clock    Clock
	Logger   *logging.Logger
}

// Manager owns all session records. Mutating operations on the same
// (bot, user) key are serialized; operations on distinct keys run in parallel.
type Manager struct {
	stateDir string
	clock    Clock
	logger   *logging.Logger
	locks    *KeyedLock
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("session state dir is required")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session state dir: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	return &Manager{
		stateDir: stateDir,
		clock:    clock,
		logger:   logger,
		locks:    NewKeyedLock(),
	}, nil
}

func (m *Manager) StateDir() string {
	if m == nil {
		return ""
	}
	return m.stateDir
}

// Load returns the record for the pair, reporting false when none exists.
func (m *Manager) Load(botID, userID string) (Record, bool, error) {
	if err := validatePair(botID, userID); err != nil {
		return Record{}, false, err
	}
	return m.readRecord(botID, userID)
}

func (m *Manager) CurrentUUID(botID, userID string) (string, bool, error) {
	record, ok, err := m.Load(botID, userID)
	if err != nil || !ok || !record.HasCurrent() {
		return "", false, err
	}
	return record.CurrentUUID, true, nil
}

// SetCurrentUUID adopts uuid as the current session. An existing, different
// current uuid is archived with reason rotation first.
func (m *Manager) SetCurrentUUID(botID, userID, uuid, workspacePath string) error {
	if err := validatePair(botID, userID); err != nil {
		return err
	}
	if strings.TrimSpace(uuid) == "" {
		return errors.New("session uuid is required")
	}

	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	if !ok {
		record = Record{
			BotID:  botID,
			UserID: userID,
		}
	}
	if record.CurrentUUID == uuid {
		if workspacePath != "" {
			record.WorkspacePath = workspacePath
		}
		record.UpdatedAt = now
		return m.writeRecord(record)
	}
	if record.HasCurrent() {
		record.History = append(record.History, HistoryEntry{
			UUID:         record.CurrentUUID,
			CreatedAt:    record.CreatedAt,
			EndedAt:      now,
			MessageCount: record.MessageCount,
			Reason:       ReasonRotation,
		})
	}
	record.CurrentUUID = uuid
	record.CreatedAt = now
	record.UpdatedAt = now
	record.MessageCount = 0
	if workspacePath != "" {
		record.WorkspacePath = workspacePath
	}
	return m.writeRecord(record)
}

// ResetConversation archives the current session with reason reset and clears
// it. Returns false without touching anything when nothing is current.
func (m *Manager) ResetConversation(botID, userID string) (bool, error) {
	if err := validatePair(botID, userID); err != nil {
		return false, err
	}

	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil {
		return false, err
	}
	if !ok || !record.HasCurrent() {
		return false, nil
	}
	now := m.clock.Now()
	record.History = append(record.History, HistoryEntry{
		UUID:         record.CurrentUUID,
		CreatedAt:    record.CreatedAt,
		EndedAt:      now,
		MessageCount: record.MessageCount,
		Reason:       ReasonReset,
	})
	record.CurrentUUID = ""
	record.MessageCount = 0
	record.UpdatedAt = now
	if err := m.writeRecord(record); err != nil {
		return false, err
	}
	return true, nil
}

// SwitchSession promotes targetUUID to current. The prior current session is
// demoted into history with reason switch; the promoted entry keeps its
// original creation time and message count and leaves the history list.
func (m *Manager) SwitchSession(botID, userID, targetUUID string) error {
	if err := validatePair(botID, userID); err != nil {
		return err
	}
	if strings.TrimSpace(targetUUID) == "" {
		return ErrNotFound
	}

	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if record.CurrentUUID == targetUUID {
		return nil
	}

	targetIndex := -1
	for i, entry := range record.History {
		if entry.UUID == targetUUID {
			targetIndex = i
			break
		}
	}
	if targetIndex < 0 {
		return ErrNotFound
	}

	now := m.clock.Now()
	target := record.History[targetIndex]
	record.History = append(record.History[:targetIndex], record.History[targetIndex+1:]...)
	if record.HasCurrent() {
		record.History = append(record.History, HistoryEntry{
			UUID:         record.CurrentUUID,
			CreatedAt:    record.CreatedAt,
			EndedAt:      now,
			MessageCount: record.MessageCount,
			Reason:       ReasonSwitch,
		})
	}
	record.CurrentUUID = target.UUID
	record.CreatedAt = target.CreatedAt
	record.MessageCount = target.MessageCount
	record.UpdatedAt = now
	return m.writeRecord(record)
}

// IncrementMessageCount adds one to the current count. A full turn calls this
// twice, once for the user message and once for the bot reply.
func (m *Manager) IncrementMessageCount(botID, userID string) (int, error) {
	if err := validatePair(botID, userID); err != nil {
		return 0, err
	}

	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	record.MessageCount++
	record.UpdatedAt = m.clock.Now()
	if err := m.writeRecord(record); err != nil {
		return 0, err
	}
	return record.MessageCount, nil
}

// ArchiveCurrent archives the current uuid with the given reason, keeping the
// record otherwise intact. Used by restart recovery when a current session's
// transcript has vanished.
func (m *Manager) ArchiveCurrent(botID, userID string, reason Reason) (bool, error) {
	if err := validatePair(botID, userID); err != nil {
		return false, err
	}

	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil {
		return false, err
	}
	if !ok || !record.HasCurrent() {
		return false, nil
	}
	now := m.clock.Now()
	record.History = append(record.History, HistoryEntry{
		UUID:         record.CurrentUUID,
		CreatedAt:    record.CreatedAt,
		EndedAt:      now,
		MessageCount: record.MessageCount,
		Reason:       reason,
	})
	record.CurrentUUID = ""
	record.MessageCount = 0
	record.UpdatedAt = now
	if err := m.writeRecord(record); err != nil {
		return false, err
	}
	return true, nil
}

// ListRecords returns every record stored for the bot, or for all bots when
// botID is empty.
func (m *Manager) ListRecords(botID string) ([]Record, error) {
	var records []Record
	botDirs, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, botDir := range botDirs {
		if !botDir.IsDir() {
			continue
		}
		if botID != "" && botDir.Name() != sanitizeComponent(botID) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.stateDir, botDir.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			record, err := m.readRecordFile(filepath.Join(m.stateDir, botDir.Name(), entry.Name()))
			if err != nil {
				m.logger.Warn("session record unreadable", map[string]string{
					"path":  entry.Name(),
					"error": err.Error(),
				})
				continue
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func (m *Manager) readRecord(botID, userID string) (Record, bool, error) {
	payload, err := os.ReadFile(m.recordPath(botID, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return record, true, nil
}

func (m *Manager) readRecordFile(path string) (Record, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return record, nil
}

// writeRecord replaces the record atomically: the payload lands in a temp
// file in the same directory and is renamed over the target, so readers see
// either the old or the new record, never a partial one.
func (m *Manager) writeRecord(record Record) error {
	path := m.recordPath(record.BotID, record.UserID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace session record: %w", err)
	}
	return nil
}

func (m *Manager) recordPath(botID, userID string) string {
	return filepath.Join(m.stateDir, sanitizeComponent(botID), sanitizeComponent(userID)+".json")
}


func validatePair(botID, userID string) error {
	if strings.TrimSpace(botID) == "" {
		return ErrBotRequired
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	return nil
}

func sanitizeComponent(value string) string {
	trimmed := strings.TrimSpace(value)
	var builder strings.Builder
	builder.Grow(len(trimmed))
	for _, r := range trimmed {
		if r == '/' || r == '\\' || r == '.' || unicode.IsControl(r) {
			builder.WriteRune('_')
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
