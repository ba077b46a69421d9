package session

import (
	"strconv"
	"time"
)

// CleanupOldSessions prunes archived history entries older than maxAgeDays
// from every record of the bot and returns how many entries were removed.
// The current session is never touched. Transcript logs for pruned entries
// are removed best-effort when a store is supplied.
func (m *Manager) CleanupOldSessions(botID string, maxAgeDays int, transcripts *TranscriptStore) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	records, err := m.ListRecords(botID)
	if err != nil {
		return 0, err
	}

	threshold := m.clock.Now().AddDate(0, 0, -maxAgeDays)
	deleted := 0
	for _, record := range records {
		removed, err := m.pruneHistory(record.BotID, record.UserID, threshold, transcripts)
		if err != nil {
			m.logger.Warn("session history prune failed", map[string]string{
				"bot_id":  record.BotID,
				"user_id": record.UserID,
				"error":   err.Error(),
			})
			continue
		}
		deleted += removed
	}
	if deleted > 0 {
		m.logger.Info("session history pruned", map[string]string{
			"bot_id":  botID,
			"deleted": strconv.Itoa(deleted),
		})
	}
	return deleted, nil
}

func (m *Manager) pruneHistory(botID, userID string, threshold time.Time, transcripts *TranscriptStore) (int, error) {
	release := m.locks.Acquire(PairKey(botID, userID))
	defer release()

	record, ok, err := m.readRecord(botID, userID)
	if err != nil || !ok {
		return 0, err
	}

	kept := record.History[:0]
	var pruned []HistoryEntry
	for _, entry := range record.History {
		if entry.EndedAt.Before(threshold) {
			pruned = append(pruned, entry)
			continue
		}
		kept = append(kept, entry)
	}
	if len(pruned) == 0 {
		return 0, nil
	}
	record.History = kept
	record.UpdatedAt = m.clock.Now()
	if err := m.writeRecord(record); err != nil {
		return 0, err
	}
	for _, entry := range pruned {
		_ = transcripts.RemoveLog(entry.UUID, record.WorkspacePath)
	}
	return len(pruned), nil
}
