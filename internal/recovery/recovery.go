// Package recovery reconciles on-disk session state after a daemon restart.
//
// Two kinds of debris can survive a crash: temp files from interrupted
// atomic record writes, and records whose current session uuid has no
// transcript on disk (the worker never produced one, or the log was lost).
// The first is deleted; the second is archived so the next message starts a
// clean session instead of resuming into a void.
package recovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"troupe/internal/logging"
	"troupe/internal/session"
)

type Options struct {
	Sessions    *session.Manager
	Transcripts *session.TranscriptStore
	Logger      *logging.Logger
}

// Summary counts what Run touched.
type Summary struct {
	TempFilesRemoved int
	SessionsArchived int
}

// Run performs startup reconciliation. Individual failures are logged and
// skipped; recovery never blocks the daemon from starting.
func Run(opts Options) (Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	var summary Summary
	if opts.Sessions == nil {
		return summary, nil
	}

	summary.TempFilesRemoved = removeTempFiles(opts.Sessions.StateDir(), logger)
	summary.SessionsArchived = archiveOrphanedSessions(opts.Sessions, opts.Transcripts, logger)

	logger.Info("startup recovery finished", map[string]string{
		"temp_files_removed": strconv.Itoa(summary.TempFilesRemoved),
		"sessions_archived":  strconv.Itoa(summary.SessionsArchived),
	})
	return summary, nil
}

// removeTempFiles deletes partial record writes left behind by a crash. The
// rename in the session store is atomic, so any .tmp- file is garbage.
func removeTempFiles(stateDir string, logger *logging.Logger) int {
	if stateDir == "" {
		return 0
	}
	removed := 0
	walkErr := filepath.WalkDir(stateDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() || !strings.Contains(entry.Name(), ".tmp-") {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("temp file removal failed", map[string]string{
				"path": path, "error": err.Error(),
			})
			return nil
		}
		removed++
		return nil
	})
	if walkErr != nil {
		logger.Warn("temp file sweep incomplete", map[string]string{"error": walkErr.Error()})
	}
	return removed
}

func archiveOrphanedSessions(sessions *session.Manager, transcripts *session.TranscriptStore, logger *logging.Logger) int {
	if transcripts == nil {
		return 0
	}
	records, err := sessions.ListRecords("")
	if err != nil {
		logger.Warn("session scan failed", map[string]string{"error": err.Error()})
		return 0
	}
	archived := 0
	for _, record := range records {
		if !record.HasCurrent() {
			continue
		}
		if transcripts.HasLog(record.CurrentUUID, record.WorkspacePath) {
			continue
		}
		ok, err := sessions.ArchiveCurrent(record.BotID, record.UserID, session.ReasonRotation)
		if err != nil {
			logger.Warn("orphaned session archive failed", map[string]string{
				"bot_id":  record.BotID,
				"user_id": record.UserID,
				"error":   err.Error(),
			})
			continue
		}
		if ok {
			archived++
			logger.Info("orphaned session archived", map[string]string{
				"bot_id":  record.BotID,
				"user_id": record.UserID,
				"session": record.CurrentUUID,
			})
		}
	}
	return archived
}
