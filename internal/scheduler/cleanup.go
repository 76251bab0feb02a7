package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
)

// CleanupOrphanLogs removes task logs with no remaining associations, then
// sweeps the logfiles directory for files no row references anymore. Missing
// directories and files are tolerated; agents may still be writing.
func CleanupOrphanLogs(ctx context.Context, storage interfaces.StorageManager, logDir string, logger arbor.ILogger) error {
	logs := storage.TaskLogStorage()

	orphans, err := logs.OrphanLogs(ctx)
	if err != nil {
		return err
	}
	for _, log := range orphans {
		if err := logs.DeleteLog(ctx, log.ID); err != nil {
			logger.Warn().Err(err).Str("identifier", log.Identifier).Msg("Failed to delete orphan log row")
			continue
		}
		removeLogFile(logDir, log.Identifier, logger)
	}

	remaining, err := logs.ListLogs(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(remaining))
	for _, log := range remaining {
		referenced[log.Identifier] = true
	}

	entries, err := os.ReadDir(logDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		identifier := strings.TrimSuffix(entry.Name(), ".gz")
		if referenced[identifier] {
			continue
		}
		if err := os.Remove(filepath.Join(logDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to remove stray log file")
		}
	}

	if len(orphans) > 0 {
		logger.Info().Int("removed", len(orphans)).Msg("Orphan task logs cleaned up")
	}
	return nil
}

// removeLogFile deletes the log's file, plain or gzipped. Absence is fine.
func removeLogFile(logDir, identifier string, logger arbor.ILogger) {
	for _, name := range []string{identifier, identifier + ".gz"} {
		if err := os.Remove(filepath.Join(logDir, name)); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("file", name).Msg("Failed to remove log file")
		}
	}
}
