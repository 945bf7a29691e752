package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// PruneResult summarizes one retention pass.
type PruneResult struct {
	Removed []string `json:"removed,omitempty"`
	Kept    []string `json:"kept,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Prune removes backup directories older than retentionDays. Age is judged
// against each backup's own manifest timestamp, never against file mtimes,
// so a partially-touched backup is not pruned prematurely. Directories
// without a readable manifest are skipped with a warning.
func Prune(destinationDir string, retentionDays int, logger zerolog.Logger) (*PruneResult, error) {
	logger = logger.With().Str("component", "retention").Logger()

	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	entries, err := os.ReadDir(destinationDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &PruneResult{}, nil
		}
		return nil, fmt.Errorf("read backup destination: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := &PruneResult{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(destinationDir, entry.Name())

		manifest, err := LoadManifest(dir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("skipping directory without readable manifest")
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}

		if manifest.Timestamp.Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				logger.Error().Err(err).Str("dir", dir).Msg("failed to prune backup")
				result.Skipped = append(result.Skipped, entry.Name())
				continue
			}
			logger.Info().
				Str("dir", entry.Name()).
				Time("backup_timestamp", manifest.Timestamp).
				Msg("pruned expired backup")
			result.Removed = append(result.Removed, entry.Name())
		} else {
			result.Kept = append(result.Kept, entry.Name())
		}
	}

	return result, nil
}
