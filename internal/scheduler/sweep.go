package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SweepDir removes regular files in dir last modified before now-maxAge.
// Subdirectories are left alone. It returns the number of files removed.
func SweepDir(dir string, maxAge time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		if logger != nil {
			logger.Debug("swept stale file", "path", path, "modified", info.ModTime())
		}
	}
	return removed, errors.Join(errs...)
}
