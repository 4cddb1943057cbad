package bot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// cleanup removes the local copies of one attachment. run is idempotent.
type cleanup struct {
	logger *slog.Logger
	paths  []string
}

func newCleanup(logger *slog.Logger, paths ...string) *cleanup {
	return &cleanup{logger: logger, paths: paths}
}

func (c *cleanup) add(path string) {
	for _, p := range c.paths {
		if p == path {
			return
		}
	}
	c.paths = append(c.paths, path)
}

func (c *cleanup) run() {
	for _, p := range c.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove local image", "path", p, "error", err)
		}
	}
	c.paths = nil
}

// stageLocal copies src into dir under a unique name.
func stageLocal(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	dest := filepath.Join(dir, uuid.NewString()+"_"+filepath.Base(src))
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("stage image: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("stage image: %w", err)
	}
	return dest, nil
}
