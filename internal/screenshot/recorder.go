// Package screenshot saves numbered full-page captures of the sign-in flow.
package screenshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Capturer is anything that can produce a PNG of the current page.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Recorder writes step screenshots to a directory when enabled. A disabled
// Recorder (or a nil one) does nothing.
type Recorder struct {
	enabled bool
	dir     string
	prefix  string
	logger  *zap.Logger

	mu   sync.Mutex
	step int
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9]+`)

// NewRecorder creates a recorder. prefix groups files from one run.
func NewRecorder(enabled bool, dir, prefix string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{enabled: enabled, dir: dir, prefix: prefix, logger: logger.Named("screenshot")}
}

// Enabled reports whether captures are written.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// Capture saves one screenshot named after step and returns its path.
// Failures are logged and returned but never affect the caller's flow.
func (r *Recorder) Capture(ctx context.Context, page Capturer, step string) (string, error) {
	if !r.Enabled() {
		return "", nil
	}

	data, err := page.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("Failed to capture screenshot.", zap.String("step", step), zap.Error(err))
		return "", err
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Warn("Failed to create screenshot directory.", zap.String("dir", r.dir), zap.Error(err))
		return "", err
	}

	r.mu.Lock()
	r.step++
	name := r.fileName(r.step, step)
	r.mu.Unlock()

	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("Failed to write screenshot.", zap.String("path", path), zap.Error(err))
		return "", err
	}

	r.logger.Debug("Screenshot saved.", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

func (r *Recorder) fileName(n int, step string) string {
	slug := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(step), "-"), "-")
	if slug == "" {
		slug = "step"
	}
	if r.prefix != "" {
		return fmt.Sprintf("%s-%02d-%s.png", r.prefix, n, slug)
	}
	return fmt.Sprintf("%02d-%s.png", n, slug)
}
