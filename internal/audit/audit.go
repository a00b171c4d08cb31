// Package audit writes activity entries as JSON lines to a rotating file,
// complementing the bounded in-memory ring kept by the store.
package audit

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adp-engine/go-core/pkg/types"
)

// Writer appends activity entries to a size-rotated file.
type Writer struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	logger *zap.Logger
}

// Config configures the file writer.
type Config struct {
	// Path of the audit file. Empty disables the writer.
	Path string
	// MaxSizeMB before rotation (default 100).
	MaxSizeMB int
	// MaxBackups retained after rotation (default 10).
	MaxBackups int
	// MaxAgeDays before rotated files are deleted (default 30).
	MaxAgeDays int
}

// NewWriter creates an audit file writer; returns nil when no path is set.
func NewWriter(cfg Config, logger *zap.Logger) *Writer {
	if cfg.Path == "" {
		return nil
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
		logger: logger,
	}
}

// Record appends one activity entry. Failures are logged, never propagated:
// audit output must not fail the operation it describes.
func (w *Writer) Record(a *types.Activity) {
	if w == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		w.logger.Warn("Failed to encode audit entry", zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		w.logger.Warn("Failed to write audit entry", zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	return w.out.Close()
}
