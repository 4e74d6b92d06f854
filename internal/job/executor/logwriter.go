package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// RedactedMarker replaces every secret occurrence.
const RedactedMarker = "[REDACTED]"

// LogWriter appends to a log file, redacting secrets and never letting the
// file grow past its cap. A tail shorter than the longest secret is held
// back until more data arrives or Close is called, so a secret split across
// writes is still caught.
type LogWriter struct {
	mu        sync.Mutex
	f         *os.File
	size      int64
	capBytes  int64
	secrets   [][]byte
	holdback  int
	pending   []byte
	truncated bool
}

// OpenLogWriter opens path for appending.
func OpenLogWriter(path string, capBytes int64, secrets []string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log: %w", err)
	}
	w := &LogWriter{f: f, size: info.Size(), capBytes: capBytes}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		w.secrets = append(w.secrets, []byte(s))
		if len(s)-1 > w.holdback {
			w.holdback = len(s) - 1
		}
	}
	return w, nil
}

// Write never fails on cap overflow; excess output is dropped.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	w.pending, _ = redact(w.pending, w.secrets)
	if len(w.pending) > w.holdback {
		cut := len(w.pending) - w.holdback
		if err := w.emit(w.pending[:cut]); err != nil {
			return 0, err
		}
		w.pending = append(w.pending[:0], w.pending[cut:]...)
	}
	return len(p), nil
}

// Truncated reports whether output was dropped at the cap.
func (w *LogWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// Close flushes the held back tail and closes the file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	var flushErr error
	if len(w.pending) > 0 {
		flushErr = w.emit(w.pending)
		w.pending = nil
	}
	err := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

func (w *LogWriter) emit(data []byte) error {
	if w.capBytes > 0 {
		room := w.capBytes - w.size
		if room <= 0 {
			w.truncated = w.truncated || len(data) > 0
			return nil
		}
		if int64(len(data)) > room {
			data = data[:room]
			w.truncated = true
		}
	}
	n, err := w.f.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// Redact replaces every occurrence of the secrets in data and reports
// whether anything was replaced.
func Redact(data []byte, secrets []string) ([]byte, bool) {
	bs := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			bs = append(bs, []byte(s))
		}
	}
	return redact(data, bs)
}

func redact(data []byte, secrets [][]byte) ([]byte, bool) {
	hit := false
	for _, s := range secrets {
		if bytes.Contains(data, s) {
			data = bytes.ReplaceAll(data, s, []byte(RedactedMarker))
			hit = true
		}
	}
	return data, hit
}

// closeStageLog closes the terminal log of a stage run and notes when the
// cap cut output off.
func closeStageLog(ctx context.Context, w *LogWriter, spec RunSpec) {
	if err := w.Close(); err != nil {
		logger.Warn(ctx, "close terminal log failed", zap.Error(err))
	}
	if w.Truncated() {
		logger.Warn(ctx, "terminal log reached its cap, output dropped",
			zap.String("stage", string(spec.Stage)), zap.Int64("cap_bytes", spec.LogCap))
	}
}

// AppendLine writes one line to a log through a fresh LogWriter.
func AppendLine(path string, capBytes int64, secrets []string, format string, args ...any) error {
	w, err := OpenLogWriter(path, capBytes, secrets)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, format+"\n", args...); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
