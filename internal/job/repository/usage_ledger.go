package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
)

// FileUsageLedger appends usage entries to logs/usage.jsonl of the job.
// It is used when no database is configured.
type FileUsageLedger struct {
	paths store.Paths
	mu    sync.Mutex
}

// NewFileUsageLedger creates a ledger over the job tree.
func NewFileUsageLedger(paths store.Paths) *FileUsageLedger {
	return &FileUsageLedger{paths: paths}
}

// SaveUsage appends e unless the attempt is already recorded.
func (l *FileUsageLedger) SaveUsage(ctx context.Context, e model.UsageEntry) error {
	if err := store.ValidateJobID(e.JobID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.ListByJob(e.JobID)
	if err != nil {
		return err
	}
	for _, prev := range existing {
		if prev.Attempt == e.Attempt {
			return nil
		}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal usage failed")
	}
	path := l.paths.UsageLedger(e.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create logs dir failed")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "open usage ledger failed")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "append usage failed")
	}
	return nil
}

// ListByJob reads every entry of a job.
func (l *FileUsageLedger) ListByJob(jobID string) ([]model.UsageEntry, error) {
	data, err := os.ReadFile(l.paths.UsageLedger(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "read usage ledger failed")
	}
	var out []model.UsageEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e model.UsageEntry
		if err := dec.Decode(&e); err != nil {
			return nil, appErr.Wrapf(err, appErr.CorruptedState, "decode usage ledger failed")
		}
		out = append(out, e)
	}
	return out, nil
}
