package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
)

// AppendResult is the outcome of an offset-checked append.
type AppendResult struct {
	Offset    int64 `json:"offset"`
	Truncated bool  `json:"truncated"`
}

// AppendLog writes data at offset, which must equal the current length of
// the log. On mismatch it fails with OffsetMismatch carrying the real length
// in the "current_offset" detail. With capBytes > 0 the log never grows past
// capBytes; the overflow is dropped and Truncated is set.
func (s *Store) AppendLog(jobID string, kind LogKind, offset int64, data []byte, capBytes int64) (AppendResult, error) {
	if err := ValidateJobID(jobID); err != nil {
		return AppendResult{}, err
	}
	path, err := s.paths.LogPath(jobID, kind)
	if err != nil {
		return AppendResult{}, err
	}
	if offset < 0 {
		return AppendResult{}, appErr.ValidationError("offset", "must be non-negative")
	}

	l := s.lockFor("log:" + path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.paths.LogsDir(jobID), 0755); err != nil {
		return AppendResult{}, appErr.Wrapf(err, appErr.StorageError, "create logs dir failed")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return AppendResult{}, appErr.Wrapf(err, appErr.StorageError, "open log failed")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return AppendResult{}, appErr.Wrapf(err, appErr.StorageError, "stat log failed")
	}
	size := info.Size()
	if offset != size {
		return AppendResult{Offset: size}, appErr.New(appErr.OffsetMismatch).
			WithMessagef("offset %d does not match log length %d", offset, size).
			WithDetail("current_offset", size)
	}

	truncated := false
	if capBytes > 0 {
		room := capBytes - size
		if room <= 0 {
			return AppendResult{Offset: size, Truncated: len(data) > 0}, nil
		}
		if int64(len(data)) > room {
			data = data[:room]
			truncated = true
		}
	}
	if len(data) == 0 {
		return AppendResult{Offset: size, Truncated: truncated}, nil
	}
	n, err := f.WriteAt(data, size)
	if err != nil {
		return AppendResult{Offset: size + int64(n)}, appErr.Wrapf(err, appErr.StorageError, "append log failed")
	}
	return AppendResult{Offset: size + int64(n), Truncated: truncated}, nil
}

// LogSize returns the current length of a log, zero when absent.
func (s *Store) LogSize(jobID string, kind LogKind) (int64, error) {
	path, err := s.paths.LogPath(jobID, kind)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, appErr.Wrapf(err, appErr.StorageError, "stat log failed")
	}
	return info.Size(), nil
}

// ReadLog returns up to maxBytes starting at offset and the next offset.
func (s *Store) ReadLog(jobID string, kind LogKind, offset int64, maxBytes int) ([]byte, int64, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, offset, err
	}
	path, err := s.paths.LogPath(jobID, kind)
	if err != nil {
		return nil, offset, err
	}
	return readChunk(path, offset, maxBytes)
}

// AppendEvent writes one agent status line through the offset protocol.
func (s *Store) AppendEvent(ctx context.Context, jobID string, ev model.AgentEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = s.now().Unix()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode agent event failed")
	}
	line = append(line, '\n')
	for i := 0; i < 3; i++ {
		size, err := s.LogSize(jobID, LogAgentStatus)
		if err != nil {
			return err
		}
		_, err = s.AppendLog(jobID, LogAgentStatus, size, line, 0)
		if !appErr.Is(err, appErr.OffsetMismatch) {
			return err
		}
	}
	return appErr.New(appErr.OffsetMismatch).WithMessage("agent status log kept moving")
}

func readChunk(path string, offset int64, maxBytes int) ([]byte, int64, error) {
	if offset < 0 {
		return nil, offset, appErr.ValidationError("offset", "must be non-negative")
	}
	if maxBytes <= 0 {
		return nil, offset, appErr.ValidationError("max_bytes", "must be positive")
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, appErr.Wrapf(err, appErr.StorageError, "open file failed")
	}
	defer f.Close()
	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, offset, appErr.Wrapf(err, appErr.StorageError, "read file failed")
	}
	return buf[:n], offset + int64(n), nil
}
