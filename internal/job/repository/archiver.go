package repository

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autojudge/internal/common/storage"
	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	archiveContentType = "application/zstd"
	archiveTimeout     = 2 * time.Minute
)

// Archiver uploads a tar.zst of a finished job (state.json, output/ and
// logs/) to object storage.
type Archiver struct {
	storage storage.ObjectStorage
	bucket  string
	paths   store.Paths

	mu   sync.Mutex
	done map[string]bool
	wg   sync.WaitGroup
}

// NewArchiver creates an archiver writing into bucket.
func NewArchiver(objects storage.ObjectStorage, bucket string, paths store.Paths) *Archiver {
	return &Archiver{storage: objects, bucket: bucket, paths: paths, done: make(map[string]bool)}
}

// ObjectKey is where the archive of jobID is stored.
func ObjectKey(jobID string) string {
	return "jobs/" + jobID + ".tar.zst"
}

// StateChanged archives a job in the background the first time it is seen
// terminal.
func (a *Archiver) StateChanged(ctx context.Context, state model.JobState) {
	if !state.Status.Terminal() {
		return
	}
	a.mu.Lock()
	if a.done[state.JobID] {
		a.mu.Unlock()
		return
	}
	a.done[state.JobID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := a.Archive(actx, state.JobID); err != nil {
			a.mu.Lock()
			delete(a.done, state.JobID)
			a.mu.Unlock()
			logger.Warn(ctx, "archive job failed", zap.String("job_id", state.JobID), zap.Error(err))
		}
	}()
}

// Archive builds and uploads the archive of jobID.
func (a *Archiver) Archive(ctx context.Context, jobID string) error {
	var buf bytes.Buffer
	if err := a.pack(&buf, jobID); err != nil {
		return err
	}
	size := int64(buf.Len())
	if err := a.storage.PutObject(ctx, a.bucket, ObjectKey(jobID), &buf, size, archiveContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "upload archive failed")
	}
	logger.Info(ctx, "job archived", zap.String("job_id", jobID), zap.String("key", ObjectKey(jobID)), zap.Int64("bytes", size))
	return nil
}

// Wait blocks until background archives finish or ctx is done.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) pack(w io.Writer, jobID string) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	jobDir := a.paths.JobDir(jobID)
	if err := addFile(tw, jobDir, a.paths.StatePath(jobID)); err != nil {
		return err
	}
	for _, dir := range []string{a.paths.OutputDir(jobID), a.paths.LogsDir(jobID)} {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() || p == a.paths.LockPath(jobID) {
				return nil
			}
			return addFile(tw, jobDir, p)
		})
		if err != nil {
			return appErr.Wrapf(err, appErr.StorageError, "walk %s failed", filepath.Base(dir))
		}
	}
	if err := tw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "close tar failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "close zstd failed")
	}
	return nil
}

func addFile(tw *tar.Writer, base, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return appErr.Wrapf(err, appErr.StorageError, "open %s failed", filepath.Base(path))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "stat %s failed", filepath.Base(path))
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "relative path failed")
	}
	hdr := &tar.Header{
		Name:    filepath.ToSlash(rel),
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "write tar header failed")
	}
	if _, err := io.CopyN(tw, f, info.Size()); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "copy %s failed", filepath.Base(path))
	}
	return nil
}
