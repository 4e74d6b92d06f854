// Package claim gives one judge worker at a time exclusive ownership of a
// queued job through an exclusively created lock file.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultStaleAfter is how long an untouched lock is honoured.
const DefaultStaleAfter = 2 * time.Minute

// Locker implements the claim protocol on top of a store.
type Locker struct {
	store      *store.Store
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
}

// NewLocker creates a locker. staleAfter <= 0 selects DefaultStaleAfter.
func NewLocker(s *store.Store, staleAfter time.Duration) *Locker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Locker{store: s, staleAfter: staleAfter, now: time.Now, newID: uuid.NewString}
}

// StaleAfter returns the stale threshold.
func (l *Locker) StaleAfter() time.Duration { return l.staleAfter }

// ClaimNext claims the oldest queued job. It returns nil when nothing is
// available.
func (l *Locker) ClaimNext(ctx context.Context, machineID string) (*model.Claim, error) {
	if machineID == "" {
		return nil, appErr.ValidationError("machine_id", "required")
	}
	queued, err := l.store.ListByStatus(model.StatusQueued)
	if err != nil {
		return nil, err
	}
	for _, st := range queued {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := l.TryClaim(ctx, st.JobID, machineID)
		if err != nil {
			logger.Warn(logger.WithJob(ctx, st.JobID), "try claim failed", zap.Error(err))
			continue
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, nil
}

// TryClaim attempts to own jobID. A nil claim with nil error means someone
// else holds it or the job is no longer queued.
func (l *Locker) TryClaim(ctx context.Context, jobID, machineID string) (*model.Claim, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	lockPath := l.store.Paths().LockPath(jobID)
	if err := os.MkdirAll(l.store.Paths().LogsDir(jobID), 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create logs dir failed")
	}
	l.breakIfStale(ctx, jobID, lockPath)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "create lock failed")
	}
	owned := false
	defer func() {
		if !owned {
			_ = os.Remove(lockPath)
		}
	}()

	state, err := l.store.LoadState(jobID)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if state.Status != model.StatusQueued {
		_ = f.Close()
		return nil, nil
	}

	lock := model.ClaimLock{MachineID: machineID, ClaimID: l.newID(), ClaimedAt: l.now().Unix()}
	if err := json.NewEncoder(f).Encode(lock); err != nil {
		_ = f.Close()
		return nil, appErr.Wrapf(err, appErr.StorageError, "write lock failed")
	}
	if err := f.Close(); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "close lock failed")
	}

	stillQueued := true
	if _, err := l.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		if st.Status != model.StatusQueued {
			stillQueued = false
			return nil
		}
		st.Judge = &model.JudgeRecord{MachineID: lock.MachineID, ClaimID: lock.ClaimID, ClaimedAt: lock.ClaimedAt}
		return nil
	}); err != nil {
		return nil, err
	}
	if !stillQueued {
		return nil, nil
	}
	owned = true
	logger.Info(logger.WithJob(ctx, jobID), "job claimed", zap.String("machine_id", machineID), zap.String("claim_id", lock.ClaimID))
	return &model.Claim{JobID: jobID, OwnerID: state.OwnerID, LockPath: lockPath, ClaimID: lock.ClaimID}, nil
}

// Release deletes the lock if claimID still owns it.
func (l *Locker) Release(ctx context.Context, jobID, claimID string) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	lockPath := l.store.Paths().LockPath(jobID)
	lock, err := readLock(lockPath)
	if err != nil {
		return err
	}
	if lock.ClaimID != claimID {
		return appErr.New(appErr.ClaimMismatch).WithDetail("job_id", jobID)
	}
	if err := os.Remove(lockPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return appErr.New(appErr.ClaimNotFound).WithDetail("job_id", jobID)
		}
		return appErr.Wrapf(err, appErr.StorageError, "remove lock failed")
	}
	logger.Info(logger.WithJob(ctx, jobID), "claim released", zap.String("claim_id", claimID))
	return nil
}

// Verify checks that claimID is the live claim of jobID and refreshes the
// lock so an active worker never looks stale.
func (l *Locker) Verify(ctx context.Context, jobID, claimID string) error {
	if claimID == "" {
		return appErr.ValidationError("claim_id", "required")
	}
	state, err := l.store.LoadState(jobID)
	if err != nil {
		return err
	}
	if state.Judge == nil || state.Judge.ClaimID != claimID {
		return appErr.New(appErr.ClaimMismatch).WithDetail("job_id", jobID)
	}
	lockPath := l.store.Paths().LockPath(jobID)
	lock, err := readLock(lockPath)
	if err != nil {
		if appErr.Is(err, appErr.ClaimNotFound) {
			return appErr.New(appErr.ClaimMismatch).WithMessage("claim lock is gone").WithDetail("job_id", jobID)
		}
		return err
	}
	if lock.ClaimID != claimID {
		return appErr.New(appErr.ClaimMismatch).WithDetail("job_id", jobID)
	}
	now := l.now()
	if err := os.Chtimes(lockPath, now, now); err != nil {
		logger.Warn(logger.WithJob(ctx, jobID), "refresh lock failed", zap.Error(err))
	}
	return nil
}

// Inspect returns the current lock of jobID and its age; nil if there is
// none.
func (l *Locker) Inspect(jobID string) (*model.ClaimLock, time.Duration, error) {
	lockPath := l.store.Paths().LockPath(jobID)
	info, err := os.Stat(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, appErr.Wrapf(err, appErr.StorageError, "stat lock failed")
	}
	lock, err := readLock(lockPath)
	if err != nil {
		if appErr.Is(err, appErr.ClaimNotFound) {
			return nil, 0, nil
		}
		lock = model.ClaimLock{}
	}
	return &lock, l.now().Sub(info.ModTime()), nil
}

// IsStale reports whether age exceeds the threshold.
func (l *Locker) IsStale(age time.Duration) bool { return age > l.staleAfter }

// BreakStale removes the lock of jobID if it is stale and reports whether it
// did.
func (l *Locker) BreakStale(ctx context.Context, jobID string) bool {
	return l.breakIfStale(ctx, jobID, l.store.Paths().LockPath(jobID))
}

// breakIfStale removes a lock that has not been touched for staleAfter.
// A second exclusive file guards the removal so two workers cannot both
// break the lock and then both win the re-create.
func (l *Locker) breakIfStale(ctx context.Context, jobID, lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil || l.now().Sub(info.ModTime()) <= l.staleAfter {
		return false
	}
	guardPath := lockPath + ".break"
	if ginfo, err := os.Stat(guardPath); err == nil && l.now().Sub(ginfo.ModTime()) > l.staleAfter {
		_ = os.Remove(guardPath)
	}
	guard, err := os.OpenFile(guardPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	_ = guard.Close()
	defer os.Remove(guardPath)

	// Re-check under the guard: another worker may already have broken and
	// re-created it.
	info, err = os.Stat(lockPath)
	if err != nil || l.now().Sub(info.ModTime()) <= l.staleAfter {
		return false
	}
	stale, _ := readLock(lockPath)
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn(logger.WithJob(ctx, jobID), "remove stale lock failed", zap.Error(err))
		return false
	}
	logger.Warn(logger.WithJob(ctx, jobID), "removed stale claim lock",
		zap.String("machine_id", stale.MachineID),
		zap.String("claim_id", stale.ClaimID),
		zap.Duration("age", l.now().Sub(info.ModTime())))
	return true
}

func readLock(path string) (model.ClaimLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ClaimLock{}, appErr.New(appErr.ClaimNotFound)
		}
		return model.ClaimLock{}, appErr.Wrapf(err, appErr.StorageError, "read lock failed")
	}
	var lock model.ClaimLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return model.ClaimLock{}, appErr.Wrapf(err, appErr.CorruptedState, "decode lock failed")
	}
	return lock, nil
}
