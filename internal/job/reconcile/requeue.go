package reconcile

import (
	"context"
	"time"

	"autojudge/internal/job/claim"
	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// RequeueConfig tunes the requeuer.
type RequeueConfig struct {
	Interval    time.Duration
	MaxRequeues int
	FailureTTL  time.Duration
}

// SweepResult summarises one requeue pass.
type SweepResult struct {
	Requeued []string
	Lost     []string
	Unlocked []string
}

// Requeuer returns jobs abandoned by remote judges to the queue.
type Requeuer struct {
	store  *store.Store
	locker *claim.Locker
	cfg    RequeueConfig
}

// NewRequeuer creates a requeuer. Without an interval it sweeps twice per
// stale period of locker.
func NewRequeuer(s *store.Store, locker *claim.Locker, cfg RequeueConfig) *Requeuer {
	if cfg.Interval <= 0 {
		cfg.Interval = locker.StaleAfter() / 2
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	return &Requeuer{store: s, locker: locker, cfg: cfg}
}

// Run sweeps every interval until ctx is done.
func (r *Requeuer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil {
			logger.Warn(ctx, "requeue sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep inspects independent-mode jobs once. A running job whose lock is
// missing or stale goes back to queued, or fails with judge_lost once it
// has been requeued MaxRequeues times. A queued job only has its stale lock
// removed.
func (r *Requeuer) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	jobs, err := r.store.ListByStatus(model.StatusQueued, model.StatusRunningGenerate, model.StatusRunningTest)
	if err != nil {
		return res, err
	}
	for _, st := range jobs {
		if st.Mode != model.ModeIndependent {
			continue
		}
		jctx := logger.WithJob(ctx, st.JobID)
		lock, age, err := r.locker.Inspect(st.JobID)
		if err != nil {
			logger.Warn(jctx, "inspect lock failed", zap.Error(err))
			continue
		}
		held := lock != nil && !r.locker.IsStale(age)
		if held {
			continue
		}
		if st.Status == model.StatusQueued {
			if lock != nil && r.locker.BreakStale(jctx, st.JobID) {
				r.clearJudge(jctx, st.JobID)
				res.Unlocked = append(res.Unlocked, st.JobID)
			}
			continue
		}
		if lock != nil && !r.locker.BreakStale(jctx, st.JobID) {
			// Someone refreshed or replaced it in the meantime.
			continue
		}
		lost, err := r.requeue(jctx, st)
		if err != nil {
			logger.Warn(jctx, "requeue failed", zap.Error(err))
			continue
		}
		if lost {
			res.Lost = append(res.Lost, st.JobID)
		} else {
			res.Requeued = append(res.Requeued, st.JobID)
		}
	}
	if len(res.Requeued)+len(res.Lost)+len(res.Unlocked) > 0 {
		logger.Info(ctx, "requeue sweep finished",
			zap.Strings("requeued", res.Requeued),
			zap.Strings("lost", res.Lost),
			zap.Strings("unlocked", res.Unlocked))
	}
	return res, nil
}

func (r *Requeuer) requeue(ctx context.Context, prev model.JobState) (bool, error) {
	now := r.store.Now()
	lost := false
	st, err := r.store.UpdateState(ctx, prev.JobID, func(st *model.JobState) error {
		if !st.Status.Running() {
			return nil
		}
		st.Judge = nil
		if st.Requeues >= r.cfg.MaxRequeues {
			lost = true
			e := appErr.New(appErr.JudgeLost)
			st.Status = model.StatusFailed
			st.Error = &model.JobError{Code: e.Code.Name(), Message: e.Message}
			st.FinishedAt = now.Unix()
			if r.cfg.FailureTTL > 0 {
				st.ExpiresAt = now.Add(r.cfg.FailureTTL).Unix()
			}
			return nil
		}
		st.Requeues++
		st.Status = model.StatusQueued
		return nil
	})
	if err != nil {
		return false, err
	}
	if lost {
		logger.Warn(ctx, "judge lost, job failed", zap.String("job", describe(prev)))
		_ = r.store.AppendEvent(ctx, prev.JobID, model.AgentEvent{Event: "finished", Attempt: st.Attempt, Detail: appErr.JudgeLost.Name()})
		return true, nil
	}
	logger.Warn(ctx, "judge lost, job requeued", zap.String("job", describe(prev)), zap.Int("requeues", st.Requeues))
	_ = r.store.AppendEvent(ctx, prev.JobID, model.AgentEvent{Event: "requeued", Attempt: st.Attempt})
	return false, nil
}

func (r *Requeuer) clearJudge(ctx context.Context, jobID string) {
	if _, err := r.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		if st.Status == model.StatusQueued {
			st.Judge = nil
		}
		return nil
	}); err != nil {
		logger.Warn(ctx, "clear judge record failed", zap.Error(err))
	}
}
