// Package reconcile resolves jobs left in a running state by a previous
// process and requeues jobs whose remote judge went away.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Result summarises one reconcile pass.
type Result struct {
	Scanned int
	Skipped int
	Failed  []string
}

// Reconciler runs once at control plane start.
type Reconciler struct {
	store      *store.Store
	inspector  executor.Inspector
	failureTTL time.Duration
}

// NewReconciler creates a reconciler. inspector may be nil when only the
// local executor is configured.
func NewReconciler(s *store.Store, inspector executor.Inspector, failureTTL time.Duration) *Reconciler {
	return &Reconciler{store: s, inspector: inspector, failureTTL: failureTTL}
}

// Run resolves every job found in running_generate or running_test.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	var res Result
	running, err := r.store.ListByStatus(model.StatusRunningGenerate, model.StatusRunningTest)
	if err != nil {
		return res, err
	}
	for _, st := range running {
		res.Scanned++
		jctx := logger.WithJob(ctx, st.JobID)
		if st.Mode == model.ModeIndependent {
			// A remote worker may still own it; the requeuer watches the lock.
			res.Skipped++
			continue
		}
		cause := r.resolve(jctx, st)
		if cause == nil {
			res.Skipped++
			continue
		}
		if err := r.markFailed(jctx, st.JobID, cause); err != nil {
			logger.Error(jctx, "reconcile job failed", zap.Error(err))
			continue
		}
		res.Failed = append(res.Failed, st.JobID)
	}
	logger.Info(ctx, "reconcile finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}

// resolve decides the failure of one orphaned job; nil leaves it alone.
func (r *Reconciler) resolve(ctx context.Context, st model.JobState) error {
	stage := model.StageGenerate
	if st.Status == model.StatusRunningTest {
		stage = model.StageTest
	}
	rec := st.Containers[stage]
	if rec == nil || rec.Executor != executor.KindContainer {
		// Children of a local executor die with the process that spawned them.
		return appErr.Newf(appErr.LocalProcessMissing, "%s process did not survive restart", stage)
	}
	if r.inspector == nil {
		return appErr.Newf(appErr.ContainerMissing, "no container runtime configured to inspect %s", rec.ID)
	}
	status, err := r.inspector.Inspect(ctx, rec.ID)
	if err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", rec.ID), zap.Error(err))
		return appErr.Wrapf(err, appErr.ContainerMissing, "inspect %s failed", rec.ID)
	}
	if !status.Exists {
		return appErr.Newf(appErr.ContainerMissing, "%s container %s is gone", stage, rec.ID)
	}
	// Nothing waits on a surviving container any more, so it is removed
	// either way.
	if err := r.inspector.Remove(ctx, rec.ID); err != nil {
		logger.Warn(ctx, "remove orphaned container failed", zap.String("container", rec.ID), zap.Error(err))
	}
	if status.Running {
		return appErr.Newf(stageCode(stage), "%s container %s was orphaned by a restart", stage, rec.ID)
	}
	return appErr.Newf(stageCode(stage), "%s container %s exited with code %d while unattended", stage, rec.ID, status.ExitCode)
}

func (r *Reconciler) markFailed(ctx context.Context, jobID string, cause error) error {
	e := appErr.GetError(cause)
	now := r.store.Now()
	st, err := r.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		if !st.Status.Running() {
			return nil
		}
		st.Status = model.StatusFailed
		st.Error = &model.JobError{Code: e.Code.Name(), Message: e.Message}
		st.FinishedAt = now.Unix()
		if r.failureTTL > 0 {
			st.ExpiresAt = now.Add(r.failureTTL).Unix()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if st.Status == model.StatusFailed {
		logger.Warn(ctx, "orphaned job marked failed", zap.String("code", e.Code.Name()), zap.String("message", e.Message))
		_ = r.store.AppendEvent(ctx, jobID, model.AgentEvent{Event: "finished", Attempt: st.Attempt, Detail: e.Code.Name()})
	}
	return nil
}

func stageCode(stage model.Stage) appErr.ErrorCode {
	if stage == model.StageTest {
		return appErr.TestFailed
	}
	return appErr.GenerateFailed
}

func describe(st model.JobState) string {
	return fmt.Sprintf("%s/%s attempt %d", st.JobID, st.Status, st.Attempt)
}
