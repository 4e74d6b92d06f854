package reconcile_test

import (
	"context"
	"os"
	"testing"
	"time"

	"autojudge/internal/job/claim"
	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/reconcile"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
)

type fakeInspector struct {
	status  map[string]executor.ContainerStatus
	removed []string
}

func (f *fakeInspector) Inspect(ctx context.Context, id string) (executor.ContainerStatus, error) {
	return f.status[id], nil
}

func (f *fakeInspector) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func runningJob(t *testing.T, s *store.Store, id, mode string, status model.Status, rec *model.ContainerState) {
	t.Helper()
	ctx := context.Background()
	job := model.Job{JobID: id, OwnerID: "u1", Statement: "a+b", CreatedAt: 1}
	job.Normalize()
	if _, err := s.CreateJob(ctx, job, mode, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.UpdateState(ctx, id, func(st *model.JobState) error {
		st.Status = status
		st.Mode = mode
		st.Attempt = 1
		if rec != nil {
			stage := model.StageGenerate
			if status == model.StatusRunningTest {
				stage = model.StageTest
			}
			*st.Container(stage) = *rec
		}
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestReconcileMarksLocalJobsFailed(t *testing.T) {
	t.Parallel()
	s := store.New(t.TempDir())
	runningJob(t, s, "local", model.ModeEmbedded, model.StatusRunningTest,
		&model.ContainerState{ID: "pid-42", Executor: executor.KindLocal, PID: 42, Attempt: 1})
	runningJob(t, s, "remote", model.ModeIndependent, model.StatusRunningGenerate, nil)

	res, err := reconcile.NewReconciler(s, nil, time.Hour).Run(context.Background())
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if res.Scanned != 2 || res.Skipped != 1 || len(res.Failed) != 1 || res.Failed[0] != "local" {
		t.Fatalf("unexpected result: %+v", res)
	}
	st, _ := s.LoadState("local")
	if st.Status != model.StatusFailed || st.Error == nil || st.Error.Code != appErr.LocalProcessMissing.Name() {
		t.Fatalf("unexpected local state: %+v", st)
	}
	if st.ExpiresAt == 0 {
		t.Fatalf("expected expiry on failed job")
	}
	remote, _ := s.LoadState("remote")
	if remote.Status != model.StatusRunningGenerate {
		t.Fatalf("independent job must be left alone, got %s", remote.Status)
	}
}

func TestReconcileInspectsContainers(t *testing.T) {
	t.Parallel()
	s := store.New(t.TempDir())
	runningJob(t, s, "gone", model.ModeEmbedded, model.StatusRunningGenerate,
		&model.ContainerState{ID: "c-gone", Executor: executor.KindContainer})
	runningJob(t, s, "exited", model.ModeEmbedded, model.StatusRunningTest,
		&model.ContainerState{ID: "c-exited", Executor: executor.KindContainer})
	insp := &fakeInspector{status: map[string]executor.ContainerStatus{
		"c-exited": {Exists: true, ExitCode: 137},
	}}

	if _, err := reconcile.NewReconciler(s, insp, 0).Run(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	gone, _ := s.LoadState("gone")
	if gone.Error == nil || gone.Error.Code != appErr.ContainerMissing.Name() {
		t.Fatalf("expected container missing, got %+v", gone.Error)
	}
	exited, _ := s.LoadState("exited")
	if exited.Error == nil || exited.Error.Code != appErr.TestFailed.Name() {
		t.Fatalf("expected test failure, got %+v", exited.Error)
	}
	if len(insp.removed) != 1 || insp.removed[0] != "c-exited" {
		t.Fatalf("expected exited container removed, got %v", insp.removed)
	}
}

func TestRequeuerReturnsAbandonedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.New(t.TempDir())
	runningJob(t, s, "j1", model.ModeIndependent, model.StatusQueued, nil)
	locker := claim.NewLocker(s, time.Minute)
	c, err := locker.TryClaim(ctx, "j1", "m1")
	if err != nil || c == nil {
		t.Fatalf("claim failed: %+v %v", c, err)
	}
	if _, err := s.UpdateState(ctx, "j1", func(st *model.JobState) error {
		st.Status = model.StatusRunningGenerate
		return nil
	}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	rq := reconcile.NewRequeuer(s, locker, reconcile.RequeueConfig{MaxRequeues: 1, FailureTTL: time.Hour})

	res, err := rq.Sweep(ctx)
	if err != nil || len(res.Requeued) != 0 {
		t.Fatalf("fresh claim must be kept, got %+v %v", res, err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(c.LockPath, old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}
	res, err = rq.Sweep(ctx)
	if err != nil || len(res.Requeued) != 1 {
		t.Fatalf("expected requeue, got %+v %v", res, err)
	}
	st, _ := s.LoadState("j1")
	if st.Status != model.StatusQueued || st.Judge != nil || st.Requeues != 1 {
		t.Fatalf("unexpected requeued state: %+v", st)
	}
	if err := locker.Verify(ctx, "j1", c.ClaimID); !appErr.Is(err, appErr.ClaimMismatch) {
		t.Fatalf("old claim must be rejected, got %v", err)
	}

	// Second loss exceeds the budget.
	if _, err := s.UpdateState(ctx, "j1", func(st *model.JobState) error {
		st.Status = model.StatusRunningTest
		return nil
	}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	res, err = rq.Sweep(ctx)
	if err != nil || len(res.Lost) != 1 {
		t.Fatalf("expected lost job, got %+v %v", res, err)
	}
	st, _ = s.LoadState("j1")
	if st.Status != model.StatusFailed || st.Error == nil || st.Error.Code != appErr.JudgeLost.Name() {
		t.Fatalf("unexpected lost state: %+v", st)
	}
}
