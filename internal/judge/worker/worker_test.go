package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autojudge/internal/common/auth"
	"autojudge/internal/job/claim"
	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/provider"
	"autojudge/internal/job/reconcile"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	"autojudge/internal/judge/tools"
	"autojudge/internal/judge/worker"
	"autojudge/internal/rpc"

	"go.uber.org/goleak"
)

const judgeToken = "judge-secret"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type idleExec struct{}

func (idleExec) Kind() string { return executor.KindLocal }

func (idleExec) Run(ctx context.Context, spec executor.RunSpec, onStart func(executor.StartInfo)) (int, error) {
	<-ctx.Done()
	return -1, ctx.Err()
}

func (idleExec) Stop(ctx context.Context, jobID string) error { return nil }

type staticBundles struct{}

func (staticBundles) GenerateBundle(ctx context.Context, job model.Job) (provider.GenerateBundle, error) {
	return provider.GenerateBundle{Model: job.Model, BaseURL: "https://llm.example", APIKey: "sk-remote"}, nil
}

type recordedUsage struct {
	mu       sync.Mutex
	attempts []int
}

func (r *recordedUsage) ReportUsage(ctx context.Context, job model.Job, attempt int, record model.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *recordedUsage) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// stageExec writes what the generate and test tools would write. With
// block set, the generate stage waits until it is stopped.
type stageExec struct {
	block   bool
	started chan struct{}

	mu    sync.Mutex
	input string
	stops int
}

func (e *stageExec) Kind() string { return executor.KindLocal }

func (e *stageExec) Run(ctx context.Context, spec executor.RunSpec, onStart func(executor.StartInfo)) (int, error) {
	onStart(executor.StartInfo{ID: "local-" + string(spec.Stage), PID: 1, Executor: executor.KindLocal})
	appendFile(spec.LogPath, "running "+string(spec.Stage)+"\n")
	switch spec.Stage {
	case model.StageGenerate:
		if e.block {
			close(e.started)
			<-ctx.Done()
			return -1, ctx.Err()
		}
		data, _ := os.ReadFile(filepath.Join(spec.JobDir, "input", "tests", "1.in"))
		e.mu.Lock()
		e.input = string(data)
		e.mu.Unlock()
		out := filepath.Join(spec.JobDir, "output")
		_ = os.WriteFile(filepath.Join(out, "main.cpp"), []byte("int main(){}"), 0644)
		_ = os.WriteFile(filepath.Join(out, "solution.json"), []byte(`{"summary":"ok"}`), 0644)
		usage := filepath.Join(out, "artifacts", "attempt_"+spec.Env["AUTOJUDGE_ATTEMPT"], "usage.json")
		_ = os.WriteFile(usage, []byte(`{"model":"m","usage":{"input_tokens":7}}`), 0644)
	case model.StageTest:
		report := spec.Env["AUTOJUDGE_REPORT_PATH"]
		_ = os.MkdirAll(filepath.Dir(report), 0755)
		_ = os.WriteFile(report, []byte(`{"status":"succeeded","summary":{"passed":1}}`), 0644)
	}
	return 0, nil
}

func (e *stageExec) Stop(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func appendFile(path, line string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

type controlPlane struct {
	manager  *service.Manager
	store    *store.Store
	locker   *claim.Locker
	requeuer *reconcile.Requeuer
	usage    *recordedUsage
	url      string
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	s := store.New(t.TempDir())
	m, err := service.NewManager(service.Config{
		Store:    s,
		Executor: idleExec{},
		Bundles:  staticBundles{},
		Usage:    &recordedUsage{},
		Commands: service.Commands{Generate: []string{"gen"}, Test: []string{"test"}},
		Mode:     model.ModeIndependent,
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	locker := claim.NewLocker(s, time.Minute)
	usage := &recordedUsage{}
	svc := tools.NewService(tools.Deps{Manager: m, Locker: locker, Bundles: staticBundles{}, Usage: usage}, tools.Config{MaxChunkBytes: 3})
	authSvc := auth.NewService(auth.Config{JWTSecret: "jwt-secret", JudgeToken: judgeToken})
	srv := rpc.NewServer(func(r *http.Request) (auth.Identity, error) {
		return authSvc.Authenticate(auth.BearerToken(r.Header.Get("Authorization")))
	}, svc.Resolve, rpc.ServerConfig{})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		_ = m.Shutdown(context.Background())
	})
	return &controlPlane{
		manager:  m,
		store:    s,
		locker:   locker,
		requeuer: reconcile.NewRequeuer(s, locker, reconcile.RequeueConfig{MaxRequeues: 2}),
		usage:    usage,
		url:      "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func (cp *controlPlane) queued(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	st, err := cp.manager.Create(ctx, model.Job{OwnerID: "alice", Statement: "sum", Model: "m"},
		[]store.InputData{{Path: "1.in", Data: []byte("1 2\n")}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := cp.manager.Start(ctx, st.JobID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return st.JobID
}

func (cp *controlPlane) worker(t *testing.T, exec executor.Executor) *worker.Worker {
	t.Helper()
	w, err := worker.New(worker.Config{
		URL:              cp.url,
		Token:            judgeToken,
		MachineID:        "machine-test",
		WorkRoot:         t.TempDir(),
		PollInterval:     10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		TerminalInterval: 10 * time.Millisecond,
		StatusInterval:   10 * time.Millisecond,
		StateInterval:    10 * time.Millisecond,
		CancelInterval:   10 * time.Millisecond,
		JoinTimeout:      2 * time.Second,
		DialTimeout:      2 * time.Second,
		ChunkBytes:       8,
		Commands:         service.Commands{Generate: []string{"gen"}, Test: []string{"test"}},
	}, exec)
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitStatus(t *testing.T, s *store.Store, jobID string, want model.Status) model.JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := s.LoadState(jobID)
		if err == nil && st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached %s, last %s (%v)", want, st.Status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type runResult struct {
	handled bool
	err     error
}

func runOnce(w *worker.Worker) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		handled, err := w.RunOnce(context.Background())
		done <- runResult{handled, err}
	}()
	return done
}

func awaitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatalf("worker run did not finish")
		return runResult{}
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	cp := newControlPlane(t)
	w := cp.worker(t, &stageExec{})
	handled, err := w.RunOnce(context.Background())
	if err != nil || handled {
		t.Fatalf("expected idle poll, got %v %v", handled, err)
	}
}

func TestRunOnceMirrorsSuccessfulJob(t *testing.T) {
	cp := newControlPlane(t)
	jobID := cp.queued(t)
	exec := &stageExec{}
	w := cp.worker(t, exec)

	res := awaitRun(t, runOnce(w))
	if res.err != nil || !res.handled {
		t.Fatalf("run once: %+v", res)
	}
	st, err := cp.store.LoadState(jobID)
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if st.Status != model.StatusSucceeded || st.Attempt != 1 {
		t.Fatalf("unexpected final state: %+v", st)
	}
	if !st.Artifacts.MainCPP || !st.Artifacts.SolutionJSON || !st.Artifacts.ReportJSON {
		t.Fatalf("artifacts not pushed: %+v", st.Artifacts)
	}
	if code := st.ExitCode(model.StageTest); code == nil || *code != 0 {
		t.Fatalf("test exit code not mirrored: %+v", st.Containers)
	}
	if st.OwnerID != "alice" || st.Judge == nil || st.Judge.MachineID != "machine-test" {
		t.Fatalf("protected fields changed: %+v", st)
	}
	if exec.input != "1 2\n" {
		t.Fatalf("workspace input not rebuilt: %q", exec.input)
	}

	terminal, _, err := cp.store.ReadLog(jobID, store.LogTerminal, 0, 1<<16)
	if err != nil || !strings.Contains(string(terminal), "running generate") || !strings.Contains(string(terminal), "running test") {
		t.Fatalf("terminal log not synced: %q %v", terminal, err)
	}
	events, _, err := cp.store.ReadLog(jobID, store.LogAgentStatus, 0, 1<<16)
	if err != nil || !strings.Contains(string(events), "test_report") {
		t.Fatalf("agent status not synced: %q %v", events, err)
	}
	if lock, _, err := cp.locker.Inspect(jobID); err != nil || lock != nil {
		t.Fatalf("claim not released: %+v %v", lock, err)
	}
	if cp.usage.count() != 1 {
		t.Fatalf("usage not ingested")
	}
}

func TestRunOncePropagatesCancel(t *testing.T) {
	cp := newControlPlane(t)
	jobID := cp.queued(t)
	exec := &stageExec{block: true, started: make(chan struct{})}
	w := cp.worker(t, exec)

	done := runOnce(w)
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generate stage never started")
	}
	waitStatus(t, cp.store, jobID, model.StatusRunningGenerate)
	if _, err := cp.manager.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	res := awaitRun(t, done)
	if res.err != nil || !res.handled {
		t.Fatalf("run once: %+v", res)
	}
	st := waitStatus(t, cp.store, jobID, model.StatusCancelled)
	if st.Error != nil {
		t.Fatalf("cancelled job must carry no error: %+v", st.Error)
	}
	if lock, _, _ := cp.locker.Inspect(jobID); lock != nil {
		t.Fatalf("claim not released after cancel")
	}
}

func TestRunOnceAbortsWhenClaimIsLost(t *testing.T) {
	cp := newControlPlane(t)
	jobID := cp.queued(t)
	exec := &stageExec{block: true, started: make(chan struct{})}
	w := cp.worker(t, exec)

	done := runOnce(w)
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generate stage never started")
	}
	waitStatus(t, cp.store, jobID, model.StatusRunningGenerate)
	if err := os.Remove(cp.store.Paths().LockPath(jobID)); err != nil {
		t.Fatalf("remove lock failed: %v", err)
	}
	sweep, err := cp.requeuer.Sweep(context.Background())
	if err != nil || len(sweep.Requeued) != 1 || sweep.Requeued[0] != jobID {
		t.Fatalf("unexpected sweep: %+v %v", sweep, err)
	}

	res := awaitRun(t, done)
	if res.err != nil || !res.handled {
		t.Fatalf("run once: %+v", res)
	}
	st, err := cp.store.LoadState(jobID)
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if st.Status != model.StatusQueued || st.Judge != nil || st.Requeues != 1 {
		t.Fatalf("lost worker must leave the requeued state alone: %+v", st)
	}
	exec.mu.Lock()
	stops := exec.stops
	exec.mu.Unlock()
	if stops == 0 {
		t.Fatalf("local stage was not stopped")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cp := newControlPlane(t)
	jobID := cp.queued(t)
	w := cp.worker(t, &stageExec{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	waitStatus(t, cp.store, jobID, model.StatusSucceeded)
	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestResolveMachineID(t *testing.T) {
	root := t.TempDir()
	if id, err := worker.ResolveMachineID(" fixed ", root); err != nil || id != "fixed" {
		t.Fatalf("configured id: %q %v", id, err)
	}
	first, err := worker.ResolveMachineID("", root)
	if err != nil || first == "" {
		t.Fatalf("generated id: %q %v", first, err)
	}
	second, err := worker.ResolveMachineID("", root)
	if err != nil || second != first {
		t.Fatalf("id not persisted: %q != %q (%v)", second, first, err)
	}
	data, err := os.ReadFile(filepath.Join(root, "machine_id"))
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Fatalf("unexpected machine_id file %q %v", data, err)
	}
}
