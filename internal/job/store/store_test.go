package store_test

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []model.JobState
}

func (r *recordingObserver) StateChanged(ctx context.Context, state model.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func newJob(id string, createdAt int64) model.Job {
	job := model.Job{JobID: id, OwnerID: "u1", Statement: "sum two numbers", CreatedAt: createdAt}
	job.Normalize()
	return job
}

func newStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{store.WithClock(func() time.Time { return time.Unix(1000, 0) })}, opts...)
	return store.New(t.TempDir(), opts...)
}

func TestCreateJobWritesLayout(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := newStore(t, store.WithObserver(obs))
	tests := []store.InputData{{Path: "1.in", Data: []byte("1 2\n")}, {Path: "1.out", Data: []byte("3\n")}}
	state, err := s.CreateJob(context.Background(), newJob("j1", 10), model.ModeEmbedded, tests)
	if err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	if state.Status != model.StatusCreated {
		t.Fatalf("unexpected status: %s", state.Status)
	}
	job, err := s.LoadJob("j1")
	if err != nil || job.Statement != "sum two numbers" {
		t.Fatalf("load job failed: %v %+v", err, job)
	}
	files, err := s.ListInput("j1")
	if err != nil {
		t.Fatalf("list input failed: %v", err)
	}
	want := []string{"job.json", "tests/1.in", "tests/1.out"}
	if len(files) != len(want) {
		t.Fatalf("unexpected listing: %+v", files)
	}
	for i, f := range files {
		if f.Path != want[i] {
			t.Fatalf("file %d: expected %s, got %s", i, want[i], f.Path)
		}
	}
	if len(obs.states) != 1 {
		t.Fatalf("expected one observed write, got %d", len(obs.states))
	}
	if _, err := s.CreateJob(context.Background(), newJob("j1", 10), model.ModeEmbedded, nil); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestLoadStateMissingJob(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if _, err := s.LoadState("nope"); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	if _, err := s.LoadState("../etc"); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected invalid id, got %v", err)
	}
}

func TestPatchStateKeepsCancelled(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("j1", 10), model.ModeIndependent, nil); err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	if _, err := s.UpdateState(ctx, "j1", func(st *model.JobState) error {
		st.Status = model.StatusCancelled
		st.FinishedAt = 50
		return nil
	}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	for _, status := range []string{"running_test", "succeeded", "failed", "queued"} {
		state, err := s.PatchState(ctx, "j1", map[string]any{
			"status": status,
			"error":  map[string]any{"code": "test_failed", "message": "x"},
		})
		if err != nil {
			t.Fatalf("patch %s failed: %v", status, err)
		}
		if state.Status != model.StatusCancelled {
			t.Fatalf("patch %s overwrote cancelled: %s", status, state.Status)
		}
		if state.Error != nil {
			t.Fatalf("cancelled job must not carry an error: %+v", state.Error)
		}
	}
}

func TestPatchStateDeepMerges(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("j1", 10), model.ModeIndependent, nil); err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	if _, err := s.PatchState(ctx, "j1", map[string]any{
		"status":     "running_generate",
		"containers": map[string]any{"generate": map[string]any{"id": "c-1", "attempt": 1}},
	}); err != nil {
		t.Fatalf("first patch failed: %v", err)
	}
	state, err := s.PatchState(ctx, "j1", map[string]any{
		"containers": map[string]any{"generate": map[string]any{"exit_code": 0}},
		"job_id":     "other",
	})
	if err != nil {
		t.Fatalf("second patch failed: %v", err)
	}
	gen := state.Containers[model.StageGenerate]
	if gen == nil || gen.ID != "c-1" || gen.ExitCode == nil || *gen.ExitCode != 0 {
		t.Fatalf("unexpected generate container: %+v", gen)
	}
	if state.JobID != "j1" {
		t.Fatalf("job id must be immutable, got %s", state.JobID)
	}
	if _, err := s.PatchState(ctx, "j1", map[string]any{"status": "exploded"}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
}

func TestAppendLogOffsetProtocol(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.InitJobDir("j1"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	chunk := []byte("hello\n")
	res, err := s.AppendLog("j1", store.LogTerminal, 0, chunk, 0)
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if res.Offset != int64(len(chunk)) {
		t.Fatalf("expected offset %d, got %d", len(chunk), res.Offset)
	}

	_, err = s.AppendLog("j1", store.LogTerminal, 0, chunk, 0)
	if !appErr.Is(err, appErr.OffsetMismatch) {
		t.Fatalf("expected offset mismatch, got %v", err)
	}
	current, ok := appErr.GetError(err).Detail("current_offset")
	if !ok || current.(int64) != int64(len(chunk)) {
		t.Fatalf("expected current_offset %d, got %v", len(chunk), current)
	}

	next := []byte("world\n")
	res, err = s.AppendLog("j1", store.LogTerminal, int64(len(chunk)), next, 0)
	if err != nil {
		t.Fatalf("next append failed: %v", err)
	}
	if res.Offset != int64(len(chunk)+len(next)) {
		t.Fatalf("offset advanced by wrong amount: %d", res.Offset)
	}
	data, _ := os.ReadFile(s.Paths().TerminalLog("j1"))
	if !bytes.Equal(data, []byte("hello\nworld\n")) {
		t.Fatalf("unexpected log content: %q", data)
	}
}

func TestAppendLogCap(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	res, err := s.AppendLog("j1", store.LogTerminal, 0, []byte("0123456789"), 4)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res.Offset != 4 || !res.Truncated {
		t.Fatalf("expected capped append, got %+v", res)
	}
	res, err = s.AppendLog("j1", store.LogTerminal, 4, []byte("more"), 4)
	if err != nil {
		t.Fatalf("append at cap failed: %v", err)
	}
	if res.Offset != 4 || !res.Truncated {
		t.Fatalf("expected no growth at cap, got %+v", res)
	}
}

func TestReadInputChunk(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("ab"), 10)
	if _, err := s.CreateJob(ctx, newJob("j1", 1), model.ModeIndependent, []store.InputData{{Path: "big.in", Data: payload}}); err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	var got []byte
	offset := int64(0)
	for i := 0; i < 10; i++ {
		chunk, err := s.ReadInputChunk("j1", "tests/big.in", offset, 7)
		if err != nil {
			t.Fatalf("read chunk failed: %v", err)
		}
		got = append(got, chunk.Data...)
		offset = chunk.NextOffset
		if chunk.EOF {
			break
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled input differs: %q", got)
	}
	if _, err := s.ReadInputChunk("j1", "../state.json", 0, 10); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := s.ReadInputChunk("j1", "tests/missing", 0, 10); !appErr.Is(err, appErr.JobInputNotFound) {
		t.Fatalf("expected input not found, got %v", err)
	}
}

func TestListByStatusOrdersByCreation(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	for _, j := range []struct {
		id string
		at int64
	}{{"late", 30}, {"early", 10}, {"mid", 20}} {
		if _, err := s.CreateJob(ctx, newJob(j.id, j.at), model.ModeIndependent, nil); err != nil {
			t.Fatalf("create %s failed: %v", j.id, err)
		}
		if _, err := s.UpdateState(ctx, j.id, func(st *model.JobState) error {
			st.Status = model.StatusQueued
			return nil
		}); err != nil {
			t.Fatalf("queue %s failed: %v", j.id, err)
		}
	}
	states, err := s.ListByStatus(model.StatusQueued)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	order := []string{"early", "mid", "late"}
	for i, st := range states {
		if st.JobID != order[i] {
			t.Fatalf("position %d: expected %s, got %s", i, order[i], st.JobID)
		}
	}
}

func TestPutArtifactsFlagsPresence(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, newJob("j1", 1), model.ModeIndependent, nil); err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	state, err := s.PutArtifacts(ctx, "j1", store.Outputs{MainCPP: []byte("int main(){}"), ReportJSON: []byte(`{"status":"failed"}`)})
	if err != nil {
		t.Fatalf("put artifacts failed: %v", err)
	}
	if !state.Artifacts.MainCPP || state.Artifacts.SolutionJSON || !state.Artifacts.ReportJSON {
		t.Fatalf("unexpected flags: %+v", state.Artifacts)
	}
}
