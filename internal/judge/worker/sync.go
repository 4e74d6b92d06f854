package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autojudge/internal/job/model"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	"autojudge/internal/judge/tools"
	"autojudge/internal/rpc"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxDrainSteps bounds the appends of one tick.
const maxDrainSteps = 64

// jobRun is the state shared by the loops of one claimed job.
type jobRun struct {
	rpc     Caller
	ref     tools.ClaimRef
	store   *store.Store
	manager *service.Manager

	lostOnce sync.Once
	lost     chan struct{}
}

func newJobRun(caller Caller, ref tools.ClaimRef, local *store.Store, manager *service.Manager) *jobRun {
	return &jobRun{rpc: caller, ref: ref, store: local, manager: manager, lost: make(chan struct{})}
}

// ownershipLost reports whether err means the claim is gone. The first such
// error aborts the local run.
func (r *jobRun) ownershipLost(ctx context.Context, err error) bool {
	if !appErr.Is(err, appErr.ClaimMismatch) && !appErr.Is(err, appErr.ClaimNotFound) {
		return false
	}
	r.lostOnce.Do(func() {
		close(r.lost)
		logger.Error(ctx, "claim lost, aborting local run", zap.Error(err))
		if _, cerr := r.manager.Cancel(context.WithoutCancel(ctx), r.ref.JobID); cerr != nil {
			logger.Warn(ctx, "stop local run failed", zap.Error(cerr))
		}
	})
	return true
}

func (r *jobRun) isLost() bool {
	select {
	case <-r.lost:
		return true
	default:
		return false
	}
}

// tailSync ships a local log to the control plane through the offset
// protocol. localPos is how much of the local file was delivered; remoteOff
// is the believed length of the remote log.
type tailSync struct {
	run       *jobRun
	kind      store.LogKind
	method    string
	chunk     int
	localPos  int64
	remoteOff int64
	// pending is the chunk whose append failed in transport; the server may
	// have applied it, so it is resent as is before anything newer.
	pending []byte
	warn    rate.Sometimes
}

func newTailSync(run *jobRun, kind store.LogKind, method string, chunk int, warnEvery time.Duration) *tailSync {
	return &tailSync{run: run, kind: kind, method: method, chunk: chunk, warn: rate.Sometimes{Interval: warnEvery}}
}

func (t *tailSync) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.drain(ctx); err != nil {
			if t.run.ownershipLost(ctx, err) {
				return
			}
			t.warn.Do(func() {
				logger.Warn(ctx, "log sync failed, will retry", zap.String("log", string(t.kind)), zap.Error(err))
			})
		}
	}
}

// drain sends everything new in the local log, bounded per call.
func (t *tailSync) drain(ctx context.Context) error {
	for i := 0; i < maxDrainSteps; i++ {
		more, err := t.step(ctx)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// flush drains until the local log is fully delivered.
func (t *tailSync) flush(ctx context.Context) error {
	for {
		more, err := t.step(ctx)
		if err != nil || !more {
			return err
		}
	}
}

func (t *tailSync) step(ctx context.Context) (bool, error) {
	data := t.pending
	if data == nil {
		var err error
		data, _, err = t.run.store.ReadLog(t.run.ref.JobID, t.kind, t.localPos, t.chunk)
		if err != nil {
			return false, err
		}
		if len(data) == 0 {
			return false, nil
		}
	}
	var res tools.AppendLogResult
	err := t.run.rpc.Call(ctx, t.method, tools.AppendLogParams{
		ClaimRef: t.run.ref,
		Offset:   t.remoteOff,
		DataB64:  base64.StdEncoding.EncodeToString(data),
	}, &res)
	switch {
	case err == nil:
		t.localPos += int64(len(data))
		t.remoteOff = res.Offset
		t.pending = nil
		return true, nil
	case appErr.Is(err, appErr.OffsetMismatch):
		cur, ok := rpc.Int64Detail(err, "current_offset")
		if !ok {
			return false, err
		}
		if t.pending != nil && cur == t.remoteOff+int64(len(t.pending)) {
			// The pending chunk landed before its response was lost.
			t.localPos += int64(len(t.pending))
		}
		t.remoteOff = cur
		t.pending = nil
		return true, nil
	case rpc.IsTransport(err):
		t.pending = data
		return false, err
	default:
		return false, err
	}
}

// stateMirror pushes the local state whenever its signature changes.
type stateMirror struct {
	run  *jobRun
	last string
	warn rate.Sometimes
}

func newStateMirror(run *jobRun, warnEvery time.Duration) *stateMirror {
	return &stateMirror{run: run, warn: rate.Sometimes{Interval: warnEvery}}
}

func stateSignature(st model.JobState) string {
	exit := func(stage model.Stage) string {
		if code := st.ExitCode(stage); code != nil {
			return fmt.Sprint(*code)
		}
		return "-"
	}
	return fmt.Sprintf("%s/%d/%s/%s", st.Status, st.Attempt, exit(model.StageGenerate), exit(model.StageTest))
}

// statePatch is the part of a local state the control plane takes over.
// Stages missing locally are sent as null so stale ones are dropped.
// Artifact flags are left to job.put_artifacts.
func statePatch(st model.JobState) (map[string]any, error) {
	containers := map[string]any{}
	for _, stage := range []model.Stage{model.StageGenerate, model.StageTest} {
		c, ok := st.Containers[stage]
		if !ok || c == nil {
			containers[string(stage)] = nil
			continue
		}
		containers[string(stage)] = c
	}
	doc := map[string]any{
		"status":     st.Status,
		"attempt":    st.Attempt,
		"containers": containers,
		"error":      st.Error,
	}
	if st.FinishedAt != 0 {
		doc["finished_at"] = st.FinishedAt
	}
	if st.ExpiresAt != 0 {
		doc["expires_at"] = st.ExpiresAt
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}

func (m *stateMirror) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.step(ctx); err != nil {
			if m.run.ownershipLost(ctx, err) {
				return
			}
			m.warn.Do(func() {
				logger.Warn(ctx, "state mirror failed, will retry", zap.Error(err))
			})
		}
	}
}

func (m *stateMirror) step(ctx context.Context) error {
	st, err := m.run.store.LoadState(m.run.ref.JobID)
	if err != nil {
		return err
	}
	sig := stateSignature(st)
	if sig == m.last {
		return nil
	}
	patch, err := statePatch(st)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "build state patch failed")
	}
	if err := m.run.rpc.Call(ctx, tools.MethodPatchState, tools.PatchStateParams{ClaimRef: m.run.ref, Patch: patch}, nil); err != nil {
		return err
	}
	m.last = sig
	return nil
}

// cancelPoll watches the control plane for a user cancel.
type cancelPoll struct {
	run  *jobRun
	warn rate.Sometimes
}

func newCancelPoll(run *jobRun, warnEvery time.Duration) *cancelPoll {
	return &cancelPoll{run: run, warn: rate.Sometimes{Interval: warnEvery}}
}

func (p *cancelPoll) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cancelled, err := p.step(ctx)
		if err != nil {
			if p.run.ownershipLost(ctx, err) {
				return
			}
			p.warn.Do(func() {
				logger.Warn(ctx, "cancel poll failed, will retry", zap.Error(err))
			})
			continue
		}
		if cancelled {
			return
		}
	}
}

func (p *cancelPoll) step(ctx context.Context) (bool, error) {
	var st model.JobState
	if err := p.run.rpc.Call(ctx, tools.MethodGetState, p.run.ref, &st); err != nil {
		return false, err
	}
	if st.Status != model.StatusCancelled {
		return false, nil
	}
	logger.Info(ctx, "job cancelled by control plane")
	if _, err := p.run.manager.Cancel(ctx, p.run.ref.JobID); err != nil {
		return false, err
	}
	return true, nil
}
