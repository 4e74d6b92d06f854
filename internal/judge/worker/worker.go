// Package worker is the remote judge: it claims queued jobs over RPC, runs
// the attempt loop in a local workspace and mirrors progress back.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	"autojudge/internal/judge/tools"
	"autojudge/internal/rpc"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/contextkey"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the worker settings.
type Config struct {
	URL       string
	Token     string
	MachineID string
	WorkRoot  string

	PollInterval     time.Duration
	MaxBackoff       time.Duration
	TerminalInterval time.Duration
	StatusInterval   time.Duration
	StateInterval    time.Duration
	CancelInterval   time.Duration
	JoinTimeout      time.Duration
	DialTimeout      time.Duration
	WarnInterval     time.Duration

	ChunkBytes   int
	LogCap       int64
	StageTimeout time.Duration
	Commands     service.Commands
	ExtraEnv     map[string]string
}

func (c *Config) applyDefaults() {
	defaults := []struct {
		v *time.Duration
		d time.Duration
	}{
		{&c.PollInterval, 2 * time.Second},
		{&c.MaxBackoff, 30 * time.Second},
		{&c.TerminalInterval, 500 * time.Millisecond},
		{&c.StatusInterval, time.Second},
		{&c.StateInterval, time.Second},
		{&c.CancelInterval, 5 * time.Second},
		{&c.JoinTimeout, 10 * time.Second},
		{&c.DialTimeout, 10 * time.Second},
		{&c.WarnInterval, 30 * time.Second},
	}
	for _, d := range defaults {
		if *d.v <= 0 {
			*d.v = d.d
		}
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 256 << 10
	}
}

// Worker runs claimed jobs one at a time.
type Worker struct {
	cfg       Config
	exec      executor.Executor
	rpc       *link
	store     *store.Store
	machineID string
}

// New resolves the machine identity and prepares the workspace. No
// connection is made until the first call.
func New(cfg Config, exec executor.Executor) (*Worker, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, appErr.ValidationError("url", "required")
	}
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if exec == nil {
		return nil, appErr.ValidationError("executor", "required")
	}
	if len(cfg.Commands.Generate) == 0 || len(cfg.Commands.Test) == 0 {
		return nil, appErr.ValidationError("commands", "generate and test commands are required")
	}
	machineID, err := ResolveMachineID(cfg.MachineID, cfg.WorkRoot)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		exec:      exec,
		rpc:       newLink(cfg.URL, cfg.Token, cfg.DialTimeout),
		store:     store.New(filepath.Join(cfg.WorkRoot, "jobs")),
		machineID: machineID,
	}, nil
}

// MachineID returns the identity the worker claims under.
func (w *Worker) MachineID() string { return w.machineID }

// Close drops the RPC session.
func (w *Worker) Close() error { return w.rpc.Close() }

// Run claims and executes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, contextkey.MachineID, w.machineID)
	logger.Info(ctx, "judge worker started", zap.String("url", w.cfg.URL), zap.String("work_root", w.cfg.WorkRoot))
	backoff := w.cfg.PollInterval
	for {
		handled, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			logger.Info(ctx, "judge worker stopped")
			return nil
		}
		wait := w.cfg.PollInterval
		switch {
		case err != nil:
			logger.Warn(ctx, "claim loop error", zap.Error(err), zap.Duration("retry_in", backoff))
			wait = backoff
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		case handled:
			backoff = w.cfg.PollInterval
			continue
		default:
			backoff = w.cfg.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info(ctx, "judge worker stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce claims one job and runs it to the end. It reports false when no
// job was available.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var res tools.ClaimNextResult
	if err := w.rpc.Call(ctx, tools.MethodClaimNext, tools.ClaimNextParams{MachineID: w.machineID}, &res); err != nil {
		return false, err
	}
	if res.Claim == nil {
		return false, nil
	}
	c := res.Claim
	ref := tools.ClaimRef{JobID: c.JobID, ClaimID: c.ClaimID}
	jctx := logger.WithJob(ctx, c.JobID)
	jctx = context.WithValue(jctx, contextkey.ClaimID, c.ClaimID)
	logger.Info(jctx, "job claimed", zap.String("owner_id", c.OwnerID))
	defer w.release(jctx, ref)

	if err := w.rebuild(jctx, ref); err != nil {
		return true, err
	}
	manager, err := service.NewManager(service.Config{
		Store:         w.store,
		Executor:      w.exec,
		Bundles:       &remoteBundles{rpc: w.rpc, ref: ref},
		Usage:         &remoteUsage{rpc: w.rpc, ref: ref},
		Commands:      w.cfg.Commands,
		Mode:          model.ModeIndependent,
		LogCap:        w.cfg.LogCap,
		StageTimeout:  w.cfg.StageTimeout,
		MaxConcurrent: 1,
		ExtraEnv:      w.cfg.ExtraEnv,
	})
	if err != nil {
		return true, err
	}
	defer func() { _ = manager.Shutdown(context.WithoutCancel(jctx)) }()

	run := newJobRun(w.rpc, ref, w.store, manager)
	terminal := newTailSync(run, store.LogTerminal, tools.MethodAppendTerminal, w.cfg.ChunkBytes, w.cfg.WarnInterval)
	status := newTailSync(run, store.LogAgentStatus, tools.MethodAppendAgentStatus, w.cfg.ChunkBytes, w.cfg.WarnInterval)
	mirror := newStateMirror(run, w.cfg.WarnInterval)
	poll := newCancelPoll(run, w.cfg.WarnInterval)

	loopCtx, stopLoops := context.WithCancel(jctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { terminal.loop(gctx, w.cfg.TerminalInterval); return nil })
	g.Go(func() error { status.loop(gctx, w.cfg.StatusInterval); return nil })
	g.Go(func() error { mirror.loop(gctx, w.cfg.StateInterval); return nil })
	g.Go(func() error { poll.loop(gctx, w.cfg.CancelInterval); return nil })

	out := manager.Run(jctx, c.JobID)
	stopLoops()
	w.join(jctx, g)

	fields := []zap.Field{zap.String("outcome", string(out.Kind))}
	if out.Err != nil {
		fields = append(fields, zap.String("code", out.Err.Code))
	}
	logger.Info(jctx, "attempt loop finished", fields...)

	if run.isLost() {
		logger.Warn(jctx, "skipping final push, claim is no longer ours")
		return true, nil
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(jctx), w.cfg.JoinTimeout+w.cfg.DialTimeout)
	defer cancel()
	w.finalPush(pushCtx, run, terminal, status, out)
	return true, nil
}

// join waits for the sync loops, bounded by JoinTimeout.
func (w *Worker) join(ctx context.Context, g *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	timer := time.NewTimer(w.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn(ctx, "sync loops did not stop in time", zap.Duration("timeout", w.cfg.JoinTimeout))
	}
}

// rebuild recreates the local workspace from the control plane copy.
func (w *Worker) rebuild(ctx context.Context, ref tools.ClaimRef) error {
	if err := w.store.RemoveJob(ref.JobID); err != nil {
		return err
	}
	if err := w.store.InitJobDir(ref.JobID); err != nil {
		return err
	}
	var list tools.InputListResult
	if err := w.rpc.Call(ctx, tools.MethodInputList, ref, &list); err != nil {
		return err
	}
	var total int64
	for _, f := range list.Files {
		data, err := w.download(ctx, ref, f)
		if err != nil {
			return err
		}
		if err := w.store.WriteInput(ref.JobID, f.Path, data); err != nil {
			return err
		}
		total += int64(len(data))
	}
	if _, err := w.store.LoadJob(ref.JobID); err != nil {
		return appErr.Wrapf(err, appErr.JobInputNotFound, "job spec missing from input")
	}
	var st model.JobState
	if err := w.rpc.Call(ctx, tools.MethodGetState, ref, &st); err != nil {
		return err
	}
	st.Judge = nil
	if err := w.store.SaveState(ctx, st); err != nil {
		return err
	}
	logger.Info(ctx, "workspace ready", zap.Int("files", len(list.Files)), zap.Int64("bytes", total))
	return nil
}

func (w *Worker) download(ctx context.Context, ref tools.ClaimRef, f store.InputFile) ([]byte, error) {
	var (
		buf    bytes.Buffer
		offset int64
	)
	buf.Grow(int(f.Size))
	for {
		var chunk tools.ReadChunkResult
		err := w.rpc.Call(ctx, tools.MethodInputReadChunk, tools.ReadChunkParams{
			ClaimRef: ref,
			Path:     f.Path,
			Offset:   offset,
			MaxBytes: w.cfg.ChunkBytes,
		}, &chunk)
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(chunk.DataB64)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "chunk of %s is not base64", f.Path)
		}
		buf.Write(data)
		if chunk.EOF {
			return buf.Bytes(), nil
		}
		if chunk.NextOffset <= offset {
			return nil, appErr.Newf(appErr.StorageError, "read of %s made no progress at offset %d", f.Path, offset)
		}
		offset = chunk.NextOffset
	}
}

// finalPush flushes the logs, uploads the outputs and the final state.
// Interrupted runs only flush logs; the control plane requeues them.
func (w *Worker) finalPush(ctx context.Context, run *jobRun, terminal, status *tailSync, out service.Outcome) {
	for _, t := range []*tailSync{terminal, status} {
		if err := retry(ctx, 3, func() error { return t.flush(ctx) }); err != nil {
			if run.ownershipLost(ctx, err) {
				return
			}
			logger.Warn(ctx, "final log flush failed", zap.String("log", string(t.kind)), zap.Error(err))
		}
	}
	if out.Kind == service.OutcomeInterrupted {
		return
	}

	outputs, err := w.store.ReadOutputs(run.ref.JobID)
	if err != nil {
		logger.Warn(ctx, "read outputs failed", zap.Error(err))
	}
	params := tools.PutArtifactsParams{
		ClaimRef:        run.ref,
		MainCPPB64:      tools.EncodeArtifact(outputs.MainCPP),
		SolutionJSONB64: tools.EncodeArtifact(outputs.SolutionJSON),
		ReportJSONB64:   tools.EncodeArtifact(outputs.ReportJSON),
	}
	if err := retry(ctx, 3, func() error { return w.rpc.Call(ctx, tools.MethodPutArtifacts, params, nil) }); err != nil {
		if run.ownershipLost(ctx, err) {
			return
		}
		logger.Error(ctx, "push artifacts failed", zap.Error(err))
	}

	patch, err := statePatch(out.State)
	if err != nil {
		logger.Error(ctx, "build final state failed", zap.Error(err))
		return
	}
	if err := retry(ctx, 3, func() error {
		return w.rpc.Call(ctx, tools.MethodPatchState, tools.PatchStateParams{ClaimRef: run.ref, Patch: patch}, nil)
	}); err != nil {
		if run.ownershipLost(ctx, err) {
			return
		}
		logger.Error(ctx, "push final state failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "final state pushed", zap.String("status", string(out.State.Status)))
}

// release always runs, even when ctx is already cancelled.
func (w *Worker) release(ctx context.Context, ref tools.ClaimRef) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DialTimeout)
	defer cancel()
	err := retry(rctx, 3, func() error {
		return w.rpc.Call(rctx, tools.MethodReleaseClaim, ref, nil)
	})
	if err != nil {
		logger.Warn(ctx, "release claim failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "claim released")
}

// retry repeats fn on transport failures with a short linear backoff.
func retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !rpc.IsTransport(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return err
}
