// Package service drives the job lifecycle: creation, start, cancellation
// and the generate/test attempt loop.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/provider"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Commands are the stage command lines.
type Commands struct {
	Generate []string
	Test     []string
}

// Config holds manager dependencies and settings.
type Config struct {
	Store    *store.Store
	Executor executor.Executor
	Bundles  provider.BundleProvider
	Usage    provider.UsageReporter
	Commands Commands
	// Mode is the topology the manager starts jobs in.
	Mode          string
	LogCap        int64
	FailureTTL    time.Duration
	StageTimeout  time.Duration
	MaxConcurrent int
	ExtraEnv      map[string]string
}

// Manager owns the attempt loops of one process.
type Manager struct {
	store        *store.Store
	exec         executor.Executor
	bundles      provider.BundleProvider
	usage        provider.UsageReporter
	commands     Commands
	mode         string
	logCap       int64
	failureTTL   time.Duration
	stageTimeout time.Duration
	extraEnv     map[string]string
	sem          chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Bundles == nil {
		return nil, fmt.Errorf("bundle provider is required")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("usage reporter is required")
	}
	if len(cfg.Commands.Generate) == 0 || len(cfg.Commands.Test) == 0 {
		return nil, fmt.Errorf("generate and test commands are required")
	}
	switch cfg.Mode {
	case model.ModeEmbedded, model.ModeIndependent:
	case "":
		cfg.Mode = model.ModeEmbedded
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	poolSize := cfg.MaxConcurrent
	if poolSize <= 0 {
		poolSize = 4
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		store:        cfg.Store,
		exec:         cfg.Executor,
		bundles:      cfg.Bundles,
		usage:        cfg.Usage,
		commands:     cfg.Commands,
		mode:         cfg.Mode,
		logCap:       cfg.LogCap,
		failureTTL:   cfg.FailureTTL,
		stageTimeout: cfg.StageTimeout,
		extraEnv:     cfg.ExtraEnv,
		sem:          make(chan struct{}, poolSize),
		running:      make(map[string]context.CancelFunc),
		baseCtx:      baseCtx,
		stop:         stop,
	}, nil
}

// Mode returns the topology of this manager.
func (m *Manager) Mode() string { return m.mode }

// Store exposes the underlying store.
func (m *Manager) Store() *store.Store { return m.store }

// Create stores a new job in the created state.
func (m *Manager) Create(ctx context.Context, job model.Job, tests []store.InputData) (model.JobState, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.OwnerID == "" {
		return model.JobState{}, appErr.ValidationError("owner_id", "required")
	}
	if field, ok := job.Normalize(); !ok {
		return model.JobState{}, appErr.ValidationError(field, "invalid")
	}
	job.CreatedAt = m.store.Now().Unix()
	state, err := m.store.CreateJob(ctx, job, m.mode, tests)
	if err != nil {
		return model.JobState{}, err
	}
	logger.Info(logger.WithJob(ctx, job.JobID), "job created", zap.String("owner_id", job.OwnerID), zap.Int("tests", len(tests)))
	return state, nil
}

// Get returns the current state.
func (m *Manager) Get(ctx context.Context, jobID string) (model.JobState, error) {
	return m.store.LoadState(jobID)
}

// Start moves a created job forward. Already started jobs are returned
// unchanged; finished ones fail with JobAlreadyFinished.
func (m *Manager) Start(ctx context.Context, jobID string) (model.JobState, error) {
	spawned := false
	state, err := m.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		switch {
		case st.Status.Terminal():
			return appErr.New(appErr.JobAlreadyFinished).WithDetail("status", string(st.Status))
		case st.Status.Active():
			return nil
		}
		st.StartedAt = m.store.Now().Unix()
		st.Mode = m.mode
		st.Error = nil
		if m.mode == model.ModeIndependent {
			st.Status = model.StatusQueued
			return nil
		}
		st.Status = model.StatusRunningGenerate
		spawned = true
		return nil
	})
	if err != nil {
		return state, err
	}
	if spawned {
		m.Dispatch(jobID)
	}
	logger.Info(logger.WithJob(ctx, jobID), "job started", zap.String("status", string(state.Status)))
	return state, nil
}

// Cancel stops a job. Finished jobs are returned unchanged.
func (m *Manager) Cancel(ctx context.Context, jobID string) (model.JobState, error) {
	now := m.store.Now().Unix()
	state, err := m.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		if st.Status.Terminal() {
			return nil
		}
		st.Status = model.StatusCancelled
		st.Error = nil
		st.FinishedAt = now
		return nil
	})
	if err != nil {
		return state, err
	}
	if state.Status == model.StatusCancelled {
		if err := m.exec.Stop(ctx, jobID); err != nil {
			logger.Warn(logger.WithJob(ctx, jobID), "stop executor failed", zap.Error(err))
		}
		m.mu.Lock()
		cancel, ok := m.running[jobID]
		m.mu.Unlock()
		if ok {
			cancel()
		}
		_ = m.store.AppendEvent(ctx, jobID, model.AgentEvent{Event: "cancelled"})
	}
	return state, nil
}

// Dispatch runs the attempt loop in the background.
func (m *Manager) Dispatch(jobID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := logger.WithJob(m.baseCtx, jobID)
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-m.sem }()
		out := m.Run(ctx, jobID)
		fields := []zap.Field{zap.String("outcome", string(out.Kind))}
		if out.Err != nil {
			fields = append(fields, zap.String("code", out.Err.Code), zap.String("message", out.Err.Message))
		}
		logger.Info(ctx, "attempt loop finished", fields...)
	}()
}

// Shutdown interrupts every running loop and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) register(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[jobID] = cancel
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, jobID)
}
