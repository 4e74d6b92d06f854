package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Observer is notified after every successful state write.
type Observer interface {
	StateChanged(ctx context.Context, state model.JobState)
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers a state observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists jobs under a root directory.
type Store struct {
	paths     Paths
	now       func() time.Time
	observers []Observer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at root.
func New(root string, opts ...Option) *Store {
	s := &Store{
		paths: Paths{Root: root},
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths exposes the layout.
func (s *Store) Paths() Paths { return s.paths }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// InitJobDir creates the empty directory skeleton of a job.
func (s *Store) InitJobDir(jobID string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	for _, dir := range []string{
		s.paths.TestsDir(jobID),
		s.paths.ArtifactsDir(jobID),
		s.paths.LogsDir(jobID),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return appErr.Wrapf(err, appErr.StorageError, "create job dir failed")
		}
	}
	return nil
}

// CreateJob writes input/job.json, the test files and the initial state.
func (s *Store) CreateJob(ctx context.Context, job model.Job, mode string, tests []InputData) (model.JobState, error) {
	if err := ValidateJobID(job.JobID); err != nil {
		return model.JobState{}, err
	}
	if _, err := os.Stat(s.paths.JobDir(job.JobID)); err == nil {
		return model.JobState{}, appErr.New(appErr.JobInvalidState).WithMessage("job already exists")
	}
	if err := s.InitJobDir(job.JobID); err != nil {
		return model.JobState{}, err
	}
	for _, tf := range tests {
		if err := s.WriteInput(job.JobID, "tests/"+tf.Path, tf.Data); err != nil {
			return model.JobState{}, err
		}
	}
	if err := writeJSONAtomic(s.paths.JobSpec(job.JobID), job); err != nil {
		return model.JobState{}, appErr.Wrapf(err, appErr.StorageError, "write job spec failed")
	}
	state := model.NewJobState(job, mode)
	if err := s.SaveState(ctx, state); err != nil {
		return model.JobState{}, err
	}
	return state, nil
}

// LoadJob reads the immutable job spec.
func (s *Store) LoadJob(jobID string) (model.Job, error) {
	if err := ValidateJobID(jobID); err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := readJSON(s.paths.JobSpec(jobID), &job); err != nil {
		return model.Job{}, s.wrapReadErr(err, jobID, "job spec")
	}
	return job, nil
}

// LoadState reads state.json.
func (s *Store) LoadState(jobID string) (model.JobState, error) {
	if err := ValidateJobID(jobID); err != nil {
		return model.JobState{}, err
	}
	var state model.JobState
	if err := readJSON(s.paths.StatePath(jobID), &state); err != nil {
		return model.JobState{}, s.wrapReadErr(err, jobID, "state")
	}
	if state.Containers == nil {
		state.Containers = map[model.Stage]*model.ContainerState{}
	}
	return state, nil
}

// SaveState overwrites state.json.
func (s *Store) SaveState(ctx context.Context, state model.JobState) error {
	if err := ValidateJobID(state.JobID); err != nil {
		return err
	}
	l := s.lockFor("state:" + state.JobID)
	l.Lock()
	state.UpdatedAt = s.now().Unix()
	err := writeJSONAtomic(s.paths.StatePath(state.JobID), state)
	l.Unlock()
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write state failed")
	}
	s.notify(ctx, state)
	return nil
}

// UpdateState applies fn under the job lock. A cancelled job stays cancelled
// whatever fn does to the status.
func (s *Store) UpdateState(ctx context.Context, jobID string, fn func(*model.JobState) error) (model.JobState, error) {
	if err := ValidateJobID(jobID); err != nil {
		return model.JobState{}, err
	}
	l := s.lockFor("state:" + jobID)
	l.Lock()
	prev, err := s.LoadState(jobID)
	if err != nil {
		l.Unlock()
		return model.JobState{}, err
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		l.Unlock()
		return prev, err
	}
	next.JobID = prev.JobID
	next.OwnerID = prev.OwnerID
	keepCancelled(prev, &next)
	next.UpdatedAt = s.now().Unix()
	if err := writeJSONAtomic(s.paths.StatePath(jobID), next); err != nil {
		l.Unlock()
		return prev, appErr.Wrapf(err, appErr.StorageError, "write state failed")
	}
	l.Unlock()
	s.notify(ctx, next)
	return next, nil
}

// PatchState deep-merges a partial state document into state.json.
func (s *Store) PatchState(ctx context.Context, jobID string, patch map[string]any) (model.JobState, error) {
	if len(patch) == 0 {
		return s.LoadState(jobID)
	}
	return s.UpdateState(ctx, jobID, func(st *model.JobState) error {
		merged, err := mergeState(*st, patch)
		if err != nil {
			return err
		}
		*st = merged
		return nil
	})
}

// ListStates returns every readable job state, oldest first.
func (s *Store) ListStates() ([]model.JobState, error) {
	entries, err := os.ReadDir(s.paths.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "list jobs failed")
	}
	states := make([]model.JobState, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateJobID(entry.Name()) != nil {
			continue
		}
		state, err := s.LoadState(entry.Name())
		if err != nil {
			if !appErr.Is(err, appErr.JobNotFound) {
				logger.Warn(context.Background(), "skip unreadable job state", zap.String("job_id", entry.Name()), zap.Error(err))
			}
			continue
		}
		states = append(states, state)
	}
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].CreatedAt != states[j].CreatedAt {
			return states[i].CreatedAt < states[j].CreatedAt
		}
		return states[i].JobID < states[j].JobID
	})
	return states, nil
}

// ListByStatus filters ListStates.
func (s *Store) ListByStatus(statuses ...model.Status) ([]model.JobState, error) {
	all, err := s.ListStates()
	if err != nil {
		return nil, err
	}
	want := make(map[model.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	out := all[:0]
	for _, st := range all {
		if _, ok := want[st.Status]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// RemoveJob deletes the whole job tree.
func (s *Store) RemoveJob(jobID string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.paths.JobDir(jobID)); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "remove job dir failed")
	}
	return nil
}

func (s *Store) notify(ctx context.Context, state model.JobState) {
	for _, o := range s.observers {
		o.StateChanged(ctx, state.Clone())
	}
}

func (s *Store) wrapReadErr(err error, jobID, what string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return appErr.New(appErr.JobNotFound).WithDetail("job_id", jobID)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return appErr.Wrapf(err, appErr.CorruptedState, "decode %s failed", what)
	}
	return appErr.Wrapf(err, appErr.StorageError, "read %s failed", what)
}

func keepCancelled(prev model.JobState, next *model.JobState) {
	if prev.Status != model.StatusCancelled {
		return
	}
	next.Status = model.StatusCancelled
	next.Error = nil
	if prev.FinishedAt != 0 {
		next.FinishedAt = prev.FinishedAt
	}
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeJSONAtomic writes to a temp file in the same directory and renames it
// over path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
