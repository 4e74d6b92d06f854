// Package executor runs one job stage, either as a local process group or
// as a resource-limited container, and streams its output into the job's
// terminal log.
package executor

import (
	"context"
	"fmt"

	"autojudge/internal/job/model"

	"github.com/google/shlex"
)

// Executor kinds.
const (
	KindLocal     = "local"
	KindContainer = "container"
)

// RunSpec describes one stage execution.
type RunSpec struct {
	JobID   string
	Stage   model.Stage
	Attempt int
	Command []string
	Env     map[string]string
	// JobDir is the job directory; local runs use it as working directory,
	// containers mount it at /job.
	JobDir  string
	LogPath string
	LogCap  int64
	// Secrets are redacted from the terminal log.
	Secrets []string
}

// StartInfo identifies a started stage.
type StartInfo struct {
	ID       string
	PID      int
	Executor string
}

// Executor runs stages. Run blocks until the stage exits and returns its
// exit code; onStart is called once the stage is running.
type Executor interface {
	Kind() string
	Run(ctx context.Context, spec RunSpec, onStart func(StartInfo)) (int, error)
	Stop(ctx context.Context, jobID string) error
}

// ContainerStatus is what the runtime reports about a container.
type ContainerStatus struct {
	Exists   bool
	Running  bool
	ExitCode int
}

// Inspector is implemented by executors whose stages outlive the process.
type Inspector interface {
	Inspect(ctx context.Context, id string) (ContainerStatus, error)
	Remove(ctx context.Context, id string) error
}

// ParseCommand splits a shell-like command line.
func ParseCommand(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

func validateSpec(spec RunSpec) error {
	if spec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if spec.JobDir == "" {
		return fmt.Errorf("job dir is required")
	}
	if spec.LogPath == "" {
		return fmt.Errorf("log path is required")
	}
	return nil
}
