//go:build linux

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultKillGrace = 5 * time.Second

// LocalExecutor runs stages as child process groups of this process.
type LocalExecutor struct {
	killGrace time.Duration
	baseEnv   []string

	mu   sync.Mutex
	pids map[string]int
}

// NewLocalExecutor creates a local executor. baseEnv is inherited by every
// stage; nil means the current environment.
func NewLocalExecutor(baseEnv []string) *LocalExecutor {
	if baseEnv == nil {
		baseEnv = os.Environ()
	}
	return &LocalExecutor{
		killGrace: defaultKillGrace,
		baseEnv:   baseEnv,
		pids:      make(map[string]int),
	}
}

func (e *LocalExecutor) Kind() string { return KindLocal }

func (e *LocalExecutor) Run(ctx context.Context, spec RunSpec, onStart func(StartInfo)) (int, error) {
	if err := validateSpec(spec); err != nil {
		return -1, err
	}
	out, err := OpenLogWriter(spec.LogPath, spec.LogCap, spec.Secrets)
	if err != nil {
		return -1, err
	}
	defer closeStageLog(ctx, out, spec)

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.JobDir
	cmd.Env = mergeEnv(e.baseEnv, spec.Env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = e.killGrace

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s stage: %w", spec.Stage, err)
	}
	pid := cmd.Process.Pid
	e.track(spec.JobID, pid)
	defer e.untrack(spec.JobID, pid)
	if onStart != nil {
		onStart(StartInfo{ID: "pid-" + strconv.Itoa(pid), PID: pid, Executor: KindLocal})
	}

	waitErr := cmd.Wait()
	// Children that outlived the leader still hold the group.
	_ = killGroup(pid)
	if ctx.Err() != nil {
		return exitCode(waitErr, cmd.ProcessState), ctx.Err()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return -1, fmt.Errorf("wait %s stage: %w", spec.Stage, waitErr)
	}
	return exitCode(waitErr, cmd.ProcessState), nil
}

// Stop kills the process group of the job's running stage.
func (e *LocalExecutor) Stop(ctx context.Context, jobID string) error {
	e.mu.Lock()
	pid, ok := e.pids[jobID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	logger.Info(ctx, "killing local stage", zap.String("job_id", jobID), zap.Int("pid", pid))
	return killGroup(pid)
}

// PIDAlive reports whether a process with pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (e *LocalExecutor) track(jobID string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pids[jobID] = pid
}

func (e *LocalExecutor) untrack(jobID string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pids[jobID] == pid {
		delete(e.pids, jobID)
	}
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
