package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ContainerConfig configures the container executor.
type ContainerConfig struct {
	Binary    string   `yaml:"binary"`
	Image     string   `yaml:"image"`
	CPUs      float64  `yaml:"cpus"`
	MemoryMB  int64    `yaml:"memoryMB"`
	PidsLimit int64    `yaml:"pidsLimit"`
	TmpfsSize string   `yaml:"tmpfsSize"`
	Network   string   `yaml:"network"`
	User      string   `yaml:"user"`
	ExtraArgs []string `yaml:"extraArgs"`
}

func (c *ContainerConfig) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "docker"
	}
	if c.CPUs <= 0 {
		c.CPUs = 2
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 4096
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 512
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = "512m"
	}
}

// commandRunner runs the container CLI. stdout may be nil.
type commandRunner func(ctx context.Context, env []string, stdout io.Writer, name string, args ...string) error

// ContainerExecutor runs stages through the docker CLI.
type ContainerExecutor struct {
	cfg ContainerConfig
	run commandRunner

	mu      sync.Mutex
	running map[string]string
}

// NewContainerExecutor creates a container executor.
func NewContainerExecutor(cfg ContainerConfig) (*ContainerExecutor, error) {
	cfg.applyDefaults()
	if cfg.Image == "" {
		return nil, fmt.Errorf("container image is required")
	}
	return &ContainerExecutor{cfg: cfg, run: execRunner, running: make(map[string]string)}, nil
}

func (e *ContainerExecutor) Kind() string { return KindContainer }

func (e *ContainerExecutor) Run(ctx context.Context, spec RunSpec, onStart func(StartInfo)) (int, error) {
	if err := validateSpec(spec); err != nil {
		return -1, err
	}
	name := containerName(spec)
	args := buildRunArgs(e.cfg, spec, name)
	env := append(os.Environ(), envPairs(spec.Env)...)

	var idBuf bytes.Buffer
	if err := e.run(ctx, env, &idBuf, e.cfg.Binary, args...); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}
	id := strings.TrimSpace(idBuf.String())
	if id == "" {
		id = name
	}
	e.track(spec.JobID, id)
	defer e.untrack(spec.JobID, id)
	if onStart != nil {
		onStart(StartInfo{ID: id, Executor: KindContainer})
	}
	defer e.remove(id)

	out, err := OpenLogWriter(spec.LogPath, spec.LogCap, spec.Secrets)
	if err != nil {
		return -1, err
	}
	defer closeStageLog(ctx, out, spec)

	code := -1
	// The collector must not be cut off by ctx; it ends when the container does.
	collectCtx, stopCollect := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCollect()
	g := new(errgroup.Group)
	g.Go(func() error {
		err := e.run(collectCtx, nil, out, e.cfg.Binary, "logs", "-f", id)
		if err != nil && collectCtx.Err() == nil {
			logger.Warn(ctx, "container log collector stopped", zap.String("container", id), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			// give the collector a moment to drain the tail
			time.AfterFunc(2*time.Second, stopCollect)
		}()
		var waitBuf bytes.Buffer
		if err := e.run(ctx, nil, &waitBuf, e.cfg.Binary, "wait", id); err != nil {
			if ctx.Err() != nil {
				e.kill(id)
				return ctx.Err()
			}
			return fmt.Errorf("wait container: %w", err)
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(waitBuf.String()))
		if err != nil {
			return fmt.Errorf("parse container exit code %q: %w", waitBuf.String(), err)
		}
		code = parsed
		return nil
	})
	if err := g.Wait(); err != nil {
		return code, err
	}
	return code, nil
}

// Stop kills the running container of the job.
func (e *ContainerExecutor) Stop(ctx context.Context, jobID string) error {
	e.mu.Lock()
	id, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	logger.Info(ctx, "stopping container", zap.String("job_id", jobID), zap.String("container", id))
	return e.run(ctx, nil, nil, e.cfg.Binary, "kill", id)
}

// Inspect asks the runtime about a container id.
func (e *ContainerExecutor) Inspect(ctx context.Context, id string) (ContainerStatus, error) {
	if id == "" {
		return ContainerStatus{}, nil
	}
	var buf bytes.Buffer
	err := e.run(ctx, nil, &buf, e.cfg.Binary, "inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", id)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return ContainerStatus{}, nil
		}
		return ContainerStatus{}, fmt.Errorf("inspect container: %w", err)
	}
	fields := strings.Fields(buf.String())
	if len(fields) != 2 {
		return ContainerStatus{}, fmt.Errorf("unexpected inspect output %q", buf.String())
	}
	code, _ := strconv.Atoi(fields[1])
	return ContainerStatus{Exists: true, Running: fields[0] == "true", ExitCode: code}, nil
}

// Remove force-removes a container left behind by a previous process.
func (e *ContainerExecutor) Remove(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return e.run(ctx, nil, nil, e.cfg.Binary, "rm", "-f", id)
}

func (e *ContainerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.run(ctx, nil, nil, e.cfg.Binary, "kill", id)
}

func (e *ContainerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.run(ctx, nil, nil, e.cfg.Binary, "rm", "-f", id); err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
	}
}

func (e *ContainerExecutor) track(jobID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[jobID] = id
}

func (e *ContainerExecutor) untrack(jobID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[jobID] == id {
		delete(e.running, jobID)
	}
}

func containerName(spec RunSpec) string {
	return fmt.Sprintf("autojudge-%s-%s-%d", spec.JobID, spec.Stage, spec.Attempt)
}

// buildRunArgs renders the detached run command. Environment values are
// passed by name only so they never show up in the process list.
func buildRunArgs(cfg ContainerConfig, spec RunSpec, name string) []string {
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "autojudge.job=" + spec.JobID,
		"--label", "autojudge.stage=" + string(spec.Stage),
		"--cpus", strconv.FormatFloat(cfg.CPUs, 'f', -1, 64),
		"--memory", strconv.FormatInt(cfg.MemoryMB, 10) + "m",
		"--memory-swap", strconv.FormatInt(cfg.MemoryMB, 10) + "m",
		"--pids-limit", strconv.FormatInt(cfg.PidsLimit, 10),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--tmpfs", "/tmp:rw,exec,size=" + cfg.TmpfsSize,
		"-v", spec.JobDir + ":/job",
		"-w", "/job",
	}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, cfg.Image)
	return append(args, spec.Command...)
}

func envPairs(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func execRunner(ctx context.Context, env []string, stdout io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// container stderr arrives on the CLI's stderr
	if stdout != nil && args[0] == "logs" {
		cmd.Stderr = stdout
	}
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}
