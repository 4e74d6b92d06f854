package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/job/service"
	"autojudge/internal/judge/worker"
	"autojudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultShutdownTimeout = 30 * time.Second

	envJudgeToken = "AUTOJUDGE_JUDGE_TOKEN"
	envMachineID  = "AUTOJUDGE_MACHINE_ID"
	envServerURL  = "AUTOJUDGE_SERVER_URL"
)

// ServerConfig points at the control plane RPC endpoint.
type ServerConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// IntervalConfig holds the poll and sync cadences.
type IntervalConfig struct {
	Poll        time.Duration `yaml:"poll"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	Terminal    time.Duration `yaml:"terminal"`
	AgentStatus time.Duration `yaml:"agentStatus"`
	State       time.Duration `yaml:"state"`
	Cancel      time.Duration `yaml:"cancel"`
	Join        time.Duration `yaml:"join"`
	Warn        time.Duration `yaml:"warn"`
}

// JobsConfig holds the local attempt loop settings.
type JobsConfig struct {
	GenerateCommand string            `yaml:"generateCommand"`
	TestCommand     string            `yaml:"testCommand"`
	LogCap          int64             `yaml:"logCap"`
	StageTimeout    time.Duration     `yaml:"stageTimeout"`
	ChunkBytes      int               `yaml:"chunkBytes"`
	ExtraEnv        map[string]string `yaml:"extraEnv"`
}

// ExecutorConfig selects how stages run.
type ExecutorConfig struct {
	Kind      string                   `yaml:"kind"`
	BaseEnv   []string                 `yaml:"baseEnv"`
	Container executor.ContainerConfig `yaml:"container"`
}

// AppConfig holds judge worker config.
type AppConfig struct {
	Server    ServerConfig   `yaml:"server"`
	Logger    logger.Config  `yaml:"logger"`
	MachineID string         `yaml:"machineID"`
	WorkRoot  string         `yaml:"workRoot"`
	Intervals IntervalConfig `yaml:"intervals"`
	Jobs      JobsConfig     `yaml:"jobs"`
	Executor  ExecutorConfig `yaml:"executor"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv(envJudgeToken)); v != "" {
		cfg.Server.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envMachineID)); v != "" {
		cfg.MachineID = v
	}
	if v := strings.TrimSpace(os.Getenv(envServerURL)); v != "" {
		cfg.Server.URL = v
	}

	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("server token is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("workRoot is required")
	}
	switch cfg.Executor.Kind {
	case "":
		cfg.Executor.Kind = executor.KindLocal
	case executor.KindLocal, executor.KindContainer:
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
	}
	return &cfg, nil
}

func (c *AppConfig) workerConfig() (worker.Config, error) {
	gen, err := executor.ParseCommand(c.Jobs.GenerateCommand)
	if err != nil {
		return worker.Config{}, fmt.Errorf("generateCommand: %w", err)
	}
	test, err := executor.ParseCommand(c.Jobs.TestCommand)
	if err != nil {
		return worker.Config{}, fmt.Errorf("testCommand: %w", err)
	}
	return worker.Config{
		URL:              c.Server.URL,
		Token:            c.Server.Token,
		MachineID:        c.MachineID,
		WorkRoot:         c.WorkRoot,
		PollInterval:     c.Intervals.Poll,
		MaxBackoff:       c.Intervals.MaxBackoff,
		TerminalInterval: c.Intervals.Terminal,
		StatusInterval:   c.Intervals.AgentStatus,
		StateInterval:    c.Intervals.State,
		CancelInterval:   c.Intervals.Cancel,
		JoinTimeout:      c.Intervals.Join,
		DialTimeout:      c.Server.DialTimeout,
		WarnInterval:     c.Intervals.Warn,
		ChunkBytes:       c.Jobs.ChunkBytes,
		LogCap:           c.Jobs.LogCap,
		StageTimeout:     c.Jobs.StageTimeout,
		Commands:         service.Commands{Generate: gen, Test: test},
		ExtraEnv:         c.Jobs.ExtraEnv,
	}, nil
}
