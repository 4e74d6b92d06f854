package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autojudge/internal/common/auth"
	"autojudge/internal/common/cache"
	"autojudge/internal/common/db"
	"autojudge/internal/common/mq"
	"autojudge/internal/common/storage"
	"autojudge/internal/job/account"
	"autojudge/internal/job/claim"
	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/service"
	"autojudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultRPCPath         = "/rpc"
	defaultFailureTTL      = 7 * 24 * time.Hour
	defaultStatusTopic     = "autojudge.job.status.final"
	defaultArchiveBucket   = "autojudge-jobs"

	envJudgeToken = "AUTOJUDGE_JUDGE_TOKEN"
	envJWTSecret  = "AUTOJUDGE_JWT_SECRET"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// JobsConfig holds the job tree and attempt loop settings.
type JobsConfig struct {
	Root            string            `yaml:"root"`
	Mode            string            `yaml:"mode"`
	GenerateCommand string            `yaml:"generateCommand"`
	TestCommand     string            `yaml:"testCommand"`
	LogCap          int64             `yaml:"logCap"`
	FailureTTL      time.Duration     `yaml:"failureTTL"`
	StageTimeout    time.Duration     `yaml:"stageTimeout"`
	MaxConcurrent   int               `yaml:"maxConcurrent"`
	ExtraEnv        map[string]string `yaml:"extraEnv"`
}

// ExecutorConfig selects how stages run.
type ExecutorConfig struct {
	Kind      string                   `yaml:"kind"`
	BaseEnv   []string                 `yaml:"baseEnv"`
	Container executor.ContainerConfig `yaml:"container"`
}

// RPCConfig holds the judge endpoint settings.
type RPCConfig struct {
	Path          string        `yaml:"path"`
	ReadLimit     int64         `yaml:"readLimit"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	PongWait      time.Duration `yaml:"pongWait"`
	MaxChunkBytes int           `yaml:"maxChunkBytes"`
}

// ClaimConfig holds the claim and requeue settings of independent mode.
type ClaimConfig struct {
	StaleAfter      time.Duration `yaml:"staleAfter"`
	RequeueInterval time.Duration `yaml:"requeueInterval"`
	MaxRequeues     int           `yaml:"maxRequeues"`
}

// StateCacheConfig enables the Redis read cache.
type StateCacheConfig struct {
	Enabled bool              `yaml:"enabled"`
	TTL     time.Duration     `yaml:"ttl"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// StatusEventsConfig enables the final status topic.
type StatusEventsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Topic        string        `yaml:"topic"`
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	RequiredAcks int           `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// ArchiveConfig enables uploading finished jobs to object storage.
type ArchiveConfig struct {
	Enabled bool                `yaml:"enabled"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// UsageConfig selects the usage ledger; without a DSN usage goes to the
// job directory.
type UsageConfig struct {
	Database db.Config `yaml:"database"`
}

// AppConfig holds control plane config.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logger       logger.Config      `yaml:"logger"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Auth         auth.Config        `yaml:"auth"`
	RPC          RPCConfig          `yaml:"rpc"`
	Claim        ClaimConfig        `yaml:"claim"`
	Account      account.Config     `yaml:"account"`
	StateCache   StateCacheConfig   `yaml:"stateCache"`
	StatusEvents StatusEventsConfig `yaml:"statusEvents"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Usage        UsageConfig        `yaml:"usage"`
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
	applyEnvOverrides(&cfg)

	if cfg.Jobs.Root == "" {
		return nil, fmt.Errorf("jobs root is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwtSecret is required")
	}
	switch cfg.Jobs.Mode {
	case "":
		cfg.Jobs.Mode = model.ModeEmbedded
	case model.ModeEmbedded, model.ModeIndependent:
	default:
		return nil, fmt.Errorf("unknown jobs mode %q", cfg.Jobs.Mode)
	}
	if cfg.Jobs.Mode == model.ModeIndependent && cfg.Auth.JudgeToken == "" && cfg.Auth.JudgeTokenHash == "" {
		return nil, fmt.Errorf("independent mode needs a judge token")
	}
	switch cfg.Executor.Kind {
	case "":
		cfg.Executor.Kind = executor.KindLocal
	case executor.KindLocal, executor.KindContainer:
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.RPC.Path == "" {
		cfg.RPC.Path = defaultRPCPath
	}
	if cfg.Jobs.FailureTTL == 0 {
		cfg.Jobs.FailureTTL = defaultFailureTTL
	}
	if cfg.Claim.StaleAfter == 0 {
		cfg.Claim.StaleAfter = claim.DefaultStaleAfter
	}
	if cfg.StatusEvents.Topic == "" {
		cfg.StatusEvents.Topic = defaultStatusTopic
	}
	if cfg.Archive.MinIO.Bucket == "" {
		cfg.Archive.MinIO.Bucket = defaultArchiveBucket
	}
	if cfg.StateCache.Enabled && cfg.StateCache.Redis.Addr == "" {
		return nil, fmt.Errorf("stateCache redis addr is required")
	}
	if cfg.StatusEvents.Enabled && len(cfg.StatusEvents.Brokers) == 0 {
		return nil, fmt.Errorf("statusEvents brokers are required")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(envJudgeToken)); v != "" {
		cfg.Auth.JudgeToken = v
	}
	if v := strings.TrimSpace(os.Getenv(envJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (j JobsConfig) commands() (service.Commands, error) {
	gen, err := executor.ParseCommand(j.GenerateCommand)
	if err != nil {
		return service.Commands{}, fmt.Errorf("generateCommand: %w", err)
	}
	test, err := executor.ParseCommand(j.TestCommand)
	if err != nil {
		return service.Commands{}, fmt.Errorf("testCommand: %w", err)
	}
	return service.Commands{Generate: gen, Test: test}, nil
}

func (s StatusEventsConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      s.Brokers,
		ClientID:     s.ClientID,
		RequiredAcks: kafka.RequiredAcks(s.RequiredAcks),
		BatchSize:    s.BatchSize,
		BatchTimeout: s.BatchTimeout,
		WriteTimeout: s.WriteTimeout,
	}
}
