// Package account resolves upstream channels, pricing and per-user
// generator overrides from configuration. The core only reads from it.
package account

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Channel is one upstream LLM endpoint.
type Channel struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"baseURL"`
	APIKey     string `yaml:"apiKey"`
	APIKeyEnv  string `yaml:"apiKeyEnv"`
	ModelsPath string `yaml:"modelsPath"`
	Disabled   bool   `yaml:"disabled"`
}

// Config is the account block of the control plane config.
type Config struct {
	DefaultChannel string            `yaml:"defaultChannel"`
	Channels       []Channel         `yaml:"channels"`
	Pricing        []model.Pricing   `yaml:"pricing"`
	Defaults       string            `yaml:"defaults"`
	UserOverrides  map[string]string `yaml:"userOverrides"`
	OverridesDir   string            `yaml:"overridesDir"`
}

// UpstreamTarget is where a generate run talks to.
type UpstreamTarget struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	ModelsPath string `json:"models_path"`
}

// Service answers account queries.
type Service struct {
	cfg      Config
	channels map[string]Channel
	pricing  map[string]model.Pricing
	getenv   func(string) string
}

// NewService validates cfg.
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		channels: make(map[string]Channel, len(cfg.Channels)),
		pricing:  make(map[string]model.Pricing, len(cfg.Pricing)),
		getenv:   os.Getenv,
	}
	for _, ch := range cfg.Channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("channel name is required")
		}
		if _, dup := s.channels[ch.Name]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch.Name)
		}
		s.channels[ch.Name] = ch
	}
	for _, p := range cfg.Pricing {
		s.pricing[p.Model] = p
	}
	if cfg.Defaults != "" {
		var probe map[string]any
		if err := yaml.Unmarshal([]byte(cfg.Defaults), &probe); err != nil {
			return nil, fmt.Errorf("parse generator defaults: %w", err)
		}
	}
	return s, nil
}

// ResolveUpstreamTarget returns the endpoint and credentials of channel. An
// empty channel selects the default.
func (s *Service) ResolveUpstreamTarget(channel string) (UpstreamTarget, error) {
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}
	ch, ok := s.channels[channel]
	if !ok {
		return UpstreamTarget{}, appErr.New(appErr.ChannelUnknown).WithDetail("channel", channel)
	}
	if ch.Disabled {
		return UpstreamTarget{}, appErr.New(appErr.ChannelDisabled).WithDetail("channel", channel)
	}
	if ch.BaseURL == "" {
		return UpstreamTarget{}, appErr.New(appErr.ChannelMissingURL).WithDetail("channel", channel)
	}
	key := ch.APIKey
	if key == "" && ch.APIKeyEnv != "" {
		key = s.getenv(ch.APIKeyEnv)
	}
	if key == "" {
		return UpstreamTarget{}, appErr.New(appErr.ChannelMissingKey).WithDetail("channel", channel)
	}
	modelsPath := ch.ModelsPath
	if modelsPath == "" {
		modelsPath = "/v1/models"
	}
	return UpstreamTarget{
		BaseURL:    strings.TrimRight(ch.BaseURL, "/"),
		APIKey:     key,
		ModelsPath: modelsPath,
	}, nil
}

// GetUserOverrides returns the raw override text of a user, empty if none.
func (s *Service) GetUserOverrides(userID string) (string, error) {
	if text, ok := s.cfg.UserOverrides[userID]; ok {
		return text, nil
	}
	if s.cfg.OverridesDir == "" || userID == "" || strings.ContainsAny(userID, `/\`) || userID == ".." {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.OverridesDir, userID+".yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "read user overrides failed")
	}
	return string(data), nil
}

// EffectiveConfig merges the user's overrides over the defaults and
// renders the result as YAML.
func (s *Service) EffectiveConfig(userID string) (string, error) {
	base := map[string]any{}
	if s.cfg.Defaults != "" {
		if err := yaml.Unmarshal([]byte(s.cfg.Defaults), &base); err != nil {
			return "", appErr.Wrapf(err, appErr.InternalServerError, "parse generator defaults failed")
		}
	}
	text, err := s.GetUserOverrides(userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		var overrides map[string]any
		if err := yaml.Unmarshal([]byte(text), &overrides); err != nil {
			return "", appErr.Wrapf(err, appErr.InvalidFormat, "user overrides are not valid yaml")
		}
		mergeMaps(base, overrides)
	}
	if len(base) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(base); err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "render effective config failed")
	}
	_ = enc.Close()
	return buf.String(), nil
}

// PricingFor returns the price snapshot of a model; unknown models cost 0.
func (s *Service) PricingFor(modelName string) model.Pricing {
	if p, ok := s.pricing[modelName]; ok {
		return p
	}
	return model.Pricing{Model: modelName}
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			mergeMaps(dm, sm)
			continue
		}
		dst[k] = v
	}
}
