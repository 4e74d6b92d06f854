// Command configgen renders the control plane and judge worker configs from
// one profile so both sides share the judge token and endpoint.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	serviceControlPlane = "control-plane"
	serviceJudgeWorker  = "judge-worker"
)

type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Shared    SharedProfile             `yaml:"shared"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

// SharedProfile holds the values both binaries must agree on.
type SharedProfile struct {
	JWTSecret  string `yaml:"jwtSecret"`
	JWTIssuer  string `yaml:"jwtIssuer"`
	JudgeToken string `yaml:"judgeToken"`
	RPCURL     string `yaml:"rpcURL"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	if err := run(*profilePath, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, outputDir string) error {
	profilePath, err := filepath.Abs(profilePath)
	if err != nil {
		return fmt.Errorf("resolve profile path: %w", err)
	}
	profile, err := loadProfile(profilePath)
	if err != nil {
		return err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePath)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	if profile.Shared.JudgeToken == "" {
		if profile.Shared.JudgeToken, err = randomToken(); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := profile.Services[name]
		if svc.Base == "" {
			return fmt.Errorf("service %q missing base config", name)
		}
		if !filepath.IsAbs(svc.Base) {
			svc.Base = filepath.Join(profileDir, svc.Base)
		}
		rendered, err := render(profile.Shared, name, svc)
		if err != nil {
			return fmt.Errorf("render %q: %w", name, err)
		}
		if err := writeYAML(resolveOutputPath(profile.OutputDir, svc), rendered); err != nil {
			return fmt.Errorf("write %q: %w", name, err)
		}
	}
	return nil
}

func render(shared SharedProfile, name string, svc ServiceProfile) (map[string]interface{}, error) {
	base, err := loadYAML(svc.Base)
	if err != nil {
		return nil, err
	}
	root, ok := normalizeValue(base).(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	if len(svc.Overrides) > 0 {
		override, _ := normalizeValue(svc.Overrides).(map[string]interface{})
		root = mergeMap(root, override)
	}
	applyShared(shared, name, root)
	return root, nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return value, nil
}

// writeYAML writes with 0600; the output carries the judge token.
func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveOutputPath(outputDir string, svc ServiceProfile) string {
	output := svc.Output
	if output == "" {
		output = filepath.Base(svc.Base)
	}
	if filepath.IsAbs(output) {
		return output
	}
	return filepath.Join(outputDir, output)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}

// mergeMap overlays override onto base. Nested maps merge, everything else
// is replaced.
func mergeMap(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		baseChild, baseIsMap := merged[k].(map[string]interface{})
		overrideChild, overrideIsMap := v.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			merged[k] = mergeMap(baseChild, overrideChild)
			continue
		}
		merged[k] = v
	}
	return merged
}

func applyShared(shared SharedProfile, name string, root map[string]interface{}) {
	switch name {
	case serviceControlPlane:
		auth := section(root, "auth")
		setIf(auth, "jwtSecret", shared.JWTSecret)
		setIf(auth, "jwtIssuer", shared.JWTIssuer)
		setIf(auth, "judgeToken", shared.JudgeToken)
	case serviceJudgeWorker:
		server := section(root, "server")
		setIf(server, "token", shared.JudgeToken)
		setIf(server, "url", shared.RPCURL)
	}
}

func section(root map[string]interface{}, key string) map[string]interface{} {
	child, ok := root[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		root[key] = child
	}
	return child
}

func setIf(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate judge token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
