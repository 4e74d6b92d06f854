package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
}

func readConfig(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s failed: %v", path, err)
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse %s failed: %v", path, err)
	}
	return out
}

func TestRunSharesJudgeToken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control_plane.yaml"), "auth:\n  jwtSecret: base\njobs:\n  root: /tmp/jobs\n  mode: embedded\n")
	writeFile(t, filepath.Join(dir, "judge_worker.yaml"), "server:\n  url: ws://old/rpc\nworkRoot: /tmp/w\n")
	writeFile(t, filepath.Join(dir, "profile.yaml"), `outputDir: out
shared:
  jwtSecret: dev-secret
  rpcURL: ws://127.0.0.1:8080/rpc
services:
  control-plane:
    base: control_plane.yaml
    overrides:
      jobs:
        mode: independent
  judge-worker:
    base: judge_worker.yaml
`)

	if err := run(filepath.Join(dir, "profile.yaml"), ""); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	cp := readConfig(t, filepath.Join(dir, "out", "control_plane.yaml"))
	jw := readConfig(t, filepath.Join(dir, "out", "judge_worker.yaml"))

	auth := cp["auth"].(map[string]interface{})
	jobs := cp["jobs"].(map[string]interface{})
	server := jw["server"].(map[string]interface{})
	if auth["jwtSecret"] != "dev-secret" {
		t.Fatalf("shared jwt secret not applied: %v", auth)
	}
	if jobs["mode"] != "independent" || jobs["root"] != "/tmp/jobs" {
		t.Fatalf("override not merged: %v", jobs)
	}
	token, _ := auth["judgeToken"].(string)
	if token == "" || server["token"] != token {
		t.Fatalf("judge token not shared: %q vs %v", token, server["token"])
	}
	if server["url"] != "ws://127.0.0.1:8080/rpc" {
		t.Fatalf("rpc url not applied: %v", server)
	}
}

func TestRunRejectsMissingBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "profile.yaml"), "outputDir: out\nservices:\n  judge-worker: {}\n")
	if err := run(filepath.Join(dir, "profile.yaml"), ""); err == nil {
		t.Fatal("expected an error for a service without base config")
	}
}

func TestMergeMapReplacesScalarsAndMergesMaps(t *testing.T) {
	base := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": []interface{}{1, 2},
	}
	merged := mergeMap(base, map[string]interface{}{
		"a": map[string]interface{}{"y": 3},
		"b": []interface{}{9},
	})
	a := merged["a"].(map[string]interface{})
	if a["x"] != 1 || a["y"] != 3 {
		t.Fatalf("nested merge wrong: %v", a)
	}
	if b := merged["b"].([]interface{}); len(b) != 1 || b[0] != 9 {
		t.Fatalf("list must be replaced: %v", b)
	}
	if base["a"].(map[string]interface{})["y"] != 2 {
		t.Fatal("base must not be mutated")
	}
}
