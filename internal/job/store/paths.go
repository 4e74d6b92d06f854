// Package store keeps every job as a directory tree under one root, with
// state.json as the only source of truth for progress.
package store

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	appErr "autojudge/pkg/errors"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Paths resolves the on-disk layout of a job:
//
//	<root>/<job_id>/state.json
//	<root>/<job_id>/input/job.json
//	<root>/<job_id>/input/tests/**
//	<root>/<job_id>/output/{main.cpp,solution.json,report.json}
//	<root>/<job_id>/output/artifacts/attempt_N/**
//	<root>/<job_id>/logs/{terminal.log,agent_status.jsonl,judge.lock}
type Paths struct {
	Root string
}

// ValidateJobID rejects ids that could escape the root.
func ValidateJobID(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return appErr.ValidationError("job_id", "invalid")
	}
	return nil
}

func (p Paths) JobDir(jobID string) string    { return filepath.Join(p.Root, jobID) }
func (p Paths) StatePath(jobID string) string { return filepath.Join(p.JobDir(jobID), "state.json") }
func (p Paths) InputDir(jobID string) string  { return filepath.Join(p.JobDir(jobID), "input") }
func (p Paths) JobSpec(jobID string) string   { return filepath.Join(p.InputDir(jobID), "job.json") }
func (p Paths) TestsDir(jobID string) string  { return filepath.Join(p.InputDir(jobID), "tests") }
func (p Paths) OutputDir(jobID string) string { return filepath.Join(p.JobDir(jobID), "output") }
func (p Paths) MainCPP(jobID string) string   { return filepath.Join(p.OutputDir(jobID), "main.cpp") }
func (p Paths) SolutionJSON(jobID string) string {
	return filepath.Join(p.OutputDir(jobID), "solution.json")
}
func (p Paths) ReportJSON(jobID string) string { return filepath.Join(p.OutputDir(jobID), "report.json") }
func (p Paths) ArtifactsDir(jobID string) string {
	return filepath.Join(p.OutputDir(jobID), "artifacts")
}

// AttemptDir is output/artifacts/attempt_N.
func (p Paths) AttemptDir(jobID string, attempt int) string {
	return filepath.Join(p.ArtifactsDir(jobID), fmt.Sprintf("attempt_%d", attempt))
}

func (p Paths) AttemptUsage(jobID string, attempt int) string {
	return filepath.Join(p.AttemptDir(jobID, attempt), "usage.json")
}

func (p Paths) AttemptReport(jobID string, attempt int) string {
	return filepath.Join(p.AttemptDir(jobID, attempt), "test_output", "report.json")
}

func (p Paths) RepairContext(jobID string, attempt int) string {
	return filepath.Join(p.AttemptDir(jobID, attempt), "repair_context.json")
}

func (p Paths) LogsDir(jobID string) string     { return filepath.Join(p.JobDir(jobID), "logs") }
func (p Paths) TerminalLog(jobID string) string { return filepath.Join(p.LogsDir(jobID), "terminal.log") }
func (p Paths) AgentStatusLog(jobID string) string {
	return filepath.Join(p.LogsDir(jobID), "agent_status.jsonl")
}
func (p Paths) LockPath(jobID string) string    { return filepath.Join(p.LogsDir(jobID), "judge.lock") }
func (p Paths) UsageLedger(jobID string) string { return filepath.Join(p.LogsDir(jobID), "usage.jsonl") }

// LogKind selects one of the append-only job logs.
type LogKind string

const (
	LogTerminal    LogKind = "terminal"
	LogAgentStatus LogKind = "agent_status"
)

// LogPath returns the file backing kind.
func (p Paths) LogPath(jobID string, kind LogKind) (string, error) {
	switch kind {
	case LogTerminal:
		return p.TerminalLog(jobID), nil
	case LogAgentStatus:
		return p.AgentStatusLog(jobID), nil
	default:
		return "", appErr.ValidationError("log", "unknown kind")
	}
}

// safeJoin joins a caller supplied relative path under basePath.
func safeJoin(basePath, relPath string) (string, error) {
	if relPath == "" {
		return "", appErr.ValidationError("path", "required")
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.New(appErr.InvalidParams).WithMessage("invalid relative path")
	}
	full := filepath.Join(basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", appErr.New(appErr.InvalidParams).WithMessage("path traversal detected")
	}
	return full, nil
}
