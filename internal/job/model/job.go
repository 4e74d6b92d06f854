// Package model defines the persisted job records shared by the control
// plane and judge workers.
package model

import "strings"

// Limits are the resource limits applied to the compiled solution.
type Limits struct {
	TimeLimitMs   int64 `json:"time_limit_ms"`
	MemoryLimitMB int64 `json:"memory_limit_mb"`
}

// Job is the immutable job definition stored at input/job.json.
type Job struct {
	JobID           string `json:"job_id"`
	OwnerID         string `json:"owner_id"`
	Model           string `json:"model"`
	Channel         string `json:"channel"`
	Statement       string `json:"statement"`
	SeedCode        string `json:"seed_code,omitempty"`
	Limits          Limits `json:"limits"`
	CompareMode     string `json:"compare_mode"`
	SearchMode      string `json:"search_mode"`
	ReasoningEffort string `json:"reasoning_effort"`
	MaxRetries      int    `json:"max_retries"`
	CreatedAt       int64  `json:"created_at"`
}

const (
	CompareExact      = "exact"
	CompareTokens     = "tokens"
	CompareFloat      = "float"
	SearchDisabled    = "disabled"
	SearchCached      = "cached"
	SearchLive        = "live"
	EffortLow         = "low"
	EffortMedium      = "medium"
	EffortHigh        = "high"
	DefaultMaxRetries = 2
	MaxRetriesCeiling = 10
)

// Normalize fills defaults and reports the first invalid field.
func (j *Job) Normalize() (field string, ok bool) {
	j.Statement = strings.TrimSpace(j.Statement)
	if j.Statement == "" {
		return "statement", false
	}
	if j.CompareMode == "" {
		j.CompareMode = CompareTokens
	}
	switch j.CompareMode {
	case CompareExact, CompareTokens, CompareFloat:
	default:
		return "compare_mode", false
	}
	if j.SearchMode == "" {
		j.SearchMode = SearchDisabled
	}
	switch j.SearchMode {
	case SearchDisabled, SearchCached, SearchLive:
	default:
		return "search_mode", false
	}
	if j.ReasoningEffort == "" {
		j.ReasoningEffort = EffortMedium
	}
	switch j.ReasoningEffort {
	case EffortLow, EffortMedium, EffortHigh:
	default:
		return "reasoning_effort", false
	}
	if j.MaxRetries < 0 || j.MaxRetries > MaxRetriesCeiling {
		return "max_retries", false
	}
	if j.Limits.TimeLimitMs < 0 || j.Limits.MemoryLimitMB < 0 {
		return "limits", false
	}
	return "", true
}

// TotalAttempts is the number of generate+test cycles the job may run.
func (j Job) TotalAttempts() int {
	return 1 + j.MaxRetries
}
