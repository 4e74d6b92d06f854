package model

// TestReport is the structured report written by the test collaborator.
// Only Status drives the attempt loop; the rest is carried along.
type TestReport struct {
	Status  string         `json:"status"`
	Compile map[string]any `json:"compile,omitempty"`
	Summary map[string]any `json:"summary,omitempty"`
	Tests   []any          `json:"tests,omitempty"`
}

// ReportSucceeded is the report status that finishes a job successfully.
const ReportSucceeded = "succeeded"

// TokenUsage is the token accounting of one generate run.
type TokenUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	CachedInputTokens  int64 `json:"cached_input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	CachedOutputTokens int64 `json:"cached_output_tokens"`
}

// UsageRecord is the attempt_N/usage.json document.
type UsageRecord struct {
	CodexThreadID string     `json:"codex_thread_id"`
	Model         string     `json:"model"`
	Usage         TokenUsage `json:"usage"`
}

// Pricing is a per-million-token price snapshot in micro currency units.
type Pricing struct {
	Model               string `json:"model" yaml:"model"`
	InputPerMTok        int64  `json:"input_per_mtok" yaml:"inputPerMTok"`
	CachedInputPerMTok  int64  `json:"cached_input_per_mtok" yaml:"cachedInputPerMTok"`
	OutputPerMTok       int64  `json:"output_per_mtok" yaml:"outputPerMTok"`
	CachedOutputPerMTok int64  `json:"cached_output_per_mtok" yaml:"cachedOutputPerMTok"`
}

// CostMicros returns the cost of usage under p.
func (p Pricing) CostMicros(u TokenUsage) int64 {
	total := u.InputTokens*p.InputPerMTok +
		u.CachedInputTokens*p.CachedInputPerMTok +
		u.OutputTokens*p.OutputPerMTok +
		u.CachedOutputTokens*p.CachedOutputPerMTok
	return total / 1_000_000
}

// UsageEntry is one persisted usage ledger row.
type UsageEntry struct {
	JobID      string      `json:"job_id"`
	Attempt    int         `json:"attempt"`
	OwnerID    string      `json:"owner_id"`
	Record     UsageRecord `json:"record"`
	Pricing    Pricing     `json:"pricing"`
	CostMicros int64       `json:"cost_micros"`
	CreatedAt  int64       `json:"created_at"`
}

// AgentEvent is one line of logs/agent_status.jsonl.
type AgentEvent struct {
	Timestamp int64  `json:"ts"`
	Event     string `json:"event"`
	Stage     Stage  `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
