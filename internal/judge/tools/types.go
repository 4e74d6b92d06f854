package tools

import (
	"encoding/base64"

	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
)

// Judge tool names.
const (
	MethodClaimNext         = "claim_next"
	MethodReleaseClaim      = "release_claim"
	MethodGetState          = "job.get_state"
	MethodInputList         = "input.list"
	MethodInputReadChunk    = "input.read_chunk"
	MethodPatchState        = "job.patch_state"
	MethodAppendTerminal    = "job.append_terminal"
	MethodAppendAgentStatus = "job.append_agent_status"
	MethodPutArtifacts      = "job.put_artifacts"
	MethodPrepareGenerate   = "prepare_generate"
	MethodUsageIngest       = "usage.ingest"
)

// User tool names.
const (
	MethodJobsGet    = "jobs.get"
	MethodJobsStart  = "jobs.start"
	MethodJobsCancel = "jobs.cancel"
)

type ClaimNextParams struct {
	MachineID string `json:"machine_id"`
}

// ClaimNextResult carries a nil claim when nothing is queued.
type ClaimNextResult struct {
	Claim *model.Claim `json:"claim"`
}

// ClaimRef identifies the claim a judge call is made under.
type ClaimRef struct {
	JobID   string `json:"job_id"`
	ClaimID string `json:"claim_id"`
}

type ReleaseResult struct {
	Released bool `json:"released"`
}

type InputListResult struct {
	Files []store.InputFile `json:"files"`
}

type ReadChunkParams struct {
	ClaimRef
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	MaxBytes int    `json:"max_bytes"`
}

type ReadChunkResult struct {
	DataB64    string `json:"data_b64"`
	NextOffset int64  `json:"next_offset"`
	EOF        bool   `json:"eof"`
}

type PatchStateParams struct {
	ClaimRef
	Patch map[string]any `json:"patch"`
}

type AppendLogParams struct {
	ClaimRef
	Offset  int64  `json:"offset"`
	DataB64 string `json:"data_b64"`
}

type AppendLogResult struct {
	Offset    int64 `json:"offset"`
	Truncated bool  `json:"truncated"`
}

// PutArtifactsParams carries base64 file contents. A nil field is an absent
// file; a pointer to "" is an empty one.
type PutArtifactsParams struct {
	ClaimRef
	MainCPPB64      *string `json:"main_cpp_b64,omitempty"`
	SolutionJSONB64 *string `json:"solution_json_b64,omitempty"`
	ReportJSONB64   *string `json:"report_json_b64,omitempty"`
}

// EncodeArtifact is the PutArtifactsParams form of a file read with
// store.ReadOutputs.
func EncodeArtifact(data []byte) *string {
	if data == nil {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(data)
	return &s
}

type PrepareGenerateResult struct {
	BundleB64 string `json:"bundle_b64"`
}

type UsageIngestParams struct {
	ClaimRef
	Attempt int               `json:"attempt"`
	Record  model.UsageRecord `json:"record"`
}

type UsageIngestResult struct {
	Stored bool `json:"stored"`
}

type JobParams struct {
	JobID string `json:"job_id"`
}
