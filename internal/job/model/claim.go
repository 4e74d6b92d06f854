package model

// ClaimLock is the content of logs/judge.lock while a worker owns the job.
type ClaimLock struct {
	MachineID string `json:"machine_id"`
	ClaimID   string `json:"claim_id"`
	ClaimedAt int64  `json:"claimed_at"`
}

// Claim is handed to the worker that won a claim.
type Claim struct {
	JobID    string `json:"job_id"`
	OwnerID  string `json:"owner_id"`
	LockPath string `json:"lock_path"`
	ClaimID  string `json:"claim_id"`
}
