package model

// Status is the lifecycle state of a job.
type Status string

const (
	StatusCreated         Status = "created"
	StatusQueued          Status = "queued"
	StatusRunningGenerate Status = "running_generate"
	StatusRunningTest     Status = "running_test"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Running reports whether a stage is executing.
func (s Status) Running() bool {
	return s == StatusRunningGenerate || s == StatusRunningTest
}

// Active reports whether the job was started and has not finished.
func (s Status) Active() bool {
	return s == StatusQueued || s.Running()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusRunningGenerate, StatusRunningTest,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage names one executor invocation within an attempt.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageTest     Stage = "test"
)

// Execution modes.
const (
	ModeEmbedded    = "embedded"
	ModeIndependent = "independent"
)

// ContainerState records one stage execution.
type ContainerState struct {
	ID       string `json:"id"`
	Executor string `json:"executor"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code"`
	Attempt  int    `json:"attempt"`
}

// Artifacts flags which promoted outputs exist.
type Artifacts struct {
	MainCPP      bool `json:"main_cpp"`
	SolutionJSON bool `json:"solution_json"`
	ReportJSON   bool `json:"report_json"`
}

// JobError is the stable failure description of a terminal job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JudgeRecord identifies the worker currently holding the job.
type JudgeRecord struct {
	MachineID string `json:"machine_id"`
	ClaimID   string `json:"claim_id"`
	ClaimedAt int64  `json:"claimed_at"`
}

// JobState is the single source of truth for job progress (state.json).
type JobState struct {
	JobID      string                    `json:"job_id"`
	OwnerID    string                    `json:"owner_id"`
	Mode       string                    `json:"mode"`
	Status     Status                    `json:"status"`
	Attempt    int                       `json:"attempt"`
	CreatedAt  int64                     `json:"created_at"`
	StartedAt  int64                     `json:"started_at,omitempty"`
	FinishedAt int64                     `json:"finished_at,omitempty"`
	UpdatedAt  int64                     `json:"updated_at"`
	ExpiresAt  int64                     `json:"expires_at,omitempty"`
	Containers map[Stage]*ContainerState `json:"containers"`
	Artifacts  Artifacts                 `json:"artifacts"`
	Error      *JobError                 `json:"error"`
	Judge      *JudgeRecord              `json:"judge,omitempty"`
	Requeues   int                       `json:"requeues,omitempty"`
}

// NewJobState returns the initial state of a freshly created job.
func NewJobState(job Job, mode string) JobState {
	return JobState{
		JobID:      job.JobID,
		OwnerID:    job.OwnerID,
		Mode:       mode,
		Status:     StatusCreated,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.CreatedAt,
		Containers: map[Stage]*ContainerState{},
	}
}

// Container returns the record for stage, creating it if needed.
func (s *JobState) Container(stage Stage) *ContainerState {
	if s.Containers == nil {
		s.Containers = map[Stage]*ContainerState{}
	}
	c, ok := s.Containers[stage]
	if !ok || c == nil {
		c = &ContainerState{}
		s.Containers[stage] = c
	}
	return c
}

// ExitCode returns the recorded exit code of stage, or nil.
func (s JobState) ExitCode(stage Stage) *int {
	if c, ok := s.Containers[stage]; ok && c != nil {
		return c.ExitCode
	}
	return nil
}

// Clone returns a deep copy.
func (s JobState) Clone() JobState {
	out := s
	if s.Containers != nil {
		out.Containers = make(map[Stage]*ContainerState, len(s.Containers))
		for k, v := range s.Containers {
			if v == nil {
				continue
			}
			c := *v
			if v.ExitCode != nil {
				code := *v.ExitCode
				c.ExitCode = &code
			}
			out.Containers[k] = &c
		}
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Judge != nil {
		j := *s.Judge
		out.Judge = &j
	}
	return out
}
