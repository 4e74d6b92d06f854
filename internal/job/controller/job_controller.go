package controller

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"autojudge/internal/common/http/middleware"
	"autojudge/internal/job/model"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultLogChunk = 64 << 10
	maxLogChunk     = 1 << 20
)

// StateReader returns the current state of a job.
type StateReader interface {
	Get(ctx context.Context, jobID string) (model.JobState, error)
}

// JobController handles job HTTP endpoints.
type JobController struct {
	manager *service.Manager
	states  StateReader
}

// NewJobController creates a new controller. Reads go through states when
// set, otherwise straight to the manager.
func NewJobController(manager *service.Manager, states StateReader) *JobController {
	if states == nil {
		states = manager
	}
	return &JobController{manager: manager, states: states}
}

// Register mounts the job endpoints on api, which must already carry the
// user auth middleware.
func (h *JobController) Register(api gin.IRoutes) {
	api.POST("", h.Create)
	api.GET("/:id", h.Get)
	api.POST("/:id/start", h.Start)
	api.POST("/:id/cancel", h.Cancel)
	api.GET("/:id/logs/:kind", h.Logs)
}

// Create stores a new job owned by the caller.
func (h *JobController) Create(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	tests := make([]store.InputData, 0, len(req.Tests))
	for _, tf := range req.Tests {
		data, err := base64.StdEncoding.DecodeString(tf.DataB64)
		if err != nil {
			response.Error(c, appErr.ValidationError("tests", "data_b64 of "+tf.Path+" is not base64"))
			return
		}
		tests = append(tests, store.InputData{Path: strings.TrimPrefix(tf.Path, "/"), Data: data})
	}
	maxRetries := model.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	ctx := c.Request.Context()
	state, err := h.manager.Create(ctx, model.Job{
		OwnerID:         middleware.UserID(c),
		Model:           req.Model,
		Channel:         req.Channel,
		Statement:       req.Statement,
		SeedCode:        req.SeedCode,
		Limits:          req.Limits,
		CompareMode:     req.CompareMode,
		SearchMode:      req.SearchMode,
		ReasoningEffort: req.ReasoningEffort,
		MaxRetries:      maxRetries,
	}, tests)
	if err != nil {
		response.Error(c, err)
		return
	}
	if req.Start {
		state, err = h.manager.Start(ctx, state.JobID)
		if err != nil {
			response.Error(c, err)
			return
		}
	}
	response.Success(c, state)
}

// Get returns the state of one job.
func (h *JobController) Get(c *gin.Context) {
	state, ok := h.owned(c)
	if !ok {
		return
	}
	response.Success(c, state)
}

// Start queues or dispatches a created job.
func (h *JobController) Start(c *gin.Context) {
	state, ok := h.owned(c)
	if !ok {
		return
	}
	state, err := h.manager.Start(c.Request.Context(), state.JobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, state)
}

// Cancel stops a job.
func (h *JobController) Cancel(c *gin.Context) {
	state, ok := h.owned(c)
	if !ok {
		return
	}
	state, err := h.manager.Cancel(c.Request.Context(), state.JobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, state)
}

// Logs returns the bytes of a job log from offset and the offset to poll
// from next.
func (h *JobController) Logs(c *gin.Context) {
	state, ok := h.owned(c)
	if !ok {
		return
	}
	kind := store.LogKind(c.Param("kind"))
	if kind != store.LogTerminal && kind != store.LogAgentStatus {
		response.BadRequest(c, "Invalid log kind")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		response.BadRequest(c, "Invalid offset")
		return
	}
	limit, err := queryInt(c, "limit", defaultLogChunk)
	if err != nil || limit <= 0 {
		response.BadRequest(c, "Invalid limit")
		return
	}
	if limit > maxLogChunk {
		limit = maxLogChunk
	}
	data, next, err := h.manager.Store().ReadLog(state.JobID, kind, offset, int(limit))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, LogChunkResponse{
		JobID:      state.JobID,
		Kind:       string(kind),
		Offset:     offset,
		NextOffset: next,
		DataB64:    base64.StdEncoding.EncodeToString(data),
		Finished:   state.Status.Terminal(),
	})
}

// owned loads the job and writes the error response when the caller may
// not see it.
func (h *JobController) owned(c *gin.Context) (model.JobState, bool) {
	jobID := c.Param("id")
	if err := store.ValidateJobID(jobID); err != nil {
		response.BadRequest(c, "Invalid job id")
		return model.JobState{}, false
	}
	state, err := h.states.Get(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return model.JobState{}, false
	}
	if state.OwnerID != middleware.UserID(c) {
		response.ErrorWithCode(c, appErr.Forbidden, "job belongs to another user")
		return model.JobState{}, false
	}
	return state, true
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// CreateJobRequest defines the job creation payload.
type CreateJobRequest struct {
	Statement       string       `json:"statement" binding:"required"`
	SeedCode        string       `json:"seed_code"`
	Model           string       `json:"model"`
	Channel         string       `json:"channel"`
	Limits          model.Limits `json:"limits"`
	CompareMode     string       `json:"compare_mode"`
	SearchMode      string       `json:"search_mode"`
	ReasoningEffort string       `json:"reasoning_effort"`
	MaxRetries      *int         `json:"max_retries"`
	Tests           []TestFile   `json:"tests"`
	Start           bool         `json:"start"`
}

// TestFile is one test input, relative to input/tests.
type TestFile struct {
	Path    string `json:"path" binding:"required"`
	DataB64 string `json:"data_b64"`
}

// LogChunkResponse defines the log polling response payload.
type LogChunkResponse struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	DataB64    string `json:"data_b64"`
	Finished   bool   `json:"finished"`
}
