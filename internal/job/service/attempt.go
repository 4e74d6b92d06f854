package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/provider"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Prompt modes passed to the generate stage.
const (
	PromptGenerate = "generate"
	PromptRepair   = "repair"
)

// containerJobDir is where the container executor mounts the job directory.
const containerJobDir = "/job"

// repairContext is written before every repair attempt.
type repairContext struct {
	PreviousAttempt int              `json:"previous_attempt"`
	ReportStatus    string           `json:"report_status"`
	Compile         map[string]any   `json:"compile,omitempty"`
	Summary         map[string]any   `json:"summary,omitempty"`
	Report          model.TestReport `json:"report"`
}

// Run executes the attempt loop of a started job and records the terminal
// state. It is safe to call for a job that was cancelled meanwhile.
func (m *Manager) Run(ctx context.Context, jobID string) Outcome {
	ctx = logger.WithJob(ctx, jobID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.register(jobID, cancel)
	defer m.unregister(jobID)

	job, err := m.store.LoadJob(jobID)
	if err != nil {
		return m.fail(ctx, jobID, err)
	}

	var (
		bundle     provider.GenerateBundle
		lastReport *model.TestReport
		total      = job.TotalAttempts()
	)
	for attempt := 1; attempt <= total; attempt++ {
		if out, stop := m.checkStop(runCtx, jobID); stop {
			return out
		}
		promptMode := PromptGenerate
		if attempt > 1 {
			promptMode = PromptRepair
		}

		if _, err := m.store.UpdateState(runCtx, jobID, func(st *model.JobState) error {
			st.Status = model.StatusRunningGenerate
			st.Attempt = attempt
			st.Error = nil
			delete(st.Containers, model.StageTest)
			*st.Container(model.StageGenerate) = model.ContainerState{Attempt: attempt}
			return nil
		}); err != nil {
			return m.fail(ctx, jobID, err)
		}
		m.event(runCtx, jobID, model.AgentEvent{Event: "stage_started", Stage: model.StageGenerate, Attempt: attempt, Detail: promptMode})

		bundle, err = m.bundles.GenerateBundle(runCtx, job)
		if err != nil {
			if out, stop := m.checkStop(runCtx, jobID); stop {
				return out
			}
			return m.fail(ctx, jobID, err)
		}
		secrets := bundle.Secrets()

		env, err := m.generateEnv(job, attempt, promptMode, bundle, lastReport)
		if err != nil {
			return m.fail(ctx, jobID, err)
		}
		code, err := m.runStage(runCtx, job, model.StageGenerate, attempt, m.commands.Generate, env, secrets)
		if out, stop := m.checkStop(runCtx, jobID); stop {
			return out
		}
		if err != nil {
			return m.fail(ctx, jobID, appErr.Wrapf(err, appErr.GenerateFailed, "generate stage error: %v", err))
		}
		if code != 0 {
			return m.fail(ctx, jobID, appErr.Newf(appErr.GenerateFailed, "generate stage exited with code %d", code))
		}

		leaked, err := m.scanForSecrets(jobID, attempt, secrets)
		if err != nil {
			return m.fail(ctx, jobID, err)
		}
		if len(leaked) > 0 {
			logger.Warn(runCtx, "upstream secret found in generated artifacts", zap.Strings("files", leaked))
			_, _ = m.store.RefreshArtifacts(ctx, jobID)
			return m.fail(ctx, jobID, appErr.New(appErr.SecretLeakDetected).
				WithMessagef("upstream secret found in %d generated file(s); redacted", len(leaked)).
				WithDetail("files", leaked))
		}
		state, err := m.store.RefreshArtifacts(runCtx, jobID)
		if err != nil {
			return m.fail(ctx, jobID, err)
		}
		if !state.Artifacts.MainCPP {
			return m.fail(ctx, jobID, appErr.New(appErr.ArtifactMissing).WithMessage("generate stage produced no main.cpp"))
		}
		m.reportUsage(runCtx, job, attempt)

		if _, err := m.store.UpdateState(runCtx, jobID, func(st *model.JobState) error {
			st.Status = model.StatusRunningTest
			*st.Container(model.StageTest) = model.ContainerState{Attempt: attempt}
			return nil
		}); err != nil {
			return m.fail(ctx, jobID, err)
		}
		m.event(runCtx, jobID, model.AgentEvent{Event: "stage_started", Stage: model.StageTest, Attempt: attempt})

		code, err = m.runStage(runCtx, job, model.StageTest, attempt, m.commands.Test, m.testEnv(job, attempt), secrets)
		if out, stop := m.checkStop(runCtx, jobID); stop {
			return out
		}
		if err != nil {
			return m.fail(ctx, jobID, appErr.Wrapf(err, appErr.TestFailed, "test stage error: %v", err))
		}
		report, err := m.store.PromoteReport(jobID, attempt)
		if err != nil {
			if code != 0 && appErr.Is(err, appErr.ArtifactMissing) {
				return m.fail(ctx, jobID, appErr.Newf(appErr.TestFailed, "test stage exited with code %d and wrote no report", code))
			}
			return m.fail(ctx, jobID, err)
		}
		if _, err := m.store.RefreshArtifacts(runCtx, jobID); err != nil {
			return m.fail(ctx, jobID, err)
		}
		m.event(runCtx, jobID, model.AgentEvent{Event: "test_report", Stage: model.StageTest, Attempt: attempt, Detail: report.Status})

		if report.Status == model.ReportSucceeded {
			return m.succeed(ctx, jobID, attempt)
		}
		lastReport = &report
		if attempt < total {
			m.notice(jobID, secrets, "attempt %d/%d: test report status %q, retrying with repair prompt", attempt, total, report.Status)
			m.event(runCtx, jobID, model.AgentEvent{Event: "retry", Attempt: attempt + 1, Detail: report.Status})
		}
	}

	status := ""
	if lastReport != nil {
		status = lastReport.Status
	}
	return m.fail(ctx, jobID, appErr.Newf(appErr.RetriesExhausted, "all %d attempts failed; last test report status %q", total, status))
}

func (m *Manager) runStage(ctx context.Context, job model.Job, stage model.Stage, attempt int, command []string, env map[string]string, secrets []string) (int, error) {
	stageCtx := ctx
	if m.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, m.stageTimeout)
		defer cancel()
	}
	paths := m.store.Paths()
	spec := executor.RunSpec{
		JobID:   job.JobID,
		Stage:   stage,
		Attempt: attempt,
		Command: command,
		Env:     env,
		JobDir:  paths.JobDir(job.JobID),
		LogPath: paths.TerminalLog(job.JobID),
		LogCap:  m.logCap,
		Secrets: secrets,
	}
	m.notice(job.JobID, secrets, "attempt %d: %s stage starting (%s executor)", attempt, stage, m.exec.Kind())
	onStart := func(info executor.StartInfo) {
		if _, err := m.store.UpdateState(ctx, job.JobID, func(st *model.JobState) error {
			c := st.Container(stage)
			c.ID = info.ID
			c.PID = info.PID
			c.Executor = info.Executor
			c.Attempt = attempt
			return nil
		}); err != nil {
			logger.Warn(ctx, "record stage start failed", zap.String("stage", string(stage)), zap.Error(err))
		}
	}
	started := time.Now()
	code, err := m.exec.Run(stageCtx, spec, onStart)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s stage timed out after %s", stage, m.stageTimeout)
	}
	if err == nil {
		exit := code
		if _, uerr := m.store.UpdateState(ctx, job.JobID, func(st *model.JobState) error {
			st.Container(stage).ExitCode = &exit
			return nil
		}); uerr != nil {
			return code, uerr
		}
		m.notice(job.JobID, secrets, "attempt %d: %s stage exited with code %d after %s", attempt, stage, code, time.Since(started).Round(time.Millisecond))
	}
	return code, err
}

func (m *Manager) generateEnv(job model.Job, attempt int, promptMode string, bundle provider.GenerateBundle, last *model.TestReport) (map[string]string, error) {
	paths := m.store.Paths()
	env := m.baseEnv(job, attempt, model.StageGenerate)
	env["AUTOJUDGE_PROMPT_MODE"] = promptMode
	env["AUTOJUDGE_MODEL"] = bundle.Model
	env["AUTOJUDGE_REASONING_EFFORT"] = bundle.ReasoningEffort
	env["AUTOJUDGE_SEARCH_MODE"] = bundle.SearchMode
	env["AUTOJUDGE_BASE_URL"] = bundle.BaseURL
	env["AUTOJUDGE_API_KEY"] = bundle.APIKey
	env["AUTOJUDGE_MODELS_PATH"] = bundle.ModelsPath
	env["AUTOJUDGE_AGENT_STATUS_PATH"] = m.stagePath(job.JobID, paths.AgentStatusLog(job.JobID))

	attemptDir := paths.AttemptDir(job.JobID, attempt)
	if err := os.MkdirAll(attemptDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create attempt dir failed")
	}
	if bundle.ConfigText != "" {
		cfgPath := filepath.Join(attemptDir, "config.yaml")
		if err := os.WriteFile(cfgPath, []byte(bundle.ConfigText), 0644); err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageError, "write generator config failed")
		}
		env["AUTOJUDGE_CONFIG"] = m.stagePath(job.JobID, cfgPath)
	}
	if promptMode == PromptRepair && last != nil {
		rc := repairContext{
			PreviousAttempt: attempt - 1,
			ReportStatus:    last.Status,
			Compile:         last.Compile,
			Summary:         last.Summary,
			Report:          *last,
		}
		rcPath := paths.RepairContext(job.JobID, attempt)
		if err := m.store.WriteJSON(rcPath, rc); err != nil {
			return nil, err
		}
		env["AUTOJUDGE_REPAIR_CONTEXT"] = m.stagePath(job.JobID, rcPath)
	}
	return env, nil
}

func (m *Manager) testEnv(job model.Job, attempt int) map[string]string {
	paths := m.store.Paths()
	env := m.baseEnv(job, attempt, model.StageTest)
	env["AUTOJUDGE_TIME_LIMIT_MS"] = strconv.FormatInt(job.Limits.TimeLimitMs, 10)
	env["AUTOJUDGE_MEMORY_LIMIT_MB"] = strconv.FormatInt(job.Limits.MemoryLimitMB, 10)
	env["AUTOJUDGE_COMPARE_MODE"] = job.CompareMode
	env["AUTOJUDGE_REPORT_PATH"] = m.stagePath(job.JobID, paths.AttemptReport(job.JobID, attempt))
	return env
}

func (m *Manager) baseEnv(job model.Job, attempt int, stage model.Stage) map[string]string {
	env := make(map[string]string, len(m.extraEnv)+16)
	for k, v := range m.extraEnv {
		env[k] = v
	}
	env["AUTOJUDGE_JOB_ID"] = job.JobID
	env["AUTOJUDGE_JOB_DIR"] = m.stagePath(job.JobID, m.store.Paths().JobDir(job.JobID))
	env["AUTOJUDGE_ATTEMPT"] = strconv.Itoa(attempt)
	env["AUTOJUDGE_STAGE"] = string(stage)
	return env
}

// stagePath translates a host path inside the job directory into the path
// the stage sees.
func (m *Manager) stagePath(jobID, hostPath string) string {
	if m.exec.Kind() != executor.KindContainer {
		return hostPath
	}
	rel, err := filepath.Rel(m.store.Paths().JobDir(jobID), hostPath)
	if err != nil {
		return hostPath
	}
	return path.Join(containerJobDir, filepath.ToSlash(rel))
}

func (m *Manager) reportUsage(ctx context.Context, job model.Job, attempt int) {
	data, err := os.ReadFile(m.store.Paths().AttemptUsage(job.JobID, attempt))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn(ctx, "read usage record failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return
	}
	var record model.UsageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		logger.Warn(ctx, "decode usage record failed", zap.Int("attempt", attempt), zap.Error(err))
		return
	}
	if err := m.usage.ReportUsage(ctx, job, attempt, record); err != nil {
		logger.Warn(ctx, "report usage failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// checkStop reports whether the loop must end before doing more work.
func (m *Manager) checkStop(ctx context.Context, jobID string) (Outcome, bool) {
	state, err := m.store.LoadState(jobID)
	if err == nil && state.Status == model.StatusCancelled {
		return Outcome{Kind: OutcomeCancelled, State: state}, true
	}
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeInterrupted, State: state}, true
	}
	return Outcome{}, false
}

func (m *Manager) succeed(ctx context.Context, jobID string, attempt int) Outcome {
	now := m.store.Now().Unix()
	state, err := m.store.UpdateState(ctx, jobID, func(st *model.JobState) error {
		st.Status = model.StatusSucceeded
		st.Error = nil
		st.FinishedAt = now
		return nil
	})
	if err != nil {
		return m.fail(ctx, jobID, err)
	}
	if state.Status == model.StatusCancelled {
		return Outcome{Kind: OutcomeCancelled, State: state}
	}
	m.event(ctx, jobID, model.AgentEvent{Event: "finished", Attempt: attempt, Detail: string(model.StatusSucceeded)})
	return Outcome{Kind: OutcomeSucceeded, State: state}
}

// fail records a terminal failure unless the job was cancelled.
func (m *Manager) fail(ctx context.Context, jobID string, cause error) Outcome {
	jerr := jobError(cause)
	now := m.store.Now()
	state, err := m.store.UpdateState(context.WithoutCancel(ctx), jobID, func(st *model.JobState) error {
		st.Status = model.StatusFailed
		st.Error = jerr
		st.FinishedAt = now.Unix()
		if m.failureTTL > 0 {
			st.ExpiresAt = now.Add(m.failureTTL).Unix()
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "record job failure failed", zap.Error(err), zap.NamedError("cause", cause))
		return Outcome{Kind: OutcomeFailed, State: state, Err: jerr}
	}
	if state.Status == model.StatusCancelled {
		return Outcome{Kind: OutcomeCancelled, State: state}
	}
	logger.Warn(ctx, "job failed", zap.String("code", jerr.Code), zap.String("message", jerr.Message))
	m.event(ctx, jobID, model.AgentEvent{Event: "finished", Attempt: state.Attempt, Detail: jerr.Code})
	return Outcome{Kind: OutcomeFailed, State: state, Err: jerr}
}

func (m *Manager) event(ctx context.Context, jobID string, ev model.AgentEvent) {
	if err := m.store.AppendEvent(ctx, jobID, ev); err != nil {
		logger.Warn(ctx, "append agent status failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

func (m *Manager) notice(jobID string, secrets []string, format string, args ...any) {
	if err := executor.AppendLine(m.store.Paths().TerminalLog(jobID), m.logCap, secrets, "[autojudge] "+format, args...); err != nil {
		logger.Warn(logger.WithJob(context.Background(), jobID), "append terminal notice failed", zap.Error(err))
	}
}
