// Package tools serves the job backend over internal/rpc: the judge tool set
// used by remote workers and the small user tool set.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"autojudge/internal/common/auth"
	"autojudge/internal/job/claim"
	"autojudge/internal/job/provider"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	"autojudge/internal/rpc"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/contextkey"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxChunkBytes = 1 << 20
	maxChunkCeiling      = 8 << 20
)

// protectedStateKeys cannot be changed through job.patch_state.
var protectedStateKeys = []string{"job_id", "owner_id", "mode", "judge", "requeues", "created_at"}

// Config holds the tool limits.
type Config struct {
	LogCap        int64 `yaml:"logCap"`
	MaxChunkBytes int   `yaml:"maxChunkBytes"`
}

// Deps are the backend pieces the tools call into.
type Deps struct {
	Manager *service.Manager
	Locker  *claim.Locker
	Bundles provider.BundleProvider
	Usage   provider.UsageReporter
}

// Service owns both tool registries.
type Service struct {
	manager  *service.Manager
	store    *store.Store
	locker   *claim.Locker
	bundles  provider.BundleProvider
	usage    provider.UsageReporter
	logCap   int64
	maxChunk int

	judge *rpc.Registry
	users *rpc.Registry
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	if cfg.MaxChunkBytes > maxChunkCeiling {
		cfg.MaxChunkBytes = maxChunkCeiling
	}
	s := &Service{
		manager:  deps.Manager,
		store:    deps.Manager.Store(),
		locker:   deps.Locker,
		bundles:  deps.Bundles,
		usage:    deps.Usage,
		logCap:   cfg.LogCap,
		maxChunk: cfg.MaxChunkBytes,
	}
	s.judge = s.judgeTools()
	s.users = s.userTools()
	return s
}

// Resolve returns the registry of a role, nil for unknown roles.
func (s *Service) Resolve(id auth.Identity) *rpc.Registry {
	switch id.Role {
	case auth.RoleJudge:
		return s.judge
	case auth.RoleUser:
		return s.users
	}
	return nil
}

func (s *Service) judgeTools() *rpc.Registry {
	r := rpc.NewRegistry()
	r.Register(MethodClaimNext, bind(s.claimNext))
	r.Register(MethodReleaseClaim, bind(s.releaseClaim))
	r.Register(MethodGetState, bind(s.getState))
	r.Register(MethodInputList, bind(s.inputList))
	r.Register(MethodInputReadChunk, bind(s.readChunk))
	r.Register(MethodPatchState, bind(s.patchState))
	r.Register(MethodAppendTerminal, bind(s.appendLog(store.LogTerminal)))
	r.Register(MethodAppendAgentStatus, bind(s.appendLog(store.LogAgentStatus)))
	r.Register(MethodPutArtifacts, bind(s.putArtifacts))
	r.Register(MethodPrepareGenerate, bind(s.prepareGenerate))
	r.Register(MethodUsageIngest, bind(s.usageIngest))
	return r
}

func bind[P any](fn func(ctx context.Context, p P) (any, error)) rpc.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, appErr.Wrapf(err, appErr.InvalidParams, "invalid params: %v", err)
			}
		}
		return fn(ctx, p)
	}
}

// guard checks the caller still holds the claim and refreshes its lock.
func (s *Service) guard(ctx context.Context, ref ClaimRef) (context.Context, error) {
	if ref.JobID == "" {
		return ctx, appErr.ValidationError("job_id", "required")
	}
	ctx = logger.WithJob(ctx, ref.JobID)
	ctx = context.WithValue(ctx, contextkey.ClaimID, ref.ClaimID)
	if err := s.locker.Verify(ctx, ref.JobID, ref.ClaimID); err != nil {
		if appErr.Is(err, appErr.ClaimMismatch) {
			logger.Warn(ctx, "judge call with a foreign claim rejected", zap.Error(err))
		}
		return ctx, err
	}
	return ctx, nil
}

func (s *Service) claimNext(ctx context.Context, p ClaimNextParams) (any, error) {
	ctx = context.WithValue(ctx, contextkey.MachineID, p.MachineID)
	c, err := s.locker.ClaimNext(ctx, p.MachineID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		logger.Info(logger.WithJob(ctx, c.JobID), "job claimed", zap.String("claim_id", c.ClaimID))
	}
	return ClaimNextResult{Claim: c}, nil
}

func (s *Service) releaseClaim(ctx context.Context, p ClaimRef) (any, error) {
	if err := s.locker.Release(ctx, p.JobID, p.ClaimID); err != nil {
		return nil, err
	}
	logger.Info(logger.WithJob(ctx, p.JobID), "claim released", zap.String("claim_id", p.ClaimID))
	return ReleaseResult{Released: true}, nil
}

func (s *Service) getState(ctx context.Context, p ClaimRef) (any, error) {
	if _, err := s.guard(ctx, p); err != nil {
		return nil, err
	}
	return s.store.LoadState(p.JobID)
}

func (s *Service) inputList(ctx context.Context, p ClaimRef) (any, error) {
	if _, err := s.guard(ctx, p); err != nil {
		return nil, err
	}
	files, err := s.store.ListInput(p.JobID)
	if err != nil {
		return nil, err
	}
	return InputListResult{Files: files}, nil
}

func (s *Service) readChunk(ctx context.Context, p ReadChunkParams) (any, error) {
	if _, err := s.guard(ctx, p.ClaimRef); err != nil {
		return nil, err
	}
	maxBytes := p.MaxBytes
	if maxBytes <= 0 || maxBytes > s.maxChunk {
		maxBytes = s.maxChunk
	}
	chunk, err := s.store.ReadInputChunk(p.JobID, p.Path, p.Offset, maxBytes)
	if err != nil {
		return nil, err
	}
	return ReadChunkResult{
		DataB64:    base64.StdEncoding.EncodeToString(chunk.Data),
		NextOffset: chunk.NextOffset,
		EOF:        chunk.EOF,
	}, nil
}

func (s *Service) patchState(ctx context.Context, p PatchStateParams) (any, error) {
	ctx, err := s.guard(ctx, p.ClaimRef)
	if err != nil {
		return nil, err
	}
	for _, key := range protectedStateKeys {
		delete(p.Patch, key)
	}
	state, err := s.store.PatchState(ctx, p.JobID, p.Patch)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Service) appendLog(kind store.LogKind) func(context.Context, AppendLogParams) (any, error) {
	return func(ctx context.Context, p AppendLogParams) (any, error) {
		if _, err := s.guard(ctx, p.ClaimRef); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(p.DataB64)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "data_b64 is not base64")
		}
		res, err := s.store.AppendLog(p.JobID, kind, p.Offset, data, s.logCap)
		if err != nil {
			return nil, err
		}
		return AppendLogResult{Offset: res.Offset, Truncated: res.Truncated}, nil
	}
}

func (s *Service) putArtifacts(ctx context.Context, p PutArtifactsParams) (any, error) {
	ctx, err := s.guard(ctx, p.ClaimRef)
	if err != nil {
		return nil, err
	}
	var out store.Outputs
	for _, f := range []struct {
		name string
		b64  *string
		dst  *[]byte
	}{
		{"main_cpp_b64", p.MainCPPB64, &out.MainCPP},
		{"solution_json_b64", p.SolutionJSONB64, &out.SolutionJSON},
		{"report_json_b64", p.ReportJSONB64, &out.ReportJSON},
	} {
		if f.b64 == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(*f.b64)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "%s is not base64", f.name)
		}
		if data == nil {
			data = []byte{}
		}
		*f.dst = data
	}
	state, err := s.store.PutArtifacts(ctx, p.JobID, out)
	if err != nil {
		return nil, err
	}
	return state.Artifacts, nil
}

func (s *Service) prepareGenerate(ctx context.Context, p ClaimRef) (any, error) {
	ctx, err := s.guard(ctx, p)
	if err != nil {
		return nil, err
	}
	job, err := s.store.LoadJob(p.JobID)
	if err != nil {
		return nil, err
	}
	bundle, err := s.bundles.GenerateBundle(ctx, job)
	if err != nil {
		return nil, err
	}
	encoded, err := bundle.Encode()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "encode bundle failed")
	}
	return PrepareGenerateResult{BundleB64: encoded}, nil
}

func (s *Service) usageIngest(ctx context.Context, p UsageIngestParams) (any, error) {
	ctx, err := s.guard(ctx, p.ClaimRef)
	if err != nil {
		return nil, err
	}
	job, err := s.store.LoadJob(p.JobID)
	if err != nil {
		return nil, err
	}
	if err := s.usage.ReportUsage(ctx, job, p.Attempt, p.Record); err != nil {
		return nil, err
	}
	return UsageIngestResult{Stored: true}, nil
}
