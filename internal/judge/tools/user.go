package tools

import (
	"context"

	"autojudge/internal/job/model"
	"autojudge/internal/rpc"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"
)

func (s *Service) userTools() *rpc.Registry {
	r := rpc.NewRegistry()
	r.Register(MethodJobsGet, bind(s.jobsGet))
	r.Register(MethodJobsStart, bind(s.jobsStart))
	r.Register(MethodJobsCancel, bind(s.jobsCancel))
	return r
}

// owned loads the job state and checks it belongs to the session user.
func (s *Service) owned(ctx context.Context, jobID string) (model.JobState, error) {
	if jobID == "" {
		return model.JobState{}, appErr.ValidationError("job_id", "required")
	}
	id, ok := rpc.IdentityFrom(ctx)
	if !ok {
		return model.JobState{}, appErr.New(appErr.Unauthorized)
	}
	state, err := s.manager.Get(ctx, jobID)
	if err != nil {
		return model.JobState{}, err
	}
	if state.OwnerID != id.Subject {
		return model.JobState{}, appErr.New(appErr.Forbidden).WithMessage("job belongs to another user")
	}
	return state, nil
}

func (s *Service) jobsGet(ctx context.Context, p JobParams) (any, error) {
	return s.owned(ctx, p.JobID)
}

func (s *Service) jobsStart(ctx context.Context, p JobParams) (any, error) {
	if _, err := s.owned(ctx, p.JobID); err != nil {
		return nil, err
	}
	return s.manager.Start(logger.WithJob(ctx, p.JobID), p.JobID)
}

func (s *Service) jobsCancel(ctx context.Context, p JobParams) (any, error) {
	if _, err := s.owned(ctx, p.JobID); err != nil {
		return nil, err
	}
	return s.manager.Cancel(logger.WithJob(ctx, p.JobID), p.JobID)
}
