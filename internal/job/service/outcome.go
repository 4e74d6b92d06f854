package service

import (
	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
)

// OutcomeKind tags how an attempt loop ended.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeInterrupted means the process is shutting down; the state is
	// left running for the reconciler.
	OutcomeInterrupted OutcomeKind = "interrupted"
)

// Outcome is the result of Run.
type Outcome struct {
	Kind  OutcomeKind
	State model.JobState
	Err   *model.JobError
}

// OK reports success.
func (o Outcome) OK() bool { return o.Kind == OutcomeSucceeded }

// jobError converts any error into the persisted failure description.
func jobError(err error) *model.JobError {
	e := appErr.GetError(err)
	if e == nil {
		return nil
	}
	return &model.JobError{Code: e.Code.Name(), Message: e.Error()}
}
