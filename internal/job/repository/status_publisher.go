package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"autojudge/internal/common/mq"
	"autojudge/internal/job/model"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultStatusTopic receives one event per finished job.
const DefaultStatusTopic = "autojudge.job.finished"

const publishTimeout = 5 * time.Second

// JobStatusEvent is the payload of a final status message.
type JobStatusEvent struct {
	JobID      string          `json:"job_id"`
	OwnerID    string          `json:"owner_id"`
	Status     model.Status    `json:"status"`
	Attempt    int             `json:"attempt"`
	Error      *model.JobError `json:"error"`
	Artifacts  model.Artifacts `json:"artifacts"`
	FinishedAt int64           `json:"finished_at"`
}

// MQStatusPublisher publishes a JobStatusEvent the first time a job is seen
// in a terminal state.
type MQStatusPublisher struct {
	producer mq.Producer
	topic    string

	mu   sync.Mutex
	sent map[string]model.Status
}

// NewMQStatusPublisher creates the publisher.
func NewMQStatusPublisher(producer mq.Producer, topic string) *MQStatusPublisher {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	return &MQStatusPublisher{producer: producer, topic: topic, sent: make(map[string]model.Status)}
}

// StateChanged publishes terminal transitions.
func (p *MQStatusPublisher) StateChanged(ctx context.Context, state model.JobState) {
	if !state.Status.Terminal() || !p.mark(state.JobID, state.Status) {
		return
	}
	body, err := json.Marshal(JobStatusEvent{
		JobID:      state.JobID,
		OwnerID:    state.OwnerID,
		Status:     state.Status,
		Attempt:    state.Attempt,
		Error:      state.Error,
		Artifacts:  state.Artifacts,
		FinishedAt: state.FinishedAt,
	})
	if err != nil {
		return
	}
	msg := mq.NewMessage(state.JobID, body)
	msg.SetHeader("status", string(state.Status))
	msg.SetHeader("owner_id", state.OwnerID)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.producer.Publish(pctx, p.topic, msg); err != nil {
		p.unmark(state.JobID)
		logger.Warn(ctx, "publish final status failed", zap.String("job_id", state.JobID), zap.Error(err))
		return
	}
	logger.Info(ctx, "final status published", zap.String("job_id", state.JobID), zap.String("status", string(state.Status)))
}

func (p *MQStatusPublisher) mark(jobID string, status model.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent[jobID] == status {
		return false
	}
	p.sent[jobID] = status
	return true
}

func (p *MQStatusPublisher) unmark(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sent, jobID)
}
