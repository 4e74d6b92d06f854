// Package repository holds the optional persistence and notification sinks
// of the job module: the usage ledger, the Redis state cache, the Kafka
// final-status publisher and the MinIO archiver.
package repository

import (
	"context"
	"encoding/json"

	"autojudge/internal/common/db"
	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const usageSchema = `CREATE TABLE IF NOT EXISTS usage_records (
	job_id VARCHAR(128) NOT NULL,
	attempt INTEGER NOT NULL,
	owner_id VARCHAR(128) NOT NULL,
	model VARCHAR(128) NOT NULL,
	thread_id VARCHAR(128) NOT NULL,
	input_tokens BIGINT NOT NULL,
	cached_input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	cached_output_tokens BIGINT NOT NULL,
	pricing TEXT NOT NULL,
	cost_micros BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (job_id, attempt)
)`

// UsageRepository stores usage entries in SQL.
type UsageRepository struct {
	db *db.DB
}

// NewUsageRepository creates the repository and its table.
func NewUsageRepository(ctx context.Context, database *db.DB) (*UsageRepository, error) {
	if database == nil {
		return nil, appErr.New(appErr.DatabaseError).WithMessage("database is required")
	}
	if _, err := database.Exec(ctx, usageSchema); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "create usage table failed")
	}
	return &UsageRepository{db: database}, nil
}

// SaveUsage inserts one entry. A second entry for the same attempt is
// ignored so retried ingests stay idempotent.
func (r *UsageRepository) SaveUsage(ctx context.Context, e model.UsageEntry) error {
	pricing, err := json.Marshal(e.Pricing)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal pricing failed")
	}
	u := e.Record.Usage
	_, err = r.db.Exec(ctx, `INSERT INTO usage_records
		(job_id, attempt, owner_id, model, thread_id, input_tokens, cached_input_tokens,
		 output_tokens, cached_output_tokens, pricing, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Attempt, e.OwnerID, e.Record.Model, e.Record.CodexThreadID,
		u.InputTokens, u.CachedInputTokens, u.OutputTokens, u.CachedOutputTokens,
		string(pricing), e.CostMicros, e.CreatedAt)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			logger.Info(logger.WithJob(ctx, e.JobID), "usage already recorded", zap.Int("attempt", e.Attempt))
			return nil
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "insert usage failed")
	}
	return nil
}

// ListByJob returns the entries of a job ordered by attempt.
func (r *UsageRepository) ListByJob(ctx context.Context, jobID string) ([]model.UsageEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT job_id, attempt, owner_id, model, thread_id, input_tokens,
		cached_input_tokens, output_tokens, cached_output_tokens, pricing, cost_micros, created_at
		FROM usage_records WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query usage failed")
	}
	defer rows.Close()

	var out []model.UsageEntry
	for rows.Next() {
		var (
			e       model.UsageEntry
			pricing string
		)
		u := &e.Record.Usage
		if err := rows.Scan(&e.JobID, &e.Attempt, &e.OwnerID, &e.Record.Model, &e.Record.CodexThreadID,
			&u.InputTokens, &u.CachedInputTokens, &u.OutputTokens, &u.CachedOutputTokens,
			&pricing, &e.CostMicros, &e.CreatedAt); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan usage failed")
		}
		if err := json.Unmarshal([]byte(pricing), &e.Pricing); err != nil {
			return nil, appErr.Wrapf(err, appErr.CorruptedState, "decode pricing failed")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate usage failed")
	}
	return out, nil
}

// OwnerCostMicros sums the cost recorded for an owner.
func (r *UsageRepository) OwnerCostMicros(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM usage_records WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "sum usage failed")
	}
	return total, nil
}
