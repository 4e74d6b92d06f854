package repository

import (
	"context"
	"encoding/json"
	"time"

	"autojudge/internal/common/cache"
	"autojudge/internal/job/model"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const stateKeyPrefix = "autojudge:job:state:"

const (
	defaultStateCacheTTL      = 10 * time.Minute
	defaultStateCacheEmptyTTL = 30 * time.Second
	cacheWriteTimeout         = 2 * time.Second
)

// StateLoader reads the authoritative state.
type StateLoader func(jobID string) (model.JobState, error)

// StateCache keeps a Redis copy of every job state so status polling does
// not hit the job tree. It is refreshed on every state write.
type StateCache struct {
	cache cache.Cache
	load  StateLoader
	ttl   time.Duration
}

// NewStateCache creates the cache. ttl <= 0 selects the default.
func NewStateCache(c cache.Cache, load StateLoader, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = defaultStateCacheTTL
	}
	return &StateCache{cache: c, load: load, ttl: ttl}
}

// StateChanged refreshes the cached copy.
func (c *StateCache) StateChanged(ctx context.Context, state model.JobState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := c.cache.Set(wctx, stateKeyPrefix+state.JobID, string(data), cache.JitterTTL(c.ttl)); err != nil {
		logger.Warn(ctx, "refresh state cache failed", zap.String("job_id", state.JobID), zap.Error(err))
	}
}

// Get returns the state through the cache.
func (c *StateCache) Get(ctx context.Context, jobID string) (model.JobState, error) {
	return cache.GetWithCached(ctx, c.cache, stateKeyPrefix+jobID, c.ttl, defaultStateCacheEmptyTTL,
		func(st model.JobState) bool { return st.JobID == "" },
		func(st model.JobState) (string, error) {
			data, err := json.Marshal(st)
			return string(data), err
		},
		func(raw string) (model.JobState, error) {
			var st model.JobState
			err := json.Unmarshal([]byte(raw), &st)
			return st, err
		},
		func(context.Context) (model.JobState, error) { return c.load(jobID) },
	)
}

// Invalidate drops the cached copy.
func (c *StateCache) Invalidate(ctx context.Context, jobID string) error {
	return c.cache.Del(ctx, stateKeyPrefix+jobID)
}
