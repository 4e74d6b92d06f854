package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetWithCachedCachesValueAndMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	load := func(v int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) {
			calls++
			return v, nil
		}
	}
	isEmpty := func(v int) bool { return v == 0 }
	marshal := func(v int) (string, error) { return strconv.Itoa(v), nil }

	for i := 0; i < 2; i++ {
		got, err := GetWithCached(ctx, c, "k", time.Minute, time.Second, isEmpty, marshal, strconv.Atoi, load(7))
		if err != nil || got != 7 {
			t.Fatalf("unexpected result: %d %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
	if ttl := mr.TTL("k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl: %s", ttl)
	}

	got, err := GetWithCached(ctx, c, "empty", time.Minute, time.Second, isEmpty, marshal, strconv.Atoi, load(0))
	if err != nil || got != 0 {
		t.Fatalf("unexpected empty result: %d %v", got, err)
	}
	if raw, _ := mr.Get("empty"); raw != NullCacheValue {
		t.Fatalf("expected null marker, got %q", raw)
	}
}

func TestGetWithCachedPropagatesLoadError(t *testing.T) {
	c, _ := newTestCache(t)
	boom := errors.New("boom")
	_, err := GetWithCached(context.Background(), c, "k", time.Minute, time.Second,
		func(int) bool { return false },
		func(v int) (string, error) { return strconv.Itoa(v), nil },
		strconv.Atoi,
		func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestJitterTTLStaysWithinTenPercent(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := JitterTTL(time.Minute)
		if got > time.Minute || got < 54*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
