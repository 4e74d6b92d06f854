package repository

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"autojudge/internal/common/cache"
	"autojudge/internal/common/db"
	"autojudge/internal/common/mq"
	"autojudge/internal/common/storage"
	"autojudge/internal/job/model"
	"autojudge/internal/job/store"
	appErr "autojudge/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

func usageEntry(jobID string, attempt int) model.UsageEntry {
	return model.UsageEntry{
		JobID:   jobID,
		Attempt: attempt,
		OwnerID: "u1",
		Record: model.UsageRecord{
			CodexThreadID: "thread",
			Model:         "gpt",
			Usage:         model.TokenUsage{InputTokens: 1000, OutputTokens: 200},
		},
		Pricing:    model.Pricing{Model: "gpt", InputPerMTok: 2_000_000, OutputPerMTok: 8_000_000},
		CostMicros: 3600,
		CreatedAt:  10,
	}
}

func TestUsageRepositoryOnSQLite(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(ctx, db.Config{Driver: db.DriverSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "usage.db")})
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	defer database.Close()
	repo, err := NewUsageRepository(ctx, database)
	if err != nil {
		t.Fatalf("new repository failed: %v", err)
	}

	for _, attempt := range []int{2, 1, 1} {
		if err := repo.SaveUsage(ctx, usageEntry("j1", attempt)); err != nil {
			t.Fatalf("save attempt %d failed: %v", attempt, err)
		}
	}
	entries, err := repo.ListByJob(ctx, "j1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Attempt != 1 || entries[1].Attempt != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Pricing.OutputPerMTok != 8_000_000 || entries[0].Record.Usage.InputTokens != 1000 {
		t.Fatalf("entry not round-tripped: %+v", entries[0])
	}
	total, err := repo.OwnerCostMicros(ctx, "u1")
	if err != nil || total != 7200 {
		t.Fatalf("unexpected total: %d %v", total, err)
	}
}

func TestFileUsageLedgerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewFileUsageLedger(store.Paths{Root: t.TempDir()})
	for i := 0; i < 2; i++ {
		if err := ledger.SaveUsage(ctx, usageEntry("j1", 1)); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := ledger.SaveUsage(ctx, usageEntry("j1", 2)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	entries, err := ledger.ListByJob("j1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("unexpected entries: %+v %v", entries, err)
	}
	if err := ledger.SaveUsage(ctx, usageEntry("../escape", 1)); err == nil {
		t.Fatalf("expected invalid job id to be rejected")
	}
}

func TestStateCacheRefreshesOnWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	loads := 0
	sc := NewStateCache(c, func(jobID string) (model.JobState, error) {
		loads++
		if jobID == "missing" {
			return model.JobState{}, appErr.New(appErr.JobNotFound)
		}
		return model.JobState{JobID: jobID, Status: model.StatusCreated}, nil
	}, time.Minute)

	st, err := sc.Get(ctx, "j1")
	if err != nil || st.Status != model.StatusCreated || loads != 1 {
		t.Fatalf("unexpected first read: %+v %v loads=%d", st, err, loads)
	}
	sc.StateChanged(ctx, model.JobState{JobID: "j1", Status: model.StatusQueued})
	st, err = sc.Get(ctx, "j1")
	if err != nil || st.Status != model.StatusQueued || loads != 1 {
		t.Fatalf("expected refreshed copy: %+v %v loads=%d", st, err, loads)
	}
	if _, err := sc.Get(ctx, "missing"); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := sc.Invalidate(ctx, "j1"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if mr.Exists(stateKeyPrefix + "j1") {
		t.Fatalf("expected key removed")
	}
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []*mq.Message
	fail bool
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, m *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, ms []*mq.Message) error {
	for _, m := range ms {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestStatusPublisherSendsTerminalOnce(t *testing.T) {
	ctx := context.Background()
	prod := &fakeProducer{fail: true}
	pub := NewMQStatusPublisher(prod, "")

	pub.StateChanged(ctx, model.JobState{JobID: "j1", Status: model.StatusRunningTest})
	pub.StateChanged(ctx, model.JobState{JobID: "j1", Status: model.StatusFailed})
	prod.fail = false
	failed := model.JobState{JobID: "j1", OwnerID: "u1", Status: model.StatusFailed, Error: &model.JobError{Code: "retries_exhausted"}}
	pub.StateChanged(ctx, failed)
	pub.StateChanged(ctx, failed)

	if len(prod.msgs) != 1 {
		t.Fatalf("expected exactly one message after retry, got %d", len(prod.msgs))
	}
	if status, _ := prod.msgs[0].GetHeader("status"); status != "failed" {
		t.Fatalf("unexpected status header %q", status)
	}
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (m *memStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.ObjectStat{SizeBytes: int64(len(m.objects[bucket+"/"+key]))}, nil
}

func TestArchiverUploadsTarZst(t *testing.T) {
	ctx := context.Background()
	s := store.New(t.TempDir())
	job := model.Job{JobID: "j1", OwnerID: "u1", Statement: "x", CreatedAt: 1}
	job.Normalize()
	if _, err := s.CreateJob(ctx, job, model.ModeEmbedded, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.PutArtifacts(ctx, "j1", store.Outputs{MainCPP: []byte("int main(){}")}); err != nil {
		t.Fatalf("put artifacts failed: %v", err)
	}
	if _, err := s.AppendLog("j1", store.LogTerminal, 0, []byte("hello\n"), 0); err != nil {
		t.Fatalf("append log failed: %v", err)
	}
	if err := os.WriteFile(s.Paths().LockPath("j1"), []byte("{}"), 0644); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}

	objects := &memStorage{objects: map[string][]byte{}}
	a := NewArchiver(objects, "archive", s.Paths())
	a.StateChanged(ctx, model.JobState{JobID: "j1", Status: model.StatusSucceeded})
	a.StateChanged(ctx, model.JobState{JobID: "j1", Status: model.StatusSucceeded})
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Wait(waitCtx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	rc, err := objects.GetObject(ctx, "archive", ObjectKey("j1"))
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	zr, err := zstd.NewReader(rc)
	if err != nil {
		t.Fatalf("zstd reader failed: %v", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar failed: %v", err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	want := []string{"logs/terminal.log", "output/main.cpp", "state.json"}
	if len(names) != len(want) {
		t.Fatalf("unexpected archive entries: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}
