package provider

import (
	"context"
	"testing"

	"autojudge/internal/job/account"
	"autojudge/internal/job/model"
)

type memorySink struct {
	entries []model.UsageEntry
}

func (m *memorySink) SaveUsage(ctx context.Context, entry model.UsageEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func newAccounts(t *testing.T) *account.Service {
	t.Helper()
	s, err := account.NewService(account.Config{
		DefaultChannel: "main",
		Channels:       []account.Channel{{Name: "main", BaseURL: "https://llm.example", APIKey: "sk-1"}},
		Pricing:        []model.Pricing{{Model: "m1", InputPerMTok: 2_000_000, OutputPerMTok: 8_000_000}},
	})
	if err != nil {
		t.Fatalf("new accounts failed: %v", err)
	}
	return s
}

func TestBundleRoundTrip(t *testing.T) {
	t.Parallel()
	p := NewAccountBundleProvider(newAccounts(t))
	bundle, err := p.GenerateBundle(context.Background(), model.Job{JobID: "j1", OwnerID: "u1", Model: "m1"})
	if err != nil {
		t.Fatalf("bundle failed: %v", err)
	}
	encoded, err := bundle.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeBundle(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.APIKey != "sk-1" || decoded.BaseURL != "https://llm.example" || decoded.Model != "m1" {
		t.Fatalf("unexpected decoded bundle: %+v", decoded)
	}
	if _, err := DecodeBundle("%%%"); err == nil {
		t.Fatalf("expected garbage to fail")
	}
}

func TestLedgerUsageReporterPricesUsage(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	r := NewLedgerUsageReporter(newAccounts(t), sink, func() int64 { return 42 })
	record := model.UsageRecord{CodexThreadID: "t1", Model: "m1", Usage: model.TokenUsage{InputTokens: 1000, OutputTokens: 500}}
	if err := r.ReportUsage(context.Background(), model.Job{JobID: "j1", OwnerID: "u1"}, 2, record); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Attempt != 2 || e.OwnerID != "u1" || e.CreatedAt != 42 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	// 1000*2 + 500*8 = 6000 micros
	if e.CostMicros != 6000 {
		t.Fatalf("expected cost 6000, got %d", e.CostMicros)
	}
	if err := r.ReportUsage(context.Background(), model.Job{JobID: "j1"}, 0, record); err == nil {
		t.Fatalf("expected attempt 0 to be rejected")
	}
}
