// Package provider holds the two late-bound collaborators of the attempt
// loop: where generate gets its upstream config, and where token usage
// goes. Each has a direct-storage implementation here and an RPC-backed one
// in the judge worker.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"autojudge/internal/job/account"
	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
)

// GenerateBundle is everything a generate run needs to reach the LLM.
type GenerateBundle struct {
	Model           string `json:"model"`
	Channel         string `json:"channel"`
	ReasoningEffort string `json:"reasoning_effort"`
	SearchMode      string `json:"search_mode"`
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	ModelsPath      string `json:"models_path"`
	ConfigText      string `json:"config_text,omitempty"`
}

// Secrets lists the values that must never leave the run.
func (b GenerateBundle) Secrets() []string {
	if b.APIKey == "" {
		return nil
	}
	return []string{b.APIKey}
}

// Encode renders the bundle for transport.
func (b GenerateBundle) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBundle reverses Encode.
func DecodeBundle(encoded string) (GenerateBundle, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return GenerateBundle{}, appErr.Wrapf(err, appErr.InvalidFormat, "bundle is not base64")
	}
	var b GenerateBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return GenerateBundle{}, appErr.Wrapf(err, appErr.InvalidFormat, "bundle is not valid json")
	}
	return b, nil
}

// BundleProvider resolves the generate bundle of a job.
type BundleProvider interface {
	GenerateBundle(ctx context.Context, job model.Job) (GenerateBundle, error)
}

// UsageReporter persists the usage of one attempt.
type UsageReporter interface {
	ReportUsage(ctx context.Context, job model.Job, attempt int, record model.UsageRecord) error
}

// UsageSink stores usage ledger entries.
type UsageSink interface {
	SaveUsage(ctx context.Context, entry model.UsageEntry) error
}

// AccountBundleProvider reads the account service directly.
type AccountBundleProvider struct {
	accounts *account.Service
}

func NewAccountBundleProvider(accounts *account.Service) *AccountBundleProvider {
	return &AccountBundleProvider{accounts: accounts}
}

func (p *AccountBundleProvider) GenerateBundle(ctx context.Context, job model.Job) (GenerateBundle, error) {
	target, err := p.accounts.ResolveUpstreamTarget(job.Channel)
	if err != nil {
		return GenerateBundle{}, err
	}
	configText, err := p.accounts.EffectiveConfig(job.OwnerID)
	if err != nil {
		return GenerateBundle{}, err
	}
	return GenerateBundle{
		Model:           job.Model,
		Channel:         job.Channel,
		ReasoningEffort: job.ReasoningEffort,
		SearchMode:      job.SearchMode,
		BaseURL:         target.BaseURL,
		APIKey:          target.APIKey,
		ModelsPath:      target.ModelsPath,
		ConfigText:      configText,
	}, nil
}

// LedgerUsageReporter prices usage with the account snapshot and writes it
// to a sink.
type LedgerUsageReporter struct {
	accounts *account.Service
	sink     UsageSink
	now      func() int64
}

func NewLedgerUsageReporter(accounts *account.Service, sink UsageSink, now func() int64) *LedgerUsageReporter {
	return &LedgerUsageReporter{accounts: accounts, sink: sink, now: now}
}

func (r *LedgerUsageReporter) ReportUsage(ctx context.Context, job model.Job, attempt int, record model.UsageRecord) error {
	if attempt <= 0 {
		return appErr.ValidationError("attempt", "must be positive")
	}
	modelName := record.Model
	if modelName == "" {
		modelName = job.Model
	}
	pricing := r.accounts.PricingFor(modelName)
	entry := model.UsageEntry{
		JobID:      job.JobID,
		Attempt:    attempt,
		OwnerID:    job.OwnerID,
		Record:     record,
		Pricing:    pricing,
		CostMicros: pricing.CostMicros(record.Usage),
		CreatedAt:  r.now(),
	}
	return r.sink.SaveUsage(ctx, entry)
}
