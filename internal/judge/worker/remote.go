package worker

import (
	"context"

	"autojudge/internal/job/model"
	"autojudge/internal/job/provider"
	"autojudge/internal/judge/tools"
)

// remoteBundles asks the control plane for the generate bundle of the
// claimed job.
type remoteBundles struct {
	rpc Caller
	ref tools.ClaimRef
}

func (b *remoteBundles) GenerateBundle(ctx context.Context, job model.Job) (provider.GenerateBundle, error) {
	var res tools.PrepareGenerateResult
	if err := b.rpc.Call(ctx, tools.MethodPrepareGenerate, b.ref, &res); err != nil {
		return provider.GenerateBundle{}, err
	}
	return provider.DecodeBundle(res.BundleB64)
}

// remoteUsage forwards attempt usage to usage.ingest.
type remoteUsage struct {
	rpc Caller
	ref tools.ClaimRef
}

func (u *remoteUsage) ReportUsage(ctx context.Context, job model.Job, attempt int, record model.UsageRecord) error {
	return u.rpc.Call(ctx, tools.MethodUsageIngest, tools.UsageIngestParams{ClaimRef: u.ref, Attempt: attempt, Record: record}, nil)
}
