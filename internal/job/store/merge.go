package store

import (
	"encoding/json"

	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
)

// mergeState applies a partial JobState document on top of state. Objects
// are merged key by key, every other value (including null) replaces.
func mergeState(state model.JobState, patch map[string]any) (model.JobState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return state, appErr.Wrapf(err, appErr.InternalServerError, "encode state failed")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return state, appErr.Wrapf(err, appErr.InternalServerError, "decode state failed")
	}
	deepMerge(doc, patch)

	if status, ok := doc["status"].(string); ok && !model.Status(status).Valid() {
		return state, appErr.ValidationError("status", "unknown status "+status)
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return state, appErr.Wrapf(err, appErr.InvalidParams, "encode patch failed")
	}
	var out model.JobState
	if err := json.Unmarshal(merged, &out); err != nil {
		return state, appErr.Wrapf(err, appErr.InvalidParams, "patch does not fit job state")
	}
	return out, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}
