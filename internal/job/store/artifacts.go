package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"autojudge/internal/job/model"
	appErr "autojudge/pkg/errors"
)

// Outputs are the promoted top-level outputs of a job. Nil means absent.
type Outputs struct {
	MainCPP      []byte
	SolutionJSON []byte
	ReportJSON   []byte
}

// PutArtifacts writes the present outputs and flags them in the state.
func (s *Store) PutArtifacts(ctx context.Context, jobID string, out Outputs) (model.JobState, error) {
	if err := ValidateJobID(jobID); err != nil {
		return model.JobState{}, err
	}
	writes := []struct {
		path string
		data []byte
	}{
		{s.paths.MainCPP(jobID), out.MainCPP},
		{s.paths.SolutionJSON(jobID), out.SolutionJSON},
		{s.paths.ReportJSON(jobID), out.ReportJSON},
	}
	for _, w := range writes {
		if w.data == nil {
			continue
		}
		if err := writeFileAtomic(w.path, w.data); err != nil {
			return model.JobState{}, appErr.Wrapf(err, appErr.StorageError, "write artifact failed")
		}
	}
	return s.UpdateState(ctx, jobID, func(st *model.JobState) error {
		st.Artifacts = s.artifactFlags(jobID)
		return nil
	})
}

// ReadOutputs loads whichever promoted outputs exist.
func (s *Store) ReadOutputs(jobID string) (Outputs, error) {
	if err := ValidateJobID(jobID); err != nil {
		return Outputs{}, err
	}
	var out Outputs
	var err error
	if out.MainCPP, err = readOptional(s.paths.MainCPP(jobID)); err != nil {
		return out, err
	}
	if out.SolutionJSON, err = readOptional(s.paths.SolutionJSON(jobID)); err != nil {
		return out, err
	}
	if out.ReportJSON, err = readOptional(s.paths.ReportJSON(jobID)); err != nil {
		return out, err
	}
	return out, nil
}

// PromoteReport copies the attempt report to output/report.json and returns
// its parsed form.
func (s *Store) PromoteReport(jobID string, attempt int) (model.TestReport, error) {
	data, err := os.ReadFile(s.paths.AttemptReport(jobID, attempt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.TestReport{}, appErr.New(appErr.ArtifactMissing).WithMessage("test report missing")
		}
		return model.TestReport{}, appErr.Wrapf(err, appErr.StorageError, "read test report failed")
	}
	var report model.TestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.TestReport{}, appErr.Wrapf(err, appErr.TestFailed, "test report is not valid json")
	}
	if err := writeFileAtomic(s.paths.ReportJSON(jobID), data); err != nil {
		return report, appErr.Wrapf(err, appErr.StorageError, "promote test report failed")
	}
	return report, nil
}

// WriteJSON stores v at path atomically. path must lie inside the job tree.
func (s *Store) WriteJSON(path string, v any) error {
	if err := writeJSONAtomic(path, v); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write %s failed", path)
	}
	return nil
}

// RefreshArtifacts recomputes the presence flags from disk.
func (s *Store) RefreshArtifacts(ctx context.Context, jobID string) (model.JobState, error) {
	return s.UpdateState(ctx, jobID, func(st *model.JobState) error {
		st.Artifacts = s.artifactFlags(jobID)
		return nil
	})
}

func (s *Store) artifactFlags(jobID string) model.Artifacts {
	return model.Artifacts{
		MainCPP:      fileExists(s.paths.MainCPP(jobID)),
		SolutionJSON: fileExists(s.paths.SolutionJSON(jobID)),
		ReportJSON:   fileExists(s.paths.ReportJSON(jobID)),
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "read %s failed", path)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
