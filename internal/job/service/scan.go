package service

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"autojudge/internal/job/executor"
	appErr "autojudge/pkg/errors"
)

// scanForSecrets redacts the secrets in place from every file generate may
// have written and returns the job-relative paths that contained one.
func (m *Manager) scanForSecrets(jobID string, attempt int, secrets []string) ([]string, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	paths := m.store.Paths()
	candidates := []string{paths.MainCPP(jobID), paths.SolutionJSON(jobID)}
	err := filepath.WalkDir(paths.AttemptDir(jobID, attempt), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			candidates = append(candidates, p)
		}
		return nil
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "walk attempt dir failed")
	}

	jobDir := paths.JobDir(jobID)
	var leaked []string
	for _, p := range candidates {
		hit, err := redactFile(p, secrets)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageError, "scan %s failed", filepath.Base(p))
		}
		if hit {
			rel, _ := filepath.Rel(jobDir, p)
			leaked = append(leaked, filepath.ToSlash(rel))
		}
	}
	return leaked, nil
}

func redactFile(path string, secrets []string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	redacted, hit := executor.Redact(data, secrets)
	if !hit || bytes.Equal(redacted, data) {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return true, err
	}
	return true, os.WriteFile(path, redacted, info.Mode().Perm())
}
