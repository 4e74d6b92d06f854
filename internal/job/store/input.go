package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	appErr "autojudge/pkg/errors"
)

// InputFile is one entry of the flat input listing.
type InputFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// InputData is an input file to materialise.
type InputData struct {
	Path string
	Data []byte
}

// ChunkResult is one slice of an input file.
type ChunkResult struct {
	Data       []byte
	NextOffset int64
	EOF        bool
}

// ListInput returns every regular file under input/, slash separated and
// sorted.
func (s *Store) ListInput(jobID string) ([]InputFile, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	root := s.paths.InputDir(jobID)
	var files []InputFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, InputFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.New(appErr.JobNotFound).WithDetail("job_id", jobID)
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "list input failed")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadInputChunk reads up to maxBytes of an input file at offset.
func (s *Store) ReadInputChunk(jobID, relPath string, offset int64, maxBytes int) (ChunkResult, error) {
	if err := ValidateJobID(jobID); err != nil {
		return ChunkResult{}, err
	}
	full, err := safeJoin(s.paths.InputDir(jobID), relPath)
	if err != nil {
		return ChunkResult{}, err
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return ChunkResult{}, appErr.New(appErr.JobInputNotFound).WithDetail("path", relPath)
	}
	data, next, err := readChunk(full, offset, maxBytes)
	if err != nil {
		return ChunkResult{}, err
	}
	return ChunkResult{Data: data, NextOffset: next, EOF: next >= info.Size()}, nil
}

// WriteInput stores one input file, replacing any previous content.
func (s *Store) WriteInput(jobID, relPath string, data []byte) error {
	full, err := s.InputPath(jobID, relPath)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(full, data); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write input %s failed", relPath)
	}
	return nil
}

// InputPath resolves relPath under input/ without touching the disk.
func (s *Store) InputPath(jobID, relPath string) (string, error) {
	if err := ValidateJobID(jobID); err != nil {
		return "", err
	}
	return safeJoin(s.paths.InputDir(jobID), relPath)
}
