package worker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "autojudge/pkg/errors"

	"github.com/google/uuid"
)

const machineIDFile = "machine_id"

// ResolveMachineID returns configured when set, else the id persisted under
// workRoot, else a new UUID which is persisted for the next start.
func ResolveMachineID(configured, workRoot string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	path := filepath.Join(workRoot, machineIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", appErr.Wrapf(err, appErr.StorageError, "read machine id failed")
	}

	id := uuid.NewString()
	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create work root failed")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "write machine id failed")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "persist machine id failed")
	}
	return id, nil
}
