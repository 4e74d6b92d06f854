//go:build !linux

package executor

import (
	"context"
	"fmt"
	"os"
)

// LocalExecutor is only available on linux.
type LocalExecutor struct{}

func NewLocalExecutor(baseEnv []string) *LocalExecutor { return &LocalExecutor{} }

func (e *LocalExecutor) Kind() string { return KindLocal }

func (e *LocalExecutor) Run(ctx context.Context, spec RunSpec, onStart func(StartInfo)) (int, error) {
	return -1, fmt.Errorf("local executor is not supported on this platform")
}

func (e *LocalExecutor) Stop(ctx context.Context, jobID string) error { return nil }

// PIDAlive reports whether a process with pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
