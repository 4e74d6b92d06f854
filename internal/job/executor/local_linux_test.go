//go:build linux

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalExecutorExitCodeAndLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	e := NewLocalExecutor([]string{"PATH=" + os.Getenv("PATH")})
	logPath := filepath.Join(dir, "logs", "terminal.log")
	var started StartInfo
	code, err := e.Run(context.Background(), RunSpec{
		JobID:   "j1",
		Stage:   "generate",
		Attempt: 1,
		Command: []string{"sh", "-c", `echo "stage $ATTEMPT_NO"; echo oops 1>&2; exit 4`},
		Env:     map[string]string{"ATTEMPT_NO": "1"},
		JobDir:  dir,
		LogPath: logPath,
	}, func(info StartInfo) { started = info })
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if code != 4 {
		t.Fatalf("expected exit code 4, got %d", code)
	}
	if started.PID <= 0 || started.Executor != KindLocal {
		t.Fatalf("unexpected start info: %+v", started)
	}
	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "stage 1") || !strings.Contains(string(data), "oops") {
		t.Fatalf("unexpected terminal log: %q", data)
	}
}

func TestLocalExecutorStopKillsGroup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	e := NewLocalExecutor([]string{"PATH=" + os.Getenv("PATH")})
	startedCh := make(chan StartInfo, 1)
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), RunSpec{
			JobID:   "j1",
			Stage:   "test",
			Command: []string{"sh", "-c", "sleep 30 & sleep 30"},
			JobDir:  dir,
			LogPath: filepath.Join(dir, "terminal.log"),
		}, func(info StartInfo) { startedCh <- info })
		done <- err
	}()
	var info StartInfo
	select {
	case info = <-startedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("stage did not start")
	}
	if err := e.Stop(context.Background(), "j1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("stage was not killed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for PIDAlive(info.PID) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if PIDAlive(info.PID) {
		t.Fatalf("process %d still alive", info.PID)
	}
}
