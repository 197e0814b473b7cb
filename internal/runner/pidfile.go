package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/pkg/process"
)

// AcquirePIDFile writes the current PID to path. It fails with
// RUNNER_ALREADY_RUNNING when a live process already owns the file; a file
// left behind by a dead process is replaced.
func AcquirePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	if pid, err := ReadPIDFile(path); err == nil {
		if pid != os.Getpid() && process.IsProcessAlive(pid) {
			return errors.RunnerAlreadyRunning(pid)
		}
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReleasePIDFile removes the PID file if it still names this process.
func ReleasePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// ReadPIDFile returns the PID stored in path.
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// IsRunning reports whether the runner recorded in path is alive.
func IsRunning(path string) (bool, int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return process.IsProcessAlive(pid), pid, nil
}
