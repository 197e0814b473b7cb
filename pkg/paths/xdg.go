// Package paths provides XDG-compliant path resolution for daas.
//
// Resolution order:
// 1. DAAS_HOME (portable root) → $DAAS_HOME/{config,data,state}
// 2. XDG env vars → $XDG_*_HOME/daas
// 3. Platform defaults → ~/.config/daas, ~/.local/share/daas, etc.
//
// The shared session store is normally a network mount configured in
// daas.yml; DataDir is only its fallback.
package paths

import (
	"os"
	"path/filepath"
)

const appName = "daas"

func xdgHome(daasSub, xdgVar string, fallback ...string) string {
	if daasHome := os.Getenv("DAAS_HOME"); daasHome != "" {
		return filepath.Join(daasHome, daasSub)
	}
	if dir := os.Getenv(xdgVar); dir != "" {
		return dir
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{homeDir}, fallback...)...)
	}
	return ""
}

func appDir(base string) string {
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// ConfigDir returns the daas configuration directory.
// Used for the global daas.yml.
func ConfigDir() string {
	if os.Getenv("DAAS_HOME") != "" {
		return xdgHome("config", "XDG_CONFIG_HOME")
	}
	return appDir(xdgHome("config", "XDG_CONFIG_HOME", ".config"))
}

// DataDir returns the daas data directory.
// Used as the default shared store root and for collected artifacts.
func DataDir() string {
	if os.Getenv("DAAS_HOME") != "" {
		return xdgHome("data", "XDG_DATA_HOME")
	}
	return appDir(xdgHome("data", "XDG_DATA_HOME", ".local", "share"))
}

// StateDir returns the daas state directory.
// Used for runtime state and logs local to this instance.
func StateDir() string {
	if os.Getenv("DAAS_HOME") != "" {
		return xdgHome("state", "XDG_STATE_HOME")
	}
	return appDir(xdgHome("state", "XDG_STATE_HOME", ".local", "state"))
}

// RuntimeDir returns the daas runtime directory for sockets.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if daasHome := os.Getenv("DAAS_HOME"); daasHome != "" {
		return filepath.Join(daasHome, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// LogsDir returns the directory for this instance's own log files.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

// SocketPath returns the path to the runner's unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "daas-runner.sock")
}

// PidFilePath returns the path to the runner PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "daas-runner.pid")
}

// EnsureDirs creates all daas directories if they don't exist.
func EnsureDirs() error {
	dirs := []string{
		ConfigDir(),
		DataDir(),
		StateDir(),
		RuntimeDir(),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
