package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/pkg/paths"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Field names shared by every component so log lines for one session can be
// correlated across instances.
const (
	FieldSessionID = "session_id"
	FieldInstance  = "instance"
	FieldCaller    = "caller"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	var logCfg Config
	if cfg, err := config.LoadDefault(); err == nil {
		if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
			logrus.Warnf("Failed to parse 'logging' config: %v", err)
		}
	}

	entry := newLoggerFromConfig(component, logCfg).WithField("component", component)
	loggers[component] = entry
	return entry
}

// WithSession scopes a component logger to one session.
func WithSession(logger *logrus.Entry, sessionID string) *logrus.Entry {
	return logger.WithField(FieldSessionID, sessionID)
}

func newLoggerFromConfig(component string, logCfg Config) *logrus.Logger {
	logger := logrus.New()

	levelStr := "info"
	if env := os.Getenv("DAAS_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if logCfg.Level != "" {
		levelStr = logCfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("DAAS_LOG_CALLER") == "true" || logCfg.ReportCaller {
		logger.SetReportCaller(true)
	}

	switch logCfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: logCfg.Format})
	}

	var writers []io.Writer

	logFilePath := defaultLogFilePath(component)
	if logCfg.File.Enabled && logCfg.File.Path != "" {
		logFilePath = expandPath(logCfg.File.Path)
	}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			// only worth a warning when someone asked for this path
			if logCfg.File.Enabled {
				logger.Warnf("Failed to create log directory %s: %v", filepath.Dir(logFilePath), err)
			}
		} else if file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writers = append(writers, file)
		} else if logCfg.File.Enabled {
			logger.Warnf("Failed to open log file %s: %v", logFilePath, err)
		}
	}

	if shouldLogToStderr(logCfg.Format.StructuredToStderr, logger.GetLevel()) {
		writers = append(writers, GetGlobalOutput())
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	return logger
}

// defaultLogFilePath is <state>/logs/<component>-<date>.log; empty when no
// state dir can be resolved.
func defaultLogFilePath(component string) string {
	dir := paths.LogsDir()
	if dir == "" || dir == "logs" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", component, time.Now().Format("2006-01-02")))
}

// LogFilePath returns today's default log file for a component.
func LogFilePath(component string) string {
	return defaultLogFilePath(component)
}

func shouldLogToStderr(mode string, level logrus.Level) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		// auto: interactive terminals only see structured logs when debugging
		isDebug := os.Getenv("DAAS_DEBUG") == "1" || level >= logrus.DebugLevel
		isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		return isDebug || !isInteractive
	}
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
