package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/daas/internal/lock"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// QuietLogger returns a logger that discards everything.
func QuietLogger(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", component)
}

// FastLockOptions keeps lock waits in tests to a few milliseconds.
func FastLockOptions() lock.Options {
	return lock.Options{RetryInterval: time.Millisecond, MaxAttempts: 5}
}

// FakeCollector returns a canned response and counts invocations.
type FakeCollector struct {
	Logs   []session.LogFile
	Errors []string
	Err    error
	Panic  bool
	// OnCollect runs before the response is returned.
	OnCollect func(s *session.Session)

	calls atomic.Int32
}

func (f *FakeCollector) CollectLogs(ctx context.Context, s *session.Session) (*tools.Response, error) {
	f.calls.Add(1)
	if f.OnCollect != nil {
		f.OnCollect(s)
	}
	if f.Panic {
		panic("collector exploded")
	}
	if f.Err != nil {
		return nil, f.Err
	}
	logs := make([]session.LogFile, len(f.Logs))
	copy(logs, f.Logs)
	return &tools.Response{Logs: logs, Errors: append([]string(nil), f.Errors...)}, nil
}

// Calls returns how many times CollectLogs ran.
func (f *FakeCollector) Calls() int {
	return int(f.calls.Load())
}

// FakeAnalyzer attaches one HTML report per log and returns Errors.
type FakeAnalyzer struct {
	Errors []string
	Err    error

	mu       sync.Mutex
	analyzed []string
}

func (f *FakeAnalyzer) AnalyzeLogs(ctx context.Context, logs []*session.LogFile, s *session.Session) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, log := range logs {
		f.analyzed = append(f.analyzed, log.Name)
		log.Reports = append(log.Reports, session.Report{
			Name:        log.Name + ".html",
			PartialPath: fmt.Sprintf("reports/%s/%s/%s.html", s.SessionID, session.LogDirName(log.StartTime), log.Name),
		})
	}
	return append([]string(nil), f.Errors...), f.Err
}

// Analyzed lists the log names seen so far.
func (f *FakeAnalyzer) Analyzed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.analyzed...)
}

// NewRegistry registers the given tools, failing the test on error.
func NewRegistry(t *testing.T, toolset ...*tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

// LogFile builds a collected log entry.
func LogFile(name string, size int64) session.LogFile {
	return session.LogFile{
		Name:        name,
		Size:        size,
		StartTime:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PartialPath: "logs/" + name,
		Reports:     []session.Report{},
	}
}

// WriteConfig writes a daas.yml into dir and returns its path.
func WriteConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "daas.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
