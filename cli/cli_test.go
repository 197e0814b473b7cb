package cli

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func sampleSession() *session.Session {
	s := &session.Session{
		SessionID: "260402_0955000000",
		Tool:      "MemoryDump",
		Mode:      session.ModeCollectAndAnalyze,
		Instances: []string{"web0", "web1"},
		Status:    session.StatusActive,
		StartTime: now.Add(-5 * time.Minute),
	}
	s.Normalize()
	ai := s.EnsureInstance("web0")
	ai.Status = session.StatusComplete
	ai.Logs = append(ai.Logs, testutil.LogFile("w3wp.dmp", 2048))
	ai.Logs[0].Reports = []session.Report{{Name: "w3wp.html", PartialPath: "reports/w3wp.html"}}
	ai.AnalyzerErrors = append(ai.AnalyzerErrors, "symbols missing")
	return s
}

func TestPrintSessionTable(t *testing.T) {
	var buf bytes.Buffer
	PrintSessionTable(&buf, []*session.Session{sampleSession()}, now)

	out := buf.String()
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "260402_0955000000")
	assert.Contains(t, out, "CollectAndAnalyze")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "5m0s")
	// no escape codes when not writing to a terminal
	assert.NotContains(t, out, "\x1b[")

	buf.Reset()
	PrintSessionTable(&buf, nil, now)
	assert.Equal(t, "No sessions\n", buf.String())
}

func TestPrintSession(t *testing.T) {
	var buf bytes.Buffer
	PrintSession(&buf, sampleSession(), now)

	out := buf.String()
	assert.Contains(t, out, "Session:")
	assert.Contains(t, out, "web0, web1")
	assert.Contains(t, out, "w3wp.dmp (2048 bytes) logs/w3wp.dmp")
	assert.Contains(t, out, "report w3wp.html reports/w3wp.html")
	assert.Contains(t, out, "analyzer: symbols missing")
	assert.Contains(t, out, "Waiting for: web1")
}

func TestPrintToolTable(t *testing.T) {
	var buf bytes.Buffer
	PrintToolTable(&buf, []tools.Info{
		{Name: "MemoryDump", Description: "Full dump", RequiresStorage: true, CanAnalyze: true},
		{Name: "Profiler"},
	})
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "TOOL        ANALYZE  STORAGE  DESCRIPTION", string(lines[0]))
	assert.Equal(t, "MemoryDump  yes      yes      Full dump", string(lines[1]))
	assert.Equal(t, "Profiler    no       no", string(lines[2]))
}

func TestErrorHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewErrorHandler(false, &buf)

	err := h.Handle(errors.SessionAlreadyActive("s1", "MemoryDump"))
	require.Error(t, err)
	assert.Contains(t, buf.String(), "Error: there is already an existing active session for MemoryDump")
	assert.Contains(t, buf.String(), "Wait for session s1 to finish")

	buf.Reset()
	h.Verbose = true
	h.Handle(fmt.Errorf("submit: %w", errors.UnknownTool("Nope")))
	assert.Contains(t, buf.String(), "invalid diagnostic tool 'Nope'")
	assert.Contains(t, buf.String(), "daas tools")
	assert.Contains(t, buf.String(), `"code": "UNKNOWN_TOOL"`)

	buf.Reset()
	h.Handle(fmt.Errorf("boom"))
	assert.Equal(t, "Error: boom\n", buf.String())

	assert.NoError(t, h.Handle(nil))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteConfig(t, dir, "storage:\n  root: "+dir+"\n")

	cfg, err := LoadConfig(CommandOptions{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Storage.Root)

	_, err = LoadConfig(CommandOptions{ConfigFile: dir + "/missing.yml"})
	assert.Equal(t, errors.ErrCodeConfigNotFound, errors.GetCode(err))
}
