package coordinator

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/blob"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
)

// GetActiveSession returns the active session, or nil when there is none.
// Detailed reads include tool status messages and trimmed report lists.
func (c *Coordinator) GetActiveSession(ctx context.Context, detailed bool) (*session.Session, error) {
	active, err := c.loadSessions(ctx, detailed, store.DirActive)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

// GetAllSessions returns active and completed sessions, newest first.
func (c *Coordinator) GetAllSessions(ctx context.Context, detailed bool) ([]*session.Session, error) {
	sessions, err := c.loadSessions(ctx, detailed, store.DirActive, store.DirCompleted)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

// GetCompletedSessions returns archived sessions, newest first.
func (c *Coordinator) GetCompletedSessions(ctx context.Context) ([]*session.Session, error) {
	sessions, err := c.loadSessions(ctx, false, store.DirCompleted)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

// GetSession finds a session by id in either directory.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string, detailed bool) (*session.Session, error) {
	for _, dir := range []store.Dir{store.DirActive, store.DirCompleted} {
		s, err := c.store.Get(ctx, sessionID, dir)
		if err == nil {
			c.decorate(s, detailed)
			return s, nil
		}
		if !isNotFound(err) {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load session").
				WithDetail("sessionId", sessionID)
		}
	}
	return nil, errors.SessionNotFound(sessionID)
}

// ShouldCollectOnCurrentInstance reports whether this instance is a target.
func (c *Coordinator) ShouldCollectOnCurrentInstance(s *session.Session) bool {
	return s != nil && s.IsTarget(c.opts.InstanceID)
}

// HasThisInstanceCollectedLogs reports whether the active session already
// has a Complete entry for this instance.
func (c *Coordinator) HasThisInstanceCollectedLogs(ctx context.Context) (bool, error) {
	active, err := c.GetActiveSession(ctx, false)
	if err != nil || active == nil {
		return false, err
	}
	ai := active.FindInstance(c.opts.InstanceID)
	return ai != nil && ai.Status == session.StatusComplete, nil
}

func (c *Coordinator) loadSessions(ctx context.Context, detailed bool, dirs ...store.Dir) ([]*session.Session, error) {
	var sessions []*session.Session
	for _, dir := range dirs {
		loaded, err := c.store.Load(ctx, dir)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load sessions").
				WithDetail("dir", string(dir))
		}
		for _, s := range loaded {
			c.decorate(s, detailed)
		}
		sessions = append(sessions, loaded...)
	}
	return sessions, nil
}

func sortNewestFirst(sessions []*session.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
}

// decorate fills the read-only fields of a loaded record.
func (c *Coordinator) decorate(s *session.Session, detailed bool) {
	if c.opts.IncludeSASURI {
		c.fillRelativePaths(s)
	}
	if !detailed {
		return
	}
	if s.Status == session.StatusActive {
		c.fillStatusMessages(s)
	}
	for i := range s.ActiveInstances {
		logs := s.ActiveInstances[i].Logs
		for j := range logs {
			logs[j].Reports = session.SanitizeReports(logs[j].Reports)
		}
	}
}

// fillRelativePaths computes artifact URLs: blob URLs carrying the SAS for
// storage-backed tools, file-system API URLs otherwise.
func (c *Coordinator) fillRelativePaths(s *session.Session) {
	tool, ok := c.tools.Lookup(s.Tool)
	if !ok {
		return
	}
	scmHost := c.opts.ScmHostName
	if scmHost == "" {
		scmHost = s.DefaultScmHostName
	}
	for i := range s.ActiveInstances {
		logs := s.ActiveInstances[i].Logs
		for j := range logs {
			if tool.RequiresStorage {
				logs[j].RelativePath = blob.PathWithSAS(c.opts.BlobSasURI, logs[j].PartialPath)
			} else {
				logs[j].RelativePath = vfsPath(scmHost, logs[j].PartialPath)
			}
			for k := range logs[j].Reports {
				logs[j].Reports[k].RelativePath = vfsPath(scmHost, logs[j].Reports[k].PartialPath)
			}
		}
	}
}

func vfsPath(scmHost, partialPath string) string {
	return strings.TrimSuffix(scmHost, "/") + "/api/vfs/" + strings.TrimPrefix(filepath.ToSlash(partialPath), "/")
}

// fillStatusMessages reads the progress files collectors and analyzers leave
// next to their output.
func (c *Coordinator) fillStatusMessages(s *session.Session) {
	for i := range s.ActiveInstances {
		ai := &s.ActiveInstances[i]
		if c.opts.LogsDir != "" {
			dir := filepath.Join(c.opts.LogsDir, s.SessionID, ai.Name)
			if messages, ok := c.readStatusFile(dir); ok {
				ai.CollectorStatusMessages = messages
			}
		}
		if c.opts.ReportsDir == "" {
			continue
		}
		// logs of one collection share a start time and so a reports directory
		seen := make(map[string]bool)
		for _, log := range ai.Logs {
			dir := filepath.Join(c.opts.ReportsDir, s.SessionID, session.LogDirName(log.StartTime))
			if seen[dir] {
				continue
			}
			seen[dir] = true
			if messages, ok := c.readStatusFile(dir); ok {
				ai.AnalyzerStatusMessages = append(ai.AnalyzerStatusMessages, messages...)
			}
		}
	}
}

// readStatusFile returns the lines of the first status file directly under
// dir.
func (c *Coordinator) readStatusFile(dir string) ([]string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+tools.StatusFileSuffix))
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	sort.Strings(matches)

	f, err := os.Open(matches[0])
	if err != nil {
		c.logger.WithError(err).WithField("path", matches[0]).Warn("Failed to read status file")
		return nil, false
	}
	defer f.Close()

	messages := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		messages = append(messages, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).WithField("path", matches[0]).Warn("Failed to read status file")
	}
	return messages, true
}
