package coordinator

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/logging"
)

// DeleteSession removes a completed session together with its artifacts.
// Active sessions cannot be deleted.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	s, err := c.store.Get(ctx, sessionID, store.DirCompleted)
	if err != nil {
		if isNotFound(err) {
			return errors.SessionNotFound(sessionID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load session").
			WithDetail("sessionId", sessionID)
	}
	logger := logging.WithSession(c.logger, sessionID)

	if tool, ok := c.tools.Lookup(s.Tool); ok && tool.RequiresStorage {
		c.deleteLogsFromBlob(ctx, s)
	}

	for _, dir := range []string{c.opts.LogsDir, c.opts.ReportsDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, sessionID)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete session artifacts").
				WithDetail("sessionId", sessionID)
		}
	}

	if err := c.store.Delete(ctx, sessionID, store.DirCompleted); err != nil && !isNotFound(err) {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete session").
			WithDetail("sessionId", sessionID)
	}
	logger.Info("Session deleted")
	return nil
}

// deleteLogsFromBlob deletes every log of s from blob storage. Failures are
// logged and do not stop the deletion.
func (c *Coordinator) deleteLogsFromBlob(ctx context.Context, s *session.Session) {
	logger := logging.WithSession(c.logger, s.SessionID)
	if c.blobs == nil {
		logger.Warn("No blob storage configured, leaving blob artifacts in place")
		return
	}
	for _, ai := range s.ActiveInstances {
		for _, log := range ai.Logs {
			if err := c.blobs.Delete(ctx, log.PartialPath); err != nil {
				logger.WithError(err).WithField("path", log.PartialPath).Error("Failed to delete log from blob storage")
			}
		}
	}
}

func isNotFound(err error) bool {
	return stderrors.Is(err, store.ErrNotFound)
}
