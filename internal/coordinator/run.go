package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/logging"
)

// RunToolForSession runs the session's tool on this instance and records
// the outcome. It picks up where a previous run on this instance stopped:
// collection is skipped once the entry is past Started, analysis once it is
// terminal. Tool failures are recorded in the session; the returned error
// only reports failures of the protocol itself, which are also logged.
func (c *Coordinator) RunToolForSession(ctx context.Context, s *session.Session) (err error) {
	logger := logging.WithSession(c.logger, s.SessionID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while running tool: %v", r)
			logger.WithField("stack", string(debug.Stack())).WithError(err).Error("Exception while running tool")
		}
	}()

	if err := c.runTool(ctx, s); err != nil {
		logger.WithError(err).Error("Failed while running tool")
		return err
	}
	return nil
}

func (c *Coordinator) runTool(ctx context.Context, s *session.Session) error {
	if !s.IsTarget(c.opts.InstanceID) {
		return fmt.Errorf("instance %s is not a target of session %s", c.opts.InstanceID, s.SessionID)
	}
	tool, ok := c.tools.Lookup(s.Tool)
	if !ok {
		return fmt.Errorf("diagnostic tool %q not found", s.Tool)
	}
	name := s.TargetName(c.opts.InstanceID)
	logger := logging.WithSession(c.logger, s.SessionID).WithField("instance", name)

	current := s.FindInstance(name)
	if current == nil || current.Status == session.StatusActive || current.Status == session.StatusStarted {
		c.setInstanceStatus(ctx, s.SessionID, name, session.StatusStarted)

		logger.WithField("tool", tool.Name).Info("Collecting logs")
		resp, err := collect(ctx, tool.Collector, s)
		if err != nil {
			logger.WithError(err).Error("Tool invocation failed")
			resp = &tools.Response{Errors: []string{collectorFailurePrefix + err.Error()}}
		}
		if !c.appendCollectorResponse(ctx, s.SessionID, name, resp) {
			return fmt.Errorf("collector response for %s was not recorded", name)
		}
	}

	if current == nil || !current.Status.IsTerminal() {
		if err := c.analyze(ctx, tool, s.SessionID, name); err != nil {
			return err
		}
	}

	if !c.setInstanceStatus(ctx, s.SessionID, name, session.StatusComplete) {
		return fmt.Errorf("completion of %s was not recorded", name)
	}

	if _, err := c.CheckAndCompleteSessionIfNeeded(ctx, false); err != nil {
		return err
	}
	return nil
}

func collect(ctx context.Context, collector tools.Collector, s *session.Session) (resp *tools.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	resp, err = collector.CollectLogs(ctx, s.Clone())
	if err == nil && resp == nil {
		resp = &tools.Response{}
	}
	return resp, err
}

func analyzeLogs(ctx context.Context, analyzer tools.Analyzer, logs []*session.LogFile, s *session.Session) (errs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panicked: %v", r)
		}
	}()
	return analyzer.AnalyzeLogs(ctx, logs, s)
}

// setInstanceStatus records this instance's progress. A terminal entry is
// never moved back to Started.
func (c *Coordinator) setInstanceStatus(ctx context.Context, sessionID, name string, status session.Status) bool {
	logging.WithSession(c.logger, sessionID).WithField("status", status).Debug("Setting current instance status")
	return c.UpdateActiveSession(ctx, sessionID, "setInstanceStatus", func(latest *session.Session) *session.Session {
		ai := latest.EnsureInstance(name)
		if status == session.StatusStarted && ai.Status.IsTerminal() {
			return latest
		}
		ai.Status = status
		return latest
	})
}

// appendCollectorResponse reports whether the response reached the record.
func (c *Coordinator) appendCollectorResponse(ctx context.Context, sessionID, name string, resp *tools.Response) bool {
	logger := logging.WithSession(c.logger, sessionID)
	return c.UpdateActiveSession(ctx, sessionID, "appendCollectorResponse", func(latest *session.Session) *session.Session {
		ai := latest.EnsureInstance(name)
		added := ai.MergeLogs(resp.Logs)
		ai.MergeCollectorErrors(resp.Errors)
		if !ai.Status.IsTerminal() {
			ai.Status = session.StatusAnalyzing
		}
		logger.WithField("logs_added", added).WithField("errors", len(resp.Errors)).Debug("Merged collector response")
		return latest
	})
}

// analyze runs the analyzer over this instance's logs as currently recorded
// and attaches the reports. Logs that already carry reports are skipped.
func (c *Coordinator) analyze(ctx context.Context, tool *tools.Tool, sessionID, name string) error {
	latest, err := c.store.Get(ctx, sessionID, store.DirActive)
	if err != nil {
		return fmt.Errorf("failed to reload session before analysis: %w", err)
	}
	if latest.Mode != session.ModeCollectAndAnalyze {
		return nil
	}
	ai := latest.FindInstance(name)
	if ai == nil {
		return nil
	}

	var pending []*session.LogFile
	for i := range ai.Logs {
		if len(ai.Logs[i].Reports) == 0 {
			pending = append(pending, &ai.Logs[i])
		}
	}
	if len(pending) == 0 {
		return nil
	}

	logger := logging.WithSession(c.logger, sessionID).WithField("instance", name)
	var errs []string
	if !tool.CanAnalyze() {
		errs = []string{fmt.Sprintf("Analyzer not found in %s", tool.Name)}
	} else {
		logger.WithField("logs", len(pending)).Info("Analyzing logs")
		analyzerErrs, err := analyzeLogs(ctx, tool.Analyzer, pending, latest)
		errs = analyzerErrs
		if err != nil {
			logger.WithError(err).Error("Analyzer failed")
			errs = append(errs, fmt.Sprintf("Analyzer failed with error - %v", err))
		}
	}

	analyzed := make([]session.LogFile, len(pending))
	for i, log := range pending {
		analyzed[i] = *log
	}

	ok := c.UpdateActiveSession(ctx, sessionID, "analyze", func(fresh *session.Session) *session.Session {
		entry := fresh.FindInstance(name)
		if entry == nil {
			return fresh
		}
		if unmatched := entry.AttachReports(analyzed); len(unmatched) > 0 {
			logger.WithField("logs", strings.Join(unmatched, ",")).Warn("Reports produced for logs no longer in the session")
		}
		entry.MergeAnalyzerErrors(errs)
		return fresh
	})
	if !ok {
		return fmt.Errorf("analysis of %s was not recorded", name)
	}
	return nil
}

// CheckAndCompleteSessionIfNeeded completes the active session once every
// target has a terminal entry, or unconditionally when force is set (the
// session is then marked TimedOut). It reports whether completion was
// initiated.
func (c *Coordinator) CheckAndCompleteSessionIfNeeded(ctx context.Context, force bool) (bool, error) {
	active, err := c.GetActiveSession(ctx, false)
	if err != nil {
		return false, err
	}
	if active == nil {
		return false, nil
	}
	if !force && !active.AllInstancesFinished() {
		return false, nil
	}

	logging.WithSession(c.logger, active.SessionID).WithField("forced", force).Info("All instances finished, completing session")
	c.markSessionComplete(ctx, active, force)
	return true, nil
}

// markSessionComplete stamps the terminal status and archives the record.
// The move happens under the session lock so no later merge can write the
// record back into the active directory; releasing the lock removes the
// lock artifact. Several instances may race here and losing the race only
// produces warnings.
func (c *Coordinator) markSessionComplete(ctx context.Context, active *session.Session, force bool) {
	logger := logging.WithSession(c.logger, active.SessionID)

	status := session.StatusComplete
	if force {
		status = session.StatusTimedOut
	}
	archived := false
	transform := func(latest *session.Session) *session.Session {
		end := c.now()
		latest.Status = status
		latest.EndTime = &end
		return latest
	}
	c.updateActiveSession(ctx, active.SessionID, "markSessionComplete", transform, func(*session.Session) {
		logger.Debug("Moving session to the completed directory")
		if err := c.store.Move(ctx, active.SessionID, store.DirActive, store.DirCompleted); err != nil {
			logger.WithError(err).Warn("Failed to archive session")
			return
		}
		archived = true
	})
	if archived {
		logger.WithField("duration", c.now().Sub(active.StartTime).String()).Info("Session is complete")
	}
}

// CancelOrphanedInstancesIfNeeded marks every target of s that never
// checked in as Complete with an error. Entries that appeared in the
// meantime are left alone. It returns the names it orphaned.
func (c *Coordinator) CancelOrphanedInstancesIfNeeded(ctx context.Context, s *session.Session) []string {
	orphans := s.OrphanedInstances()
	if len(orphans) == 0 {
		return nil
	}

	logger := logging.WithSession(c.logger, s.SessionID)
	logger.WithField("instances", strings.Join(orphans, ",")).Warn("Orphaning instances that have not picked up the session")

	var added []string
	c.UpdateActiveSession(ctx, s.SessionID, "cancelOrphanedInstances", func(latest *session.Session) *session.Session {
		added = added[:0]
		for _, name := range orphans {
			if latest.FindInstance(name) != nil {
				continue
			}
			ai := session.NewActiveInstance(name)
			ai.Status = session.StatusComplete
			ai.CollectorErrors = append(ai.CollectorErrors, OrphanedInstanceError)
			latest.ActiveInstances = append(latest.ActiveInstances, ai)
			added = append(added, name)
		}
		return latest
	})
	return added
}
