package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/blob"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/logging"
	"github.com/sirupsen/logrus"
)

// maxIDSuffix bounds the attempts to find a free session id.
const maxIDSuffix = 100

// SubmitOptions describes who is submitting.
type SubmitOptions struct {
	// InvokedViaAutomation subjects the submission to rate limits.
	InvokedViaAutomation bool
	// InvokedViaConsole is recorded for auditing only.
	InvokedViaConsole bool
}

// SubmitNewSession validates req and creates it as the active session. The
// caller supplies Tool, Instances and optionally Mode, ToolParams and
// Description; everything else is assigned here. Rejections are
// *errors.DaasError values whose code names the reason.
func (c *Coordinator) SubmitNewSession(ctx context.Context, req *session.Session, opts SubmitOptions) (string, error) {
	if mode := c.opts.ComputeMode; mode != "" && !strings.EqualFold(mode, config.ComputeModeDedicated) {
		return "", errors.UnsupportedComputeMode(mode)
	}
	if req == nil {
		return "", errors.New(errors.ErrCodeInvalidInput, "session request is required")
	}

	l, err := c.locks.Acquire(ctx, submissionLockID, c.opts.InstanceID+"/submit")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize submission")
	}
	defer func() {
		if err := l.Release(); err != nil {
			c.logger.WithError(err).Warn("Failed to release submission lock")
		}
	}()

	active, err := c.store.Load(ctx, store.DirActive)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to load active sessions")
	}
	if len(active) > 0 {
		return "", errors.SessionAlreadyActive(active[0].SessionID, active[0].Tool)
	}

	s := req.Clone()
	s.Normalize()
	if err := c.validate(ctx, s, opts); err != nil {
		return "", err
	}

	tool, _ := c.tools.Lookup(s.Tool)
	s.Tool = tool.Name
	s.StartTime = c.now()
	s.EndTime = nil
	s.Status = session.StatusActive
	s.ActiveInstances = []session.ActiveInstance{}
	s.DefaultScmHostName = c.opts.ScmHostName
	s.BlobStorageHostName = ""
	if tool.RequiresStorage {
		s.BlobStorageHostName = blob.HostName(c.opts.BlobSasURI)
	}

	if err := c.create(ctx, s); err != nil {
		return "", err
	}

	logging.WithSession(c.logger, s.SessionID).WithFields(logrus.Fields{
		"tool":                   s.Tool,
		"mode":                   s.Mode,
		"instances":              strings.Join(s.Instances, ","),
		"default_scm_host_name":  s.DefaultScmHostName,
		"blob_host_name":         s.BlobStorageHostName,
		"invoked_via_console":    opts.InvokedViaConsole,
		"invoked_via_automation": opts.InvokedViaAutomation,
	}).Info("New session submitted")
	return s.SessionID, nil
}

func (c *Coordinator) validate(ctx context.Context, s *session.Session, opts SubmitOptions) error {
	instances := s.Instances[:0]
	for _, inst := range s.Instances {
		if inst = strings.TrimSpace(inst); inst != "" {
			instances = append(instances, inst)
		}
	}
	s.Instances = instances
	if len(s.Instances) == 0 {
		return errors.NoInstances()
	}

	s.Tool = strings.TrimSpace(s.Tool)
	if s.Tool == "" {
		return errors.ToolNotSpecified()
	}
	tool, ok := c.tools.Lookup(s.Tool)
	if !ok {
		return errors.UnknownTool(s.Tool)
	}
	if tool.RequiresStorage && strings.TrimSpace(c.opts.BlobSasURI) == "" {
		return errors.StorageNotConfigured(s.Tool, "storage.blob_sas_uri")
	}
	mode, err := session.ParseMode(string(s.Mode))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput,
			fmt.Sprintf("mode must be %s or %s", session.ModeCollect, session.ModeCollectAndAnalyze)).
			WithDetail("mode", string(s.Mode))
	}
	s.Mode = mode
	if s.Mode == session.ModeCollectAndAnalyze && !tool.CanAnalyze() {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("the tool '%s' has no analyzer; use mode %s", tool.Name, session.ModeCollect)).
			WithDetail("tool", tool.Name)
	}

	if opts.InvokedViaAutomation {
		return c.checkLimits(ctx)
	}
	return nil
}

// checkLimits counts completed sessions by start time against the daily cap
// and the rolling-window cap.
func (c *Coordinator) checkLimits(ctx context.Context) error {
	completed, err := c.store.Load(ctx, store.DirCompleted)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load completed sessions")
	}

	now := c.now()
	limits := c.opts.Limits
	lastDay := countSince(completed, now.Add(-24*time.Hour))
	if lastDay >= limits.MaxSessionsPerDay {
		return errors.DailyLimitExceeded(limits.MaxSessionsPerDay)
	}
	inPeriod := countSince(completed, now.Add(-limits.Period))
	if inPeriod >= limits.MaxSessionsInPeriod {
		return errors.WindowLimitExceeded(limits.MaxSessionsInPeriod, limits.Period)
	}
	c.logger.WithFields(logrus.Fields{
		"period":             limits.Period.String(),
		"sessions_in_period": inPeriod,
	}).Debug("Automation submission within limits")
	return nil
}

func countSince(sessions []*session.Session, since time.Time) int {
	n := 0
	for _, s := range sessions {
		if s.StartTime.After(since) {
			n++
		}
	}
	return n
}

// create writes the record under an id derived from its start time. An id
// already taken in either directory gets a numeric suffix.
func (c *Coordinator) create(ctx context.Context, s *session.Session) error {
	base := session.NewID(s.StartTime)
	for i := 0; i < maxIDSuffix; i++ {
		s.SessionID = base
		if i > 0 {
			s.SessionID = fmt.Sprintf("%s-%d", base, i)
		}
		if _, err := c.store.Get(ctx, s.SessionID, store.DirCompleted); err == nil {
			continue
		}
		err := c.store.Create(ctx, s, store.DirActive)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, store.ErrAlreadyExists) {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save session").
				WithDetail("sessionId", s.SessionID)
		}
	}
	return errors.New(errors.ErrCodeInternal, "no free session id").WithDetail("sessionId", base)
}
