// Package coordinator drives diagnostic sessions across every instance that
// shares a record store.
//
// Instances never talk to each other. Each one reads the shared record,
// contributes its own progress through a lock-protected merge-update and
// runs the completion check itself; whichever instance observes the last
// terminal entry archives the session.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/internal/blob"
	"github.com/grovetools/daas/internal/lock"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/logging"
	"github.com/sirupsen/logrus"
)

const (
	// OrphanedInstanceError is recorded for targets that never checked in.
	OrphanedInstanceError = "The instance did not pick up the session within the required time"

	collectorFailurePrefix = "Invoking diagnostic tool failed with error - "

	// submissionLockID names the cluster-wide lock taken while a new session
	// is validated and created.
	submissionLockID = "_submission"
)

// Options configures a coordinator for one instance.
type Options struct {
	// InstanceID is the name this instance appears under in Instances.
	InstanceID string
	// ComputeMode, when set, must be config.ComputeModeDedicated.
	ComputeMode string
	BlobSasURI  string
	ScmHostName string
	LogsDir     string
	ReportsDir  string
	Limits      config.LimitsConfig
	Lock        lock.Options
	// IncludeSASURI fills LogFile.RelativePath on every read.
	IncludeSASURI bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig derives coordinator options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		InstanceID:    cfg.InstanceID(),
		ComputeMode:   cfg.Instance.ComputeMode,
		BlobSasURI:    cfg.Storage.BlobSasURI,
		ScmHostName:   cfg.Storage.ScmHostName,
		LogsDir:       cfg.Storage.LogsDir,
		ReportsDir:    cfg.Storage.ReportsDir,
		Limits:        cfg.Limits,
		IncludeSASURI: cfg.Storage.IncludeSASURI,
		Lock: lock.Options{
			RetryInterval: cfg.Lock.RetryInterval,
			MaxAttempts:   cfg.Lock.MaxAttempts,
		},
	}
}

// Coordinator implements the session protocol for one instance. It holds no
// session state of its own and is safe for concurrent use.
type Coordinator struct {
	store  store.Store
	locks  *lock.Manager
	tools  *tools.Registry
	blobs  blob.Deleter
	opts   Options
	logger *logrus.Entry
}

// New creates a coordinator. A nil logger uses the "coordinator" component
// logger.
func New(st store.Store, reg *tools.Registry, opts Options, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logging.NewLogger("coordinator")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limits.MaxSessionsPerDay <= 0 {
		opts.Limits.MaxSessionsPerDay = config.DefaultMaxSessionsPerDay
	}
	if opts.Limits.MaxSessionsInPeriod <= 0 {
		opts.Limits.MaxSessionsInPeriod = config.DefaultMaxSessionsInPeriod
	}
	if opts.Limits.Period <= 0 {
		opts.Limits.Period = config.DefaultPeriod
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return &Coordinator{
		store:  st,
		locks:  lock.NewManager(st, opts.Lock, logger.WithField("subsystem", "lock")),
		tools:  reg,
		opts:   opts,
		logger: logger,
	}
}

// WithBlobDeleter sets the backend used to delete storage-backed artifacts.
func (c *Coordinator) WithBlobDeleter(d blob.Deleter) *Coordinator {
	c.blobs = d
	return c
}

// WithSASURIs returns a coordinator sharing c's store and locks whose reads
// fill artifact URLs.
func (c *Coordinator) WithSASURIs() *Coordinator {
	cp := *c
	cp.opts.IncludeSASURI = true
	return &cp
}

// InstanceID returns the name of the local instance.
func (c *Coordinator) InstanceID() string {
	return c.opts.InstanceID
}

// Tools returns the tool registry.
func (c *Coordinator) Tools() *tools.Registry {
	return c.tools
}

// ListTools describes the registered tools.
func (c *Coordinator) ListTools() []tools.Info {
	return c.tools.List()
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().UTC()
}

// UpdateActiveSession applies transform to the freshly loaded active record
// under the session lock and writes the result back. It reports whether the
// write happened; a lock timeout, a missing record or a failing transform
// drops the update after logging it.
func (c *Coordinator) UpdateActiveSession(ctx context.Context, sessionID, caller string, transform func(*session.Session) *session.Session) bool {
	return c.updateActiveSession(ctx, sessionID, caller, transform, nil)
}

// updateActiveSession is UpdateActiveSession with a hook that runs after a
// successful write while the lock is still held.
func (c *Coordinator) updateActiveSession(ctx context.Context, sessionID, caller string, transform func(*session.Session) *session.Session, afterWrite func(*session.Session)) bool {
	logger := logging.WithSession(c.logger, sessionID).WithField("caller", caller)

	l, err := c.locks.Acquire(ctx, sessionID, c.opts.InstanceID+"/"+caller)
	if err != nil {
		logger.WithError(err).Warn("Failed to acquire session lock, dropping update")
		return false
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.WithError(err).Warn("Failed to release session lock")
		}
	}()

	latest, err := c.store.Get(ctx, sessionID, store.DirActive)
	if err != nil {
		logger.WithError(err).Warn("Active session could not be reloaded, dropping update")
		return false
	}

	result, err := applyTransform(transform, latest)
	if err != nil {
		logger.WithError(err).Error("Failed while updating session")
		return false
	}
	if result == nil {
		return false
	}

	if !l.Held(ctx) {
		logger.Warn("Session lock was force-released while updating, dropping update")
		return false
	}
	if err := c.store.Write(ctx, result, store.DirActive); err != nil {
		logger.WithError(err).Error("Failed to write session")
		return false
	}
	if afterWrite != nil {
		afterWrite(result)
	}
	return true
}

func applyTransform(transform func(*session.Session) *session.Session, s *session.Session) (result *session.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return transform(s), nil
}
