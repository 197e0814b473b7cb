// Package lock provides the advisory per-session lock that serializes record
// mutations across instances sharing a store.
//
// The lock is the existence of an artifact created with exclusive-create
// semantics; there is no lease. Acquisition retries on a fixed cadence and,
// once the budget is spent, presumes the holder dead: the artifact is
// force-removed and the caller is told no lock was obtained, so a crashed
// holder can never wedge the cluster.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/pkg/process"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when the retry budget is exhausted. The stale
// artifact has been removed by then, so a later attempt can succeed.
var ErrLockTimeout = errors.New("session lock not acquired within retry budget")

var errBusy = errors.New("lock is held")

const (
	DefaultRetryInterval = time.Second
	DefaultMaxAttempts   = 60
)

// Options tunes acquisition.
type Options struct {
	RetryInterval time.Duration
	MaxAttempts   int
}

// Info is the content of a lock artifact.
type Info struct {
	SessionID  string    `json:"session_id"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager acquires session locks against a lock store.
type Manager struct {
	store    store.LockStore
	opts     Options
	hostname string
	logger   *logrus.Entry
}

// NewManager creates a lock manager. Zero options take the defaults.
func NewManager(st store.LockStore, opts Options, logger *logrus.Entry) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		store:    st,
		opts:     opts,
		hostname: process.Hostname(),
		logger:   logger,
	}
}

// ArtifactName is the lock artifact co-located with a session's record.
func ArtifactName(sessionID string) string {
	return sessionID + ".json.lock"
}

// Acquire takes the lock for sessionID on behalf of requester. It returns
// ErrLockTimeout after force-releasing the artifact when the budget runs
// out, or the context's error when ctx is done first.
func (m *Manager) Acquire(ctx context.Context, sessionID, requester string) (*Lock, error) {
	name := ArtifactName(sessionID)
	logger := m.logger.WithField("session_id", sessionID).WithField("requester", requester)

	info := Info{
		SessionID: sessionID,
		Holder:    requester,
		Token:     uuid.NewString(),
		PID:       os.Getpid(),
		Hostname:  m.hostname,
	}

	attempt := func() (*Lock, error) {
		info.AcquiredAt = time.Now().UTC()
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to marshal lock: %w", err))
		}

		err = m.store.CreateLockArtifact(ctx, name, data)
		if errors.Is(err, store.ErrAlreadyExists) && m.reclaimIfStale(ctx, name, logger) {
			err = m.store.CreateLockArtifact(ctx, name, data)
		}
		switch {
		case err == nil:
			return &Lock{Info: info, name: name, store: m.store, logger: logger}, nil
		case errors.Is(err, store.ErrAlreadyExists):
			return nil, errBusy
		default:
			logger.WithError(err).Debug("Lock artifact create failed")
			return nil, err
		}
	}

	logger.Debug("Acquiring session lock")
	l, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.opts.RetryInterval)),
		backoff.WithMaxTries(uint(m.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		logger.Debug("Acquired session lock")
		return l, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	logger.WithError(err).Warn("Deleting the lock artifact as it seems to be orphaned")
	if rmErr := m.store.RemoveLockArtifact(context.WithoutCancel(ctx), name); rmErr != nil {
		logger.WithError(rmErr).Warn("Failed to delete orphaned lock artifact")
	}
	return nil, ErrLockTimeout
}

// reclaimIfStale removes the artifact when its holder ran on this host and
// that process is gone.
func (m *Manager) reclaimIfStale(ctx context.Context, name string, logger *logrus.Entry) bool {
	data, err := m.store.ReadLockArtifact(ctx, name)
	if err != nil {
		// released between create and read
		return errors.Is(err, store.ErrNotFound)
	}
	var held Info
	if err := json.Unmarshal(data, &held); err != nil {
		return false
	}
	if !process.IsDeadLocalHolder(held.Hostname, held.PID) {
		return false
	}
	if err := m.store.RemoveLockArtifact(ctx, name); err != nil {
		return false
	}
	logger.WithField("old_pid", held.PID).WithField("old_holder", held.Holder).Warn("Reclaimed stale session lock")
	return true
}

// Read returns the current holder of a session's lock.
func (m *Manager) Read(ctx context.Context, sessionID string) (*Info, error) {
	data, err := m.store.ReadLockArtifact(ctx, ArtifactName(sessionID))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock artifact: %w", err)
	}
	return &info, nil
}

// Lock is an acquired session lock.
type Lock struct {
	Info

	name   string
	store  store.LockStore
	logger *logrus.Entry

	mu       sync.Mutex
	released bool
}

// Release removes the artifact if it still carries this lock's token. It is
// safe to call more than once and on a nil Lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	ctx := context.Background()
	data, err := l.store.ReadLockArtifact(ctx, l.name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	var held Info
	if err := json.Unmarshal(data, &held); err == nil && held.Token != l.Token {
		l.logger.Debug("Lock was reclaimed by another holder, leaving it in place")
		return nil
	}
	if err := l.store.RemoveLockArtifact(ctx, l.name); err != nil {
		return err
	}
	l.logger.Debug("Released session lock")
	return nil
}

// Held reports whether the artifact still carries this lock's token. A lock
// force-released by a contender that ran out of attempts is no longer held.
func (l *Lock) Held(ctx context.Context) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return false
	}
	data, err := l.store.ReadLockArtifact(ctx, l.name)
	if err != nil {
		return false
	}
	var held Info
	if err := json.Unmarshal(data, &held); err != nil {
		return false
	}
	return held.Token == l.Token
}
