// Package runner is the per-instance engine that drives the coordinator: it
// polls the shared store, runs the tool when this instance is a target,
// cancels instances that never checked in and forces completion of sessions
// that run too long.
package runner

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/version"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Options tunes the runner.
type Options struct {
	PollInterval time.Duration
	// OrphanTimeout is measured from the session start.
	OrphanTimeout      time.Duration
	MaxSessionDuration time.Duration
	// WatchDir enables filesystem notifications on the active directory.
	WatchDir string
	Debounce time.Duration
	Now      func() time.Time
}

// OptionsFromConfig derives runner options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PollInterval:       cfg.Runner.PollInterval,
		OrphanTimeout:      cfg.Runner.OrphanTimeout,
		MaxSessionDuration: cfg.Runner.MaxSessionDuration,
	}
	if cfg.Runner.Watch != nil && *cfg.Runner.Watch && cfg.Storage.Root != "" {
		opts.WatchDir = filepath.Join(cfg.Storage.Root, string(store.DirActive))
	}
	return opts
}

// Status is a snapshot of what the runner is doing.
type Status struct {
	InstanceID    string    `json:"instance_id"`
	Version       string    `json:"version"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastPoll      time.Time `json:"last_poll,omitempty"`
	ActiveSession string    `json:"active_session,omitempty"`
	Running       []string  `json:"running,omitempty"`
	PollInterval  string    `json:"poll_interval"`
	Watching      bool      `json:"watching"`
}

// Runner polls for the active session and acts on it.
type Runner struct {
	coord  *coordinator.Coordinator
	opts   Options
	events *Hub
	logger *logrus.Entry

	mu            sync.Mutex
	running       map[string]bool
	startedAt     time.Time
	lastPoll      time.Time
	activeSession string
	watching      bool

	tools conc.WaitGroup
}

// New creates a runner for coord.
func New(coord *coordinator.Coordinator, opts Options, logger *logrus.Entry) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = config.DefaultOrphanTimeout
	}
	if opts.MaxSessionDuration <= 0 {
		opts.MaxSessionDuration = config.DefaultMaxSessionDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		coord:   coord,
		opts:    opts,
		events:  NewHub(),
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Events returns the hub runner events are published on.
func (r *Runner) Events() *Hub {
	return r.events
}

// Run polls until ctx is cancelled, then waits for tool runs to return.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = r.opts.Now().UTC()
	r.mu.Unlock()

	triggers := make(chan struct{}, 1)
	var wg conc.WaitGroup

	if r.opts.WatchDir != "" {
		w, err := NewActiveDirWatcher(r.opts.WatchDir, r.opts.Debounce, func(file string) {
			r.logger.WithField("file", file).Debug("Active directory changed")
			select {
			case triggers <- struct{}{}:
			default:
			}
		}, r.logger.WithField("subsystem", "watcher"))
		if err != nil {
			r.logger.WithError(err).WithField("dir", r.opts.WatchDir).Warn("Failed to watch active directory, relying on polling")
		} else {
			r.mu.Lock()
			r.watching = true
			r.mu.Unlock()
			wg.Go(func() { w.Start(ctx) })
		}
	}

	wg.Go(func() { r.loop(ctx, triggers) })
	wg.Wait()

	r.logger.Info("Waiting for running tools to stop")
	r.tools.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, triggers <-chan struct{}) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		case <-triggers:
			r.Tick(ctx)
		}
	}
}

// Tick performs one pass over the active session.
func (r *Runner) Tick(ctx context.Context) {
	now := r.opts.Now().UTC()
	active, err := r.coord.GetActiveSession(ctx, false)
	r.recordPoll(now, active)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to load the active session")
		return
	}
	if active == nil {
		return
	}

	logger := r.logger.WithField("session_id", active.SessionID)
	age := now.Sub(active.StartTime)

	if age >= r.opts.MaxSessionDuration {
		logger.WithField("age", age.String()).Warn("Session exceeded the maximum duration, forcing completion")
		if completed, err := r.coord.CheckAndCompleteSessionIfNeeded(ctx, true); err != nil {
			logger.WithError(err).Error("Forced completion failed")
		} else if completed {
			r.events.Publish(Event{Type: EventSessionTimedOut, SessionID: active.SessionID})
		}
		return
	}

	if r.coord.ShouldCollectOnCurrentInstance(active) {
		collected, err := r.coord.HasThisInstanceCollectedLogs(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to check this instance's progress")
		} else if !collected && r.startTool(ctx, active) {
			// the entry for this instance is being written now; orphan
			// detection waits for the next pass
			return
		}
	}

	if age >= r.opts.OrphanTimeout {
		if orphaned := r.coord.CancelOrphanedInstancesIfNeeded(ctx, active); len(orphaned) > 0 {
			r.events.Publish(Event{Type: EventOrphansCancelled, SessionID: active.SessionID, Message: strings.Join(orphaned, ",")})
		}
	}

	completed, err := r.coord.CheckAndCompleteSessionIfNeeded(ctx, false)
	if err != nil {
		logger.WithError(err).Warn("Completion check failed")
		return
	}
	if completed {
		r.events.Publish(Event{Type: EventSessionCompleted, SessionID: active.SessionID})
	}
}

// startTool runs the tool for s in the background unless a run for the same
// session is already in flight.
func (r *Runner) startTool(ctx context.Context, s *session.Session) bool {
	r.mu.Lock()
	if r.running[s.SessionID] {
		r.mu.Unlock()
		return false
	}
	r.running[s.SessionID] = true
	r.mu.Unlock()

	instance := r.coord.InstanceID()
	r.logger.WithField("session_id", s.SessionID).WithField("tool", s.Tool).Info("Running tool for session")
	r.events.Publish(Event{Type: EventToolStarted, SessionID: s.SessionID, Instance: instance})

	r.tools.Go(func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, s.SessionID)
			r.mu.Unlock()
		}()
		e := Event{Type: EventToolFinished, SessionID: s.SessionID, Instance: instance}
		if err := r.coord.RunToolForSession(ctx, s); err != nil {
			e.Message = err.Error()
		}
		r.events.Publish(e)
	})
	return true
}

func (r *Runner) recordPoll(now time.Time, active *session.Session) {
	id := ""
	if active != nil {
		id = active.SessionID
	}
	r.mu.Lock()
	changed := id != r.activeSession
	r.lastPoll = now
	r.activeSession = id
	r.mu.Unlock()
	if changed {
		r.events.Publish(Event{Type: EventActiveChanged, SessionID: id})
	}
}

// Status returns a snapshot of the runner.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := make([]string, 0, len(r.running))
	for id := range r.running {
		running = append(running, id)
	}
	sort.Strings(running)
	return Status{
		InstanceID:    r.coord.InstanceID(),
		Version:       version.Version,
		StartedAt:     r.startedAt,
		LastPoll:      r.lastPoll,
		ActiveSession: r.activeSession,
		Running:       running,
		PollInterval:  r.opts.PollInterval.String(),
		Watching:      r.watching,
	}
}
