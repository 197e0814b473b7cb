// Package client gives the CLI one API over the runner: when the runner's
// socket answers, requests go through it; otherwise the same operations run
// in-process against the shared store.
package client

import (
	"context"

	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
)

// Client is implemented by RemoteClient (runner socket) and LocalClient
// (direct coordinator calls).
type Client interface {
	// Submit creates a new active session and returns its id.
	Submit(ctx context.Context, req *session.Session, opts coordinator.SubmitOptions) (string, error)

	// Active returns the active session, or nil.
	Active(ctx context.Context, detailed bool) (*session.Session, error)

	// List returns every session, newest first.
	List(ctx context.Context, detailed bool) ([]*session.Session, error)

	// Get returns one session by id.
	Get(ctx context.Context, id string, detailed bool) (*session.Session, error)

	// Delete removes a completed session and its artifacts.
	Delete(ctx context.Context, id string) error

	// Complete runs the completion check, unconditionally when force is set.
	Complete(ctx context.Context, force bool) (bool, error)

	// Tools lists the registered diagnostic tools.
	Tools(ctx context.Context) ([]tools.Info, error)

	// Status returns the runner status. Only available through the runner.
	Status(ctx context.Context) (*runner.Status, error)

	// Stream subscribes to runner events. Only available through the runner.
	Stream(ctx context.Context) (<-chan runner.Event, error)

	// IsRunning reports whether a runner is answering.
	IsRunning() bool

	// Close cleans up any resources used by the client.
	Close() error
}
