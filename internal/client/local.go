package client

import (
	"context"
	"errors"

	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
)

// ErrRunnerRequired is returned by LocalClient for runner-only operations.
var ErrRunnerRequired = errors.New("the runner is not running; start it with 'daas runner start'")

// LocalClient implements Client by calling the coordinator directly.
type LocalClient struct {
	coord *coordinator.Coordinator
}

// NewLocalClient wraps coord.
func NewLocalClient(coord *coordinator.Coordinator) *LocalClient {
	return &LocalClient{coord: coord}
}

func (c *LocalClient) Submit(ctx context.Context, req *session.Session, opts coordinator.SubmitOptions) (string, error) {
	return c.coord.SubmitNewSession(ctx, req, opts)
}

func (c *LocalClient) Active(ctx context.Context, detailed bool) (*session.Session, error) {
	return c.coord.GetActiveSession(ctx, detailed)
}

func (c *LocalClient) List(ctx context.Context, detailed bool) ([]*session.Session, error) {
	return c.coord.GetAllSessions(ctx, detailed)
}

func (c *LocalClient) Get(ctx context.Context, id string, detailed bool) (*session.Session, error) {
	return c.coord.GetSession(ctx, id, detailed)
}

func (c *LocalClient) Delete(ctx context.Context, id string) error {
	return c.coord.DeleteSession(ctx, id)
}

func (c *LocalClient) Complete(ctx context.Context, force bool) (bool, error) {
	return c.coord.CheckAndCompleteSessionIfNeeded(ctx, force)
}

func (c *LocalClient) Tools(ctx context.Context) ([]tools.Info, error) {
	return c.coord.ListTools(), nil
}

func (c *LocalClient) Status(ctx context.Context) (*runner.Status, error) {
	return nil, ErrRunnerRequired
}

func (c *LocalClient) Stream(ctx context.Context) (<-chan runner.Event, error) {
	return nil, ErrRunnerRequired
}

func (c *LocalClient) IsRunning() bool {
	return false
}

func (c *LocalClient) Close() error {
	return nil
}

var _ Client = (*LocalClient)(nil)
