package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/server"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	reg := testutil.NewRegistry(t, &tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{}})
	return coordinator.New(store.NewMemoryStore(testutil.QuietLogger("store")), reg, coordinator.Options{
		InstanceID: "web0",
		Lock:       testutil.FastLockOptions(),
	}, testutil.QuietLogger("coordinator"))
}

func newRemote(t *testing.T) (*RemoteClient, *runner.Runner) {
	t.Helper()
	coord := newCoordinator(t)
	run := runner.New(coord, runner.Options{}, testutil.QuietLogger("runner"))
	ts := httptest.NewServer(server.New(coord, run, testutil.QuietLogger("server")).Handler())
	t.Cleanup(ts.Close)
	return newHTTPClient(ts.Client(), ts.URL), run
}

// exercise runs the same scenario against any Client.
func exercise(t *testing.T, c Client) {
	ctx := context.Background()

	active, err := c.Active(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = c.Submit(ctx, &session.Session{Tool: "MemoryDump"}, coordinator.SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoInstances, errors.GetCode(err))

	id, err := c.Submit(ctx, &session.Session{Tool: "MemoryDump", Instances: []string{"web0"}}, coordinator.SubmitOptions{InvokedViaConsole: true})
	require.NoError(t, err)

	active, err = c.Active(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, id, active.SessionID)

	completed, err := c.Complete(ctx, true)
	require.NoError(t, err)
	assert.True(t, completed)

	got, err := c.Get(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTimedOut, got.Status)

	list, err := c.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	infos, err := c.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "MemoryDump", infos[0].Name)

	require.NoError(t, c.Delete(ctx, id))
	_, err = c.Get(ctx, id, false)
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))
}

func TestRemoteClient(t *testing.T) {
	c, _ := newRemote(t)
	defer c.Close()
	assert.True(t, c.IsRunning())
	exercise(t, c)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "web0", status.InstanceID)
}

func TestLocalClient(t *testing.T) {
	c := NewLocalClient(newCoordinator(t))
	assert.False(t, c.IsRunning())
	exercise(t, c)

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrRunnerRequired)
	_, err = c.Stream(context.Background())
	assert.ErrorIs(t, err, ErrRunnerRequired)
}

func TestRemoteStream(t *testing.T) {
	c, run := newRemote(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Stream(ctx)
	require.NoError(t, err)

	// the subscription may not exist yet; keep publishing until one arrives
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok)
			assert.Equal(t, runner.EventToolStarted, e.Type)
			assert.Equal(t, "s1", e.SessionID)
			return
		case <-tick.C:
			run.Events().Publish(runner.Event{Type: runner.EventToolStarted, SessionID: "s1"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestNewFallsBackToLocal(t *testing.T) {
	coord := newCoordinator(t)
	c, err := New(filepath.Join(t.TempDir(), "missing.sock"), func() (*LocalClient, error) {
		return NewLocalClient(coord), nil
	})
	require.NoError(t, err)
	_, ok := c.(*LocalClient)
	assert.True(t, ok)
}
