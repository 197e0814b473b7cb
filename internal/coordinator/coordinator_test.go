package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/lock"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 589700000, time.UTC)

type fixture struct {
	store *store.MemoryStore
	reg   *tools.Registry
}

func newFixture(t *testing.T, toolset ...*tools.Tool) *fixture {
	t.Helper()
	if len(toolset) == 0 {
		toolset = []*tools.Tool{{Name: "MemoryDump", Collector: &testutil.FakeCollector{}}}
	}
	return &fixture{
		store: store.NewMemoryStore(testutil.QuietLogger("store")),
		reg:   testutil.NewRegistry(t, toolset...),
	}
}

func (f *fixture) coordinator(instance string, mutate ...func(*Options)) *Coordinator {
	opts := Options{
		InstanceID:  instance,
		ScmHostName: "https://app.scm.example.net",
		Lock:        testutil.FastLockOptions(),
		Now:         func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(f.store, f.reg, opts, testutil.QuietLogger("coordinator"))
}

func (f *fixture) putCompleted(t *testing.T, id string, start time.Time) {
	t.Helper()
	end := start.Add(time.Minute)
	s := &session.Session{
		SessionID: id,
		Tool:      "MemoryDump",
		Mode:      session.ModeCollect,
		Instances: []string{"web0"},
		Status:    session.StatusComplete,
		StartTime: start,
		EndTime:   &end,
	}
	s.Normalize()
	require.NoError(t, f.store.Write(context.Background(), s, store.DirCompleted))
}

func request(tool string, instances ...string) *session.Session {
	return &session.Session{Tool: tool, Instances: instances, Mode: session.ModeCollect}
}

func TestSubmitNewSession(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, &session.Session{
		Tool:        "memorydump",
		Instances:   []string{"web0", " web1 ", ""},
		Description: "slow requests",
	}, SubmitOptions{InvokedViaConsole: true})
	require.NoError(t, err)
	assert.Equal(t, session.NewID(testNow), id)

	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	assert.Equal(t, "MemoryDump", s.Tool)
	assert.Equal(t, session.ModeCollect, s.Mode)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, []string{"web0", "web1"}, s.Instances)
	assert.Empty(t, s.ActiveInstances)
	assert.True(t, s.StartTime.Equal(testNow))
	assert.Nil(t, s.EndTime)
	assert.Equal(t, "https://app.scm.example.net", s.DefaultScmHostName)
	assert.Empty(t, s.BlobStorageHostName)
	assert.Equal(t, "slow requests", s.Description)
}

func TestSubmitStampsBlobHost(t *testing.T) {
	f := newFixture(t, &tools.Tool{Name: "Profiler", RequiresStorage: true, Collector: &testutil.FakeCollector{}})
	c := f.coordinator("web0", func(o *Options) {
		o.BlobSasURI = "https://acct.blob.core.windows.net/daas?sv=2021&sig=abc"
	})

	id, err := c.SubmitNewSession(context.Background(), request("Profiler", "web0"), SubmitOptions{})
	require.NoError(t, err)

	s, err := f.store.Get(context.Background(), id, store.DirActive)
	require.NoError(t, err)
	assert.Equal(t, "acct.blob.core.windows.net", s.BlobStorageHostName)
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		opts   func(*Options)
		req    *session.Session
		code   errors.ErrorCode
		detail string
	}{
		{
			name: "already active",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.coordinator("web0").SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{})
				require.NoError(t, err)
			},
			req:  request("MemoryDump", "web1"),
			code: errors.ErrCodeSessionAlreadyActive,
		},
		{
			name: "no instances",
			req:  request("MemoryDump"),
			code: errors.ErrCodeNoInstances,
		},
		{
			name: "blank instances only",
			req:  request("MemoryDump", " ", ""),
			code: errors.ErrCodeNoInstances,
		},
		{
			name: "blank tool",
			req:  request("  ", "web0"),
			code: errors.ErrCodeToolNotSpecified,
		},
		{
			name: "unknown tool",
			req:  request("Nope", "web0"),
			code: errors.ErrCodeUnknownTool,
		},
		{
			name: "storage not configured",
			req:  request("Profiler", "web0"),
			code: errors.ErrCodeStorageNotConfigured,
		},
		{
			name: "shared compute",
			opts: func(o *Options) { o.ComputeMode = "Shared" },
			req:  request("MemoryDump", "web0"),
			code: errors.ErrCodeUnsupportedComputeMode,
		},
		{
			name: "analysis without analyzer",
			req: &session.Session{
				Tool:      "MemoryDump",
				Instances: []string{"web0"},
				Mode:      session.ModeCollectAndAnalyze,
			},
			code: errors.ErrCodeInvalidInput,
		},
		{
			name: "unknown mode",
			req: &session.Session{
				Tool:      "MemoryDump",
				Instances: []string{"web0"},
				Mode:      "Troubleshoot",
			},
			code:   errors.ErrCodeInvalidInput,
			detail: "mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t,
				&tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{}},
				&tools.Tool{Name: "Profiler", RequiresStorage: true, Collector: &testutil.FakeCollector{}},
			)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			var mutate []func(*Options)
			if tt.opts != nil {
				mutate = append(mutate, tt.opts)
			}
			before, err := f.store.Load(context.Background(), store.DirActive)
			require.NoError(t, err)

			id, err := f.coordinator("web0", mutate...).SubmitNewSession(context.Background(), tt.req, SubmitOptions{})
			require.Error(t, err)
			assert.Empty(t, id)
			assert.Equal(t, tt.code, errors.GetCode(err))
			if tt.detail != "" {
				daasErr, ok := err.(*errors.DaasError)
				require.True(t, ok)
				assert.Contains(t, daasErr.Details, tt.detail)
			}

			after, err := f.store.Load(context.Background(), store.DirActive)
			require.NoError(t, err)
			assert.Len(t, after, len(before))
		})
	}
}

func TestSubmitDedicatedComputeAccepted(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0", func(o *Options) { o.ComputeMode = "dedicated" })
	_, err := c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)
}

func TestSubmitDailyLimit(t *testing.T) {
	f := newFixture(t)
	f.putCompleted(t, "a", testNow.Add(-2*time.Hour))
	f.putCompleted(t, "b", testNow.Add(-3*time.Hour))
	f.putCompleted(t, "old", testNow.Add(-25*time.Hour))

	c := f.coordinator("web0", func(o *Options) {
		o.Limits = config.LimitsConfig{MaxSessionsPerDay: 2, MaxSessionsInPeriod: 10, Period: time.Minute}
	})

	_, err := c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{InvokedViaAutomation: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDailyLimitExceeded))
	assert.Contains(t, err.Error(), "2 per day")
	assert.True(t, errors.IsRejection(err))

	// interactive submissions are not rate limited
	_, err = c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)
}

func TestSubmitWindowLimit(t *testing.T) {
	f := newFixture(t)
	f.putCompleted(t, "a", testNow.Add(-10*time.Minute))
	f.putCompleted(t, "b", testNow.Add(-40*time.Minute))

	c := f.coordinator("web0", func(o *Options) {
		o.Limits = config.LimitsConfig{MaxSessionsPerDay: 10, MaxSessionsInPeriod: 1, Period: 30 * time.Minute}
	})
	_, err := c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{InvokedViaAutomation: true})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeWindowLimitExceeded, errors.GetCode(err))

	c = f.coordinator("web0", func(o *Options) {
		o.Limits = config.LimitsConfig{MaxSessionsPerDay: 10, MaxSessionsInPeriod: 2, Period: 30 * time.Minute}
	})
	_, err = c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{InvokedViaAutomation: true})
	require.NoError(t, err)
}

func TestSubmitIDCollisionGetsSuffix(t *testing.T) {
	f := newFixture(t)
	f.putCompleted(t, session.NewID(testNow), testNow)

	id, err := f.coordinator("web0").SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.NewID(testNow)+"-1", id)
}

func TestAtMostOneActiveSession(t *testing.T) {
	f := newFixture(t)
	const submitters = 8

	var wg sync.WaitGroup
	results := make([]error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := f.coordinator(fmt.Sprintf("web%d", i), func(o *Options) {
				o.Lock = lock.Options{RetryInterval: time.Millisecond, MaxAttempts: 5000}
			})
			_, results[i] = c.SubmitNewSession(context.Background(), request("MemoryDump", "web0"), SubmitOptions{})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.Equal(t, errors.ErrCodeSessionAlreadyActive, errors.GetCode(err))
	}
	assert.Equal(t, 1, accepted)

	active, err := f.store.Load(context.Background(), store.DirActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestUpdateActiveSession(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()
	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)

	ok := c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
		s.Description = "updated"
		return s
	})
	assert.True(t, ok)
	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	assert.Equal(t, "updated", s.Description)
	assert.False(t, f.store.HasLockArtifact(lock.ArtifactName(id)))

	t.Run("panicking transform is dropped", func(t *testing.T) {
		ok := c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
			s.Description = "half-written"
			panic("boom")
		})
		assert.False(t, ok)
		s, err := f.store.Get(ctx, id, store.DirActive)
		require.NoError(t, err)
		assert.Equal(t, "updated", s.Description)
		assert.False(t, f.store.HasLockArtifact(lock.ArtifactName(id)))
	})

	t.Run("missing record is dropped", func(t *testing.T) {
		called := false
		ok := c.UpdateActiveSession(ctx, "nope", "test", func(s *session.Session) *session.Session {
			called = true
			return s
		})
		assert.False(t, ok)
		assert.False(t, called)
	})
}

func TestUpdateActiveSessionLockTimeout(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()
	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)

	// A live holder that never releases.
	held, err := json.Marshal(lock.Info{SessionID: id, Holder: "web1/stuck", Token: "other", PID: os.Getpid(), Hostname: "elsewhere"})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateLockArtifact(ctx, lock.ArtifactName(id), held))

	ok := c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
		s.Description = "first"
		return s
	})
	assert.False(t, ok)
	assert.False(t, f.store.HasLockArtifact(lock.ArtifactName(id)), "timed-out lock is force-released")

	ok = c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
		s.Description = "second"
		return s
	})
	assert.True(t, ok)
	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	assert.Equal(t, "second", s.Description)
}

func TestRunToolForSessionSingleInstance(t *testing.T) {
	collector := &testutil.FakeCollector{
		Logs:   []session.LogFile{testutil.LogFile("dump1.dmp", 100)},
		Errors: []string{"symbol server unreachable"},
	}
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: collector})
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "WEB0"), SubmitOptions{})
	require.NoError(t, err)
	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	require.True(t, c.ShouldCollectOnCurrentInstance(active))

	require.NoError(t, c.RunToolForSession(ctx, active))
	assert.Equal(t, 1, collector.Calls())

	active, err = c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, active)

	s, err := f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, s.Status)
	require.NotNil(t, s.EndTime)
	require.Len(t, s.ActiveInstances, 1)
	ai := s.ActiveInstances[0]
	assert.Equal(t, "WEB0", ai.Name, "entries use the target spelling")
	assert.Equal(t, session.StatusComplete, ai.Status)
	assert.Len(t, ai.Logs, 1)
	assert.Equal(t, []string{"symbol server unreachable"}, ai.CollectorErrors)
	assert.False(t, f.store.HasLockArtifact(lock.ArtifactName(id)))
}

func TestRunToolForSessionConverges(t *testing.T) {
	instances := []string{"web0", "web1", "web2"}
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{
		OnCollect: func(s *session.Session) { time.Sleep(time.Millisecond) },
	}})
	ctx := context.Background()

	submitter := f.coordinator("web0", func(o *Options) { o.Lock.MaxAttempts = 5000 })
	id, err := submitter.SubmitNewSession(ctx, request("MemoryDump", instances...), SubmitOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			reg := testutil.NewRegistry(t, &tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{
				Logs: []session.LogFile{testutil.LogFile(inst+".dmp", 42)},
			}})
			c := New(f.store, reg, Options{
				InstanceID: inst,
				Lock:       lock.Options{RetryInterval: time.Millisecond, MaxAttempts: 5000},
			}, testutil.QuietLogger("coordinator"))
			active, err := c.GetActiveSession(ctx, false)
			if err != nil || active == nil {
				return
			}
			_ = c.RunToolForSession(ctx, active)
		}(inst)
	}
	wg.Wait()

	active, err := f.store.Load(ctx, store.DirActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	s, err := f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, s.Status)
	require.Len(t, s.ActiveInstances, 3)
	for _, inst := range instances {
		ai := s.FindInstance(inst)
		require.NotNil(t, ai, inst)
		assert.Equal(t, session.StatusComplete, ai.Status)
		require.Len(t, ai.Logs, 1)
		assert.Equal(t, inst+".dmp", ai.Logs[0].Name)
	}
}

// contendedCollector plants a live foreign lock on its first run, so the
// merge of its response times out.
type contendedCollector struct {
	store *store.MemoryStore
	calls int
}

func (c *contendedCollector) CollectLogs(ctx context.Context, s *session.Session) (*tools.Response, error) {
	c.calls++
	if c.calls == 1 {
		held, err := json.Marshal(lock.Info{SessionID: s.SessionID, Holder: "web1/stuck", Token: "other", PID: os.Getpid(), Hostname: "elsewhere"})
		if err != nil {
			return nil, err
		}
		if err := c.store.CreateLockArtifact(ctx, lock.ArtifactName(s.SessionID), held); err != nil {
			return nil, err
		}
	}
	return &tools.Response{Logs: []session.LogFile{testutil.LogFile("a.dmp", 1)}}, nil
}

func TestRunToolForSessionRetriesDroppedResponse(t *testing.T) {
	f := newFixture(t)
	collector := &contendedCollector{store: f.store}
	f.reg = testutil.NewRegistry(t, &tools.Tool{Name: "MemoryDump", Collector: collector})
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)

	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	assert.Error(t, c.RunToolForSession(ctx, active))

	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	web0 := s.FindInstance("web0")
	require.NotNil(t, web0)
	assert.Equal(t, session.StatusStarted, web0.Status)
	assert.Empty(t, web0.Logs)

	active, err = c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	require.NoError(t, c.RunToolForSession(ctx, active))
	assert.Equal(t, 2, collector.calls)

	s, err = f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	require.Len(t, s.ActiveInstances, 1)
	assert.Equal(t, session.StatusComplete, s.ActiveInstances[0].Status)
	assert.Len(t, s.ActiveInstances[0].Logs, 1)
}

func TestRunToolForSessionIsResumeSafe(t *testing.T) {
	collector := &testutil.FakeCollector{Logs: []session.LogFile{testutil.LogFile("a.dmp", 1)}}
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: collector})
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0", "web1"), SubmitOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		active, err := c.GetActiveSession(ctx, false)
		require.NoError(t, err)
		require.NoError(t, c.RunToolForSession(ctx, active))
	}
	assert.Equal(t, 1, collector.Calls())

	collected, err := c.HasThisInstanceCollectedLogs(ctx)
	require.NoError(t, err)
	assert.True(t, collected)

	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	require.Len(t, s.ActiveInstances, 1)
	assert.Len(t, s.ActiveInstances[0].Logs, 1)
}

func TestRunToolForSessionRecordsCollectorFailures(t *testing.T) {
	tests := []struct {
		name      string
		collector *testutil.FakeCollector
		want      string
	}{
		{
			name:      "error",
			collector: &testutil.FakeCollector{Err: fmt.Errorf("procdump not found")},
			want:      "Invoking diagnostic tool failed with error - procdump not found",
		},
		{
			name:      "panic",
			collector: &testutil.FakeCollector{Panic: true},
			want:      "Invoking diagnostic tool failed with error - collector panicked: collector exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: tt.collector})
			c := f.coordinator("web0")
			ctx := context.Background()
			id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
			require.NoError(t, err)

			active, err := c.GetActiveSession(ctx, false)
			require.NoError(t, err)
			require.NoError(t, c.RunToolForSession(ctx, active))

			s, err := f.store.Get(ctx, id, store.DirCompleted)
			require.NoError(t, err)
			require.Len(t, s.ActiveInstances, 1)
			assert.Equal(t, session.StatusComplete, s.ActiveInstances[0].Status)
			assert.Equal(t, []string{tt.want}, s.ActiveInstances[0].CollectorErrors)
		})
	}
}

func TestRunToolForSessionAnalyzes(t *testing.T) {
	analyzer := &testutil.FakeAnalyzer{Errors: []string{"one thread was unreadable"}}
	collector := &testutil.FakeCollector{Logs: []session.LogFile{
		testutil.LogFile("a.dmp", 1),
		testutil.LogFile("b.dmp", 2),
	}}
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: collector, Analyzer: analyzer})
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, &session.Session{
		Tool:      "MemoryDump",
		Instances: []string{"web0"},
		Mode:      session.ModeCollectAndAnalyze,
	}, SubmitOptions{})
	require.NoError(t, err)

	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	require.NoError(t, c.RunToolForSession(ctx, active))
	assert.ElementsMatch(t, []string{"a.dmp", "b.dmp"}, analyzer.Analyzed())

	s, err := f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	ai := s.ActiveInstances[0]
	for _, log := range ai.Logs {
		require.Len(t, log.Reports, 1, log.Name)
		assert.Equal(t, log.Name+".html", log.Reports[0].Name)
	}
	assert.Equal(t, []string{"one thread was unreadable"}, ai.AnalyzerErrors)
}

func TestRunToolForSessionRejectsNonTarget(t *testing.T) {
	collector := &testutil.FakeCollector{}
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: collector})
	ctx := context.Background()
	_, err := f.coordinator("web0").SubmitNewSession(ctx, request("MemoryDump", "web1"), SubmitOptions{})
	require.NoError(t, err)

	c := f.coordinator("web0")
	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	assert.False(t, c.ShouldCollectOnCurrentInstance(active))
	assert.Error(t, c.RunToolForSession(ctx, active))
	assert.Zero(t, collector.Calls())
}

func TestCancelOrphanedInstances(t *testing.T) {
	f := newFixture(t, &tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{}})
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0", "web1", "web2"), SubmitOptions{})
	require.NoError(t, err)
	stale, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)

	// web1 checks in after the snapshot was taken
	require.True(t, c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
		s.EnsureInstance("WEB1")
		return s
	}))
	require.NoError(t, c.RunToolForSession(ctx, stale))

	orphaned := c.CancelOrphanedInstancesIfNeeded(ctx, stale)
	assert.Equal(t, []string{"web2"}, orphaned)

	s, err := f.store.Get(ctx, id, store.DirActive)
	require.NoError(t, err)
	web1 := s.FindInstance("web1")
	require.NotNil(t, web1)
	assert.Equal(t, session.StatusStarted, web1.Status)
	web2 := s.FindInstance("web2")
	require.NotNil(t, web2)
	assert.Equal(t, session.StatusComplete, web2.Status)
	assert.Equal(t, []string{OrphanedInstanceError}, web2.CollectorErrors)

	// repeating is a no-op
	latest, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, c.CancelOrphanedInstancesIfNeeded(ctx, latest))
}

func TestOrphansLetSessionComplete(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0", "web1"), SubmitOptions{})
	require.NoError(t, err)
	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)

	c.CancelOrphanedInstancesIfNeeded(ctx, active)
	completed, err := c.CheckAndCompleteSessionIfNeeded(ctx, false)
	require.NoError(t, err)
	assert.True(t, completed)

	s, err := f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, s.Status)
}

func TestCheckAndCompleteSessionIfNeeded(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()

	completed, err := c.CheckAndCompleteSessionIfNeeded(ctx, false)
	require.NoError(t, err)
	assert.False(t, completed, "no active session")

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0", "web1"), SubmitOptions{})
	require.NoError(t, err)

	completed, err = c.CheckAndCompleteSessionIfNeeded(ctx, false)
	require.NoError(t, err)
	assert.False(t, completed)

	completed, err = c.CheckAndCompleteSessionIfNeeded(ctx, true)
	require.NoError(t, err)
	assert.True(t, completed)

	s, err := f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTimedOut, s.Status)
	require.NotNil(t, s.EndTime)
	assert.True(t, s.EndTime.Equal(testNow))
	assert.False(t, f.store.HasLockArtifact(lock.ArtifactName(id)))

	// racing completers only log
	c.markSessionComplete(ctx, s, false)
	_, err = f.store.Get(ctx, id, store.DirCompleted)
	require.NoError(t, err)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.putCompleted(t, "older", testNow.Add(-2*time.Hour))
	f.putCompleted(t, "newer", testNow.Add(-time.Hour))
	c := f.coordinator("web0")
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)

	all, err := c.GetAllSessions(ctx, false)
	require.NoError(t, err)
	var ids []string
	for _, s := range all {
		ids = append(ids, s.SessionID)
	}
	assert.Equal(t, []string{id, "newer", "older"}, ids)

	completed, err := c.GetCompletedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "newer", completed[0].SessionID)

	s, err := c.GetSession(ctx, "older", false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, s.Status)

	_, err = c.GetSession(ctx, "missing", false)
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))

	collected, err := c.HasThisInstanceCollectedLogs(ctx)
	require.NoError(t, err)
	assert.False(t, collected)
}

func TestRelativePaths(t *testing.T) {
	const sas = "https://acct.blob.core.windows.net/daas?sv=1&sig=x"
	f := newFixture(t,
		&tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{}},
		&tools.Tool{Name: "Profiler", RequiresStorage: true, Collector: &testutil.FakeCollector{}},
	)
	ctx := context.Background()
	log := testutil.LogFile("a.dmp", 1)
	log.PartialPath = "260314_0926535897/web0/a.dmp"
	log.Reports = []session.Report{{Name: "a.html", PartialPath: "reports/260314_0926535897/a.html"}}

	for _, tool := range []string{"MemoryDump", "Profiler"} {
		s := &session.Session{
			SessionID: tool,
			Tool:      tool,
			Instances: []string{"web0"},
			Status:    session.StatusComplete,
			StartTime: testNow,
		}
		ai := s.EnsureInstance("web0")
		ai.MergeLogs([]session.LogFile{log})
		require.NoError(t, f.store.Write(ctx, s, store.DirCompleted))
	}

	c := f.coordinator("web0", func(o *Options) {
		o.IncludeSASURI = true
		o.BlobSasURI = sas
	})

	s, err := c.GetSession(ctx, "MemoryDump", false)
	require.NoError(t, err)
	got := s.ActiveInstances[0].Logs[0]
	assert.Equal(t, "https://app.scm.example.net/api/vfs/260314_0926535897/web0/a.dmp", got.RelativePath)
	assert.Equal(t, "https://app.scm.example.net/api/vfs/reports/260314_0926535897/a.html", got.Reports[0].RelativePath)

	s, err = c.GetSession(ctx, "Profiler", false)
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/daas/260314_0926535897/web0/a.dmp?sv=1&sig=x",
		s.ActiveInstances[0].Logs[0].RelativePath)

	// stored records never carry computed paths
	raw, err := f.store.Get(ctx, "Profiler", store.DirCompleted)
	require.NoError(t, err)
	assert.Empty(t, raw.ActiveInstances[0].Logs[0].RelativePath)
}

func TestOptionsFromConfig(t *testing.T) {
	const sas = "https://acct.blob.core.windows.net/daas?sv=1&sig=x"
	cfg := &config.Config{}
	cfg.Instance.ID = "web0"
	cfg.Storage.BlobSasURI = sas
	cfg.Storage.IncludeSASURI = true

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "web0", opts.InstanceID)
	assert.Equal(t, sas, opts.BlobSasURI)
	assert.True(t, opts.IncludeSASURI)
}

func TestWithSASURIs(t *testing.T) {
	const sas = "https://acct.blob.core.windows.net/daas?sv=1&sig=x"
	f := newFixture(t,
		&tools.Tool{Name: "Profiler", RequiresStorage: true, Collector: &testutil.FakeCollector{}},
	)
	ctx := context.Background()
	s := &session.Session{
		SessionID: "p1",
		Tool:      "Profiler",
		Instances: []string{"web0"},
		Status:    session.StatusComplete,
		StartTime: testNow,
	}
	log := testutil.LogFile("a.dmp", 1)
	log.PartialPath = "p1/web0/a.dmp"
	s.EnsureInstance("web0").MergeLogs([]session.LogFile{log})
	require.NoError(t, f.store.Write(ctx, s, store.DirCompleted))

	c := f.coordinator("web0", func(o *Options) { o.BlobSasURI = sas })

	plain, err := c.GetSession(ctx, "p1", false)
	require.NoError(t, err)
	assert.Empty(t, plain.ActiveInstances[0].Logs[0].RelativePath)

	withURLs, err := c.WithSASURIs().GetSession(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/daas/p1/web0/a.dmp?sv=1&sig=x",
		withURLs.ActiveInstances[0].Logs[0].RelativePath)

	// the original is unchanged
	again, err := c.GetSession(ctx, "p1", false)
	require.NoError(t, err)
	assert.Empty(t, again.ActiveInstances[0].Logs[0].RelativePath)
}

func TestDetailedReadsStatusMessages(t *testing.T) {
	root := t.TempDir()
	logsDir := filepath.Join(root, "logs")
	reportsDir := filepath.Join(root, "reports")
	f := newFixture(t)
	ctx := context.Background()
	c := f.coordinator("web0", func(o *Options) {
		o.LogsDir = logsDir
		o.ReportsDir = reportsDir
	})

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)
	log := testutil.LogFile("a.dmp", 1)
	log.Reports = []session.Report{
		{Name: "a.html", PartialPath: "reports/x/a.html"},
		{Name: "chart.png", PartialPath: "reports/x/assets/chart.png"},
	}
	// collected alongside a.dmp, so both logs share one reports directory
	sibling := testutil.LogFile("b.dmp", 2)
	sibling.StartTime = log.StartTime
	require.True(t, c.UpdateActiveSession(ctx, id, "test", func(s *session.Session) *session.Session {
		s.EnsureInstance("web0").MergeLogs([]session.LogFile{log, sibling})
		return s
	}))

	collectorDir := filepath.Join(logsDir, id, "web0")
	require.NoError(t, os.MkdirAll(collectorDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(collectorDir, tools.StatusFileSuffix), []byte("starting\ndumping\n"), 0644))
	analyzerDir := filepath.Join(reportsDir, id, session.LogDirName(log.StartTime))
	require.NoError(t, os.MkdirAll(analyzerDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(analyzerDir, "web0_"+tools.StatusFileSuffix), []byte("analyzing\n"), 0644))

	s, err := c.GetActiveSession(ctx, true)
	require.NoError(t, err)
	ai := s.ActiveInstances[0]
	assert.Equal(t, []string{"starting", "dumping"}, ai.CollectorStatusMessages)
	assert.Equal(t, []string{"analyzing"}, ai.AnalyzerStatusMessages)
	assert.Equal(t, []session.Report{{Name: "a.html", PartialPath: "reports/x/a.html"}}, ai.Logs[0].Reports)

	s, err = c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, s.ActiveInstances[0].CollectorStatusMessages)
	assert.Len(t, s.ActiveInstances[0].Logs[0].Reports, 2)
}

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    bool
}

func (d *recordingDeleter) Delete(ctx context.Context, partialPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, partialPath)
	if d.fail {
		return fmt.Errorf("403 forbidden")
	}
	return nil
}

func TestDeleteSession(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, &tools.Tool{Name: "Profiler", RequiresStorage: true, Collector: &testutil.FakeCollector{}})
	ctx := context.Background()
	deleter := &recordingDeleter{fail: true}
	c := f.coordinator("web0", func(o *Options) {
		o.LogsDir = filepath.Join(root, "logs")
		o.ReportsDir = filepath.Join(root, "reports")
	}).WithBlobDeleter(deleter)

	s := &session.Session{SessionID: "done", Tool: "Profiler", Instances: []string{"web0", "web1"}, Status: session.StatusComplete, StartTime: testNow}
	s.EnsureInstance("web0").MergeLogs([]session.LogFile{testutil.LogFile("a.nettrace", 1)})
	s.EnsureInstance("web1").MergeLogs([]session.LogFile{testutil.LogFile("b.nettrace", 2)})
	require.NoError(t, f.store.Write(ctx, s, store.DirCompleted))
	for _, dir := range []string{"logs", "reports"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir, "done", "web0"), 0755))
	}

	require.NoError(t, c.DeleteSession(ctx, "done"))
	assert.Equal(t, []string{"logs/a.nettrace", "logs/b.nettrace"}, deleter.deleted)
	assert.NoDirExists(t, filepath.Join(root, "logs", "done"))
	assert.NoDirExists(t, filepath.Join(root, "reports", "done"))
	_, err := f.store.Get(ctx, "done", store.DirCompleted)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = c.DeleteSession(ctx, "done")
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))
}

func TestDeleteSessionRefusesActive(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("web0")
	ctx := context.Background()
	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)

	err = c.DeleteSession(ctx, id)
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))
	_, err = f.store.Get(ctx, id, store.DirActive)
	assert.NoError(t, err)
}

func TestFileStoreEndToEnd(t *testing.T) {
	root := t.TempDir()
	fs, err := store.NewFileStore(root, testutil.QuietLogger("store"))
	require.NoError(t, err)
	reg := testutil.NewRegistry(t, &tools.Tool{Name: "MemoryDump", Collector: &testutil.FakeCollector{
		Logs: []session.LogFile{testutil.LogFile("a.dmp", 7)},
	}})
	c := New(fs, reg, Options{InstanceID: "web0", Lock: testutil.FastLockOptions()}, testutil.QuietLogger("coordinator"))
	ctx := context.Background()

	id, err := c.SubmitNewSession(ctx, request("MemoryDump", "web0"), SubmitOptions{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "active", id+".json"))

	active, err := c.GetActiveSession(ctx, false)
	require.NoError(t, err)
	require.NoError(t, c.RunToolForSession(ctx, active))

	assert.NoFileExists(t, filepath.Join(root, "active", id+".json"))
	assert.NoFileExists(t, filepath.Join(root, "active", id+".json.lock"))
	assert.FileExists(t, filepath.Join(root, "completed", id+".json"))

	s, err := c.GetSession(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusComplete, s.Status)
	assert.Equal(t, int64(7), s.ActiveInstances[0].Logs[0].Size)
}
