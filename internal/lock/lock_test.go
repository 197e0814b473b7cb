package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/pkg/process"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "lock-test")
}

func fastOptions() Options {
	return Options{RetryInterval: time.Millisecond, MaxAttempts: 5}
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, fastOptions(), testLogger())

	l, err := m.Acquire(ctx, "s1", "TestAcquireRelease")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, st.HasLockArtifact("s1.json.lock"))

	info, err := m.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "TestAcquireRelease", info.Holder)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, l.Token, info.Token)

	require.NoError(t, l.Release())
	assert.False(t, st.HasLockArtifact("s1.json.lock"))

	// idempotent
	require.NoError(t, l.Release())
	var nilLock *Lock
	require.NoError(t, nilLock.Release())
}

func TestAcquireTimeoutForceReleases(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, fastOptions(), testLogger())

	// a holder on another host that never releases
	held, _ := json.Marshal(Info{SessionID: "s1", Holder: "crashed", Token: "t", PID: 1, Hostname: "elsewhere"})
	require.NoError(t, st.CreateLockArtifact(ctx, ArtifactName("s1"), held))

	l, err := m.Acquire(ctx, "s1", "waiter")
	assert.Nil(t, l)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.False(t, st.HasLockArtifact(ArtifactName("s1")), "orphaned artifact must be removed")

	l, err = m.Acquire(ctx, "s1", "next")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, Options{RetryInterval: 5 * time.Millisecond, MaxAttempts: 200}, testLogger())

	first, err := m.Acquire(ctx, "s1", "first")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		first.Release()
	}()

	second, err := m.Acquire(ctx, "s1", "second")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	require.NoError(t, second.Release())
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, Options{RetryInterval: time.Millisecond, MaxAttempts: 5000}, testLogger())

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "s1", "worker")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			l.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestReleaseLeavesReclaimedLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, fastOptions(), testLogger())

	old, err := m.Acquire(ctx, "s1", "old")
	require.NoError(t, err)

	// force-reclaimed and retaken by someone else
	require.NoError(t, st.RemoveLockArtifact(ctx, ArtifactName("s1")))
	current, err := m.Acquire(ctx, "s1", "current")
	require.NoError(t, err)

	require.NoError(t, old.Release())
	assert.True(t, st.HasLockArtifact(ArtifactName("s1")))

	require.NoError(t, current.Release())
	assert.False(t, st.HasLockArtifact(ArtifactName("s1")))
}

func TestHeldAfterForcedRelease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, Options{RetryInterval: time.Millisecond, MaxAttempts: 1}, testLogger())

	first, err := m.Acquire(ctx, "s1", "first")
	require.NoError(t, err)
	assert.True(t, first.Held(ctx))

	// a contender with a spent budget removes the artifact
	_, err = m.Acquire(ctx, "s1", "contender")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, first.Held(ctx))

	second, err := m.Acquire(ctx, "s1", "second")
	require.NoError(t, err)
	assert.True(t, second.Held(ctx))
	assert.False(t, first.Held(ctx))

	require.NoError(t, second.Release())
	assert.False(t, second.Held(ctx))

	var none *Lock
	assert.False(t, none.Held(ctx))
}

func TestStaleLocalHolderReclaimed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	// only one attempt: reclaim must happen without waiting out the budget
	m := NewManager(st, Options{RetryInterval: time.Hour, MaxAttempts: 1}, testLogger())

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.ProcessState.Pid()

	held, _ := json.Marshal(Info{SessionID: "s1", Holder: "dead", Token: "t", PID: deadPID, Hostname: process.Hostname()})
	require.NoError(t, st.CreateLockArtifact(ctx, ArtifactName("s1"), held))

	l, err := m.Acquire(ctx, "s1", "reclaimer")
	require.NoError(t, err)
	assert.Equal(t, "reclaimer", l.Holder)
	require.NoError(t, l.Release())
}

func TestLiveLocalHolderNotReclaimed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, Options{RetryInterval: time.Millisecond, MaxAttempts: 2}, testLogger())

	held, _ := json.Marshal(Info{SessionID: "s1", Holder: "alive", Token: "t", PID: os.Getpid(), Hostname: process.Hostname()})
	require.NoError(t, st.CreateLockArtifact(ctx, ArtifactName("s1"), held))

	_, err := m.Acquire(ctx, "s1", "waiter")
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

func TestAcquireContextCanceled(t *testing.T) {
	st := store.NewMemoryStore(testLogger())
	m := NewManager(st, Options{RetryInterval: 10 * time.Millisecond, MaxAttempts: 1000}, testLogger())

	held, _ := json.Marshal(Info{SessionID: "s1", Token: "t", Hostname: "elsewhere"})
	require.NoError(t, st.CreateLockArtifact(context.Background(), ArtifactName("s1"), held))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "s1", "waiter")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	// cancellation is not a timeout: the holder keeps its lock
	assert.True(t, st.HasLockArtifact(ArtifactName("s1")))
}

func TestFileStoreLock(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	m := NewManager(fs, fastOptions(), testLogger())

	l, err := m.Acquire(ctx, "s1", "file")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "s2", "other session")
	require.NoError(t, err)
	assert.FileExists(t, fs.DirPath(store.DirActive)+"/s1.json.lock")
	require.NoError(t, l.Release())
	assert.NoFileExists(t, fs.DirPath(store.DirActive)+"/s1.json.lock")
}
