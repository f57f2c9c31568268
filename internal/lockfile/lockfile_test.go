package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gitlab.com/treeops/treeops/internal/testhelper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		StaleTimeout:  30 * time.Second,
	}
}

func newTestLock(t *testing.T, cfg Config) *Lock {
	t.Helper()

	return New(filepath.Join(t.TempDir(), LockFileName), cfg, testhelper.NewDiscardingLogEntry(t))
}

func TestLock_acquireAndRelease(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())
	ctx := context.Background()

	require.False(t, lock.IsLocked())

	require.NoError(t, lock.Lock(ctx))
	require.True(t, lock.IsLocked())
	require.FileExists(t, lock.Path())

	lock.Unlock()
	require.False(t, lock.IsLocked())
	require.NoFileExists(t, lock.Path())
}

func TestLock_statePayload(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())
	require.NoError(t, lock.Lock(context.Background()))
	defer lock.Unlock()

	var state State
	require.NoError(t, json.Unmarshal(testhelper.MustReadFile(t, lock.Path()), &state))

	hostname, err := os.Hostname()
	require.NoError(t, err)

	require.Equal(t, os.Getpid(), state.Pid)
	require.Equal(t, hostname, state.Hostname)
	require.WithinDuration(t, time.Now(), state.AcquiredAt(), time.Minute)
}

func TestLock_contentionTimesOut(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())
	ctx := context.Background()

	require.NoError(t, lock.Lock(ctx))
	defer lock.Unlock()

	competitor := New(lock.Path(), testConfig(), testhelper.NewDiscardingLogEntry(t))

	err := competitor.Lock(ctx)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Contains(t, err.Error(), lock.Path())
	require.False(t, competitor.IsLocked())

	// The loser must not have destroyed the holder's lock file.
	require.True(t, lock.IsLocked())
	require.FileExists(t, lock.Path())
}

func TestLock_acquireAfterRelease(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())
	ctx := context.Background()

	require.NoError(t, lock.Lock(ctx))

	competitor := New(lock.Path(), Config{
		MaxRetries:    100,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		StaleTimeout:  30 * time.Second,
	}, testhelper.NewDiscardingLogEntry(t))

	done := make(chan error, 1)
	go func() { done <- competitor.Lock(ctx) }()

	// Give the competitor a moment to start spinning, then release.
	time.Sleep(10 * time.Millisecond)
	lock.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.True(t, competitor.IsLocked())
		competitor.Unlock()
	case <-time.After(10 * time.Second):
		t.Fatal("competitor never acquired the released lock")
	}
}

func TestLock_staleLockIsReclaimed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StaleTimeout = time.Hour

	lock := newTestLock(t, cfg)

	writeState := func(age time.Duration) {
		state, err := json.Marshal(State{
			Pid:       999999,
			Timestamp: time.Now().Add(-age).UnixNano() / int64(time.Millisecond),
			Hostname:  "elsewhere",
		})
		require.NoError(t, err)
		testhelper.MustWriteFile(t, lock.Path(), state)
	}

	t.Run("stale lock file", func(t *testing.T) {
		writeState(2 * time.Hour)
		require.NoError(t, lock.Lock(context.Background()))
		lock.Unlock()
	})

	t.Run("fresh lock file", func(t *testing.T) {
		writeState(time.Minute)

		err := lock.Lock(context.Background())
		require.ErrorIs(t, err, ErrLockTimeout)

		// The fresh holder's file must survive the failed acquisition.
		state, err := ReadState(lock.Path())
		require.NoError(t, err)
		require.Equal(t, 999999, state.Pid)

		require.NoError(t, os.Remove(lock.Path()))
	})
}

func TestLock_unparseableStaleLockIsReclaimed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StaleTimeout = 50 * time.Millisecond

	lock := newTestLock(t, cfg)
	testhelper.MustWriteFile(t, lock.Path(), []byte("not json"))

	// Old enough by mtime once the staleness window has passed.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lock.Path(), past, past))

	require.NoError(t, lock.Lock(context.Background()))
	lock.Unlock()
}

func TestLock_unlockWithoutAcquire(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())

	// Must be a no-op, including when called repeatedly.
	lock.Unlock()
	lock.Unlock()
	require.False(t, lock.IsLocked())
}

func TestLock_unlockSurvivesReclaimedFile(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, testConfig())
	require.NoError(t, lock.Lock(context.Background()))

	// Simulate a competing process having reclaimed the file as stale.
	require.NoError(t, os.Remove(lock.Path()))

	lock.Unlock()
	require.False(t, lock.IsLocked())
}

func TestLock_fatalInfrastructureError(t *testing.T) {
	t.Parallel()

	// The lock path's parent directory does not exist, so create-exclusive
	// fails with something other than EEXIST. That must fail immediately
	// instead of burning retries.
	path := filepath.Join(t.TempDir(), "missing", LockFileName)
	lock := New(path, Config{
		MaxRetries:    100,
		RetryDelay:    time.Second,
		MaxRetryDelay: time.Second,
		StaleTimeout:  30 * time.Second,
	}, testhelper.NewDiscardingLogEntry(t))

	start := time.Now()
	err := lock.Lock(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrLockTimeout))
	require.Less(t, time.Since(start), time.Second)
}

func TestLock_contextCancellation(t *testing.T) {
	t.Parallel()

	lock := newTestLock(t, Config{
		MaxRetries:    1000,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 10 * time.Millisecond,
		StaleTimeout:  30 * time.Second,
	})

	require.NoError(t, lock.Lock(context.Background()))
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		competitor := New(lock.Path(), lock.cfg, testhelper.NewDiscardingLogEntry(t))
		done <- competitor.Lock(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not abort the acquisition")
	}
}

func TestLock_concurrentAcquirersExcludeEachOther(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), LockFileName)
	cfg := Config{
		MaxRetries:    1000,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
		StaleTimeout:  30 * time.Second,
	}

	const acquirers = 10

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock := New(path, cfg, testhelper.NewDiscardingLogEntry(t))
			require.NoError(t, lock.Lock(context.Background()))

			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()

			lock.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen, "more than one holder at a time")
	require.NoFileExists(t, path)
}

func TestReadState(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadState(filepath.Join(t.TempDir(), "absent"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("invalid payload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LockFileName)
		testhelper.MustWriteFile(t, path, []byte("{"))

		_, err := ReadState(path)
		require.Error(t, err)
		require.Contains(t, err.Error(), path)
	})
}
