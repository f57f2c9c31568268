// Package lockfile implements cross-process mutual exclusion based on
// atomically created lock files.
//
// A Lock guards a single repository. The on-disk lock file records the
// owning process so that competing processes can detect and reclaim locks
// left behind by a crashed holder. Creation uses O_CREATE|O_EXCL, which is
// the only atomic create-if-absent primitive available on every platform
// without external dependencies; emulating it with a check-then-create
// sequence would reintroduce the race this package exists to avoid.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

// LockFileName is the file name of the lock marker placed into a
// repository's git directory.
const LockFileName = "treeops.lock"

// ErrLockTimeout is returned by Lock when the retry budget is exhausted
// without ever observing the lock file absent.
var ErrLockTimeout = errors.New("timed out waiting for repository lock")

// State is the JSON payload written into the lock file. Any process may
// parse it to identify the current holder.
type State struct {
	Pid       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Hostname  string `json:"hostname"`
}

// AcquiredAt returns the time at which the lock file was written.
func (s State) AcquiredAt() time.Time {
	return time.Unix(0, s.Timestamp*int64(time.Millisecond))
}

// Lock is a file-based lock guarding a single repository. One instance is
// created per repository root and retained for the process lifetime. A Lock
// is safe for concurrent use by multiple goroutines, but it implements
// mutual exclusion between processes, not between goroutines: in-process
// serialization is the job of the caller holding the Lock.
type Lock struct {
	path   string
	cfg    Config
	logger logrus.FieldLogger

	mu       sync.Mutex
	acquired bool
}

// New returns a Lock for the given lock file path.
func New(path string, cfg Config, logger logrus.FieldLogger) *Lock {
	cfg.ApplyDefaults()

	return &Lock{
		path:   path,
		cfg:    cfg,
		logger: logger.WithField("lock_path", path),
	}
}

// Path returns the path of the on-disk lock file.
func (l *Lock) Path() string { return l.path }

// IsLocked reports whether this process believes it holds the lock. It is
// not an authoritative cross-process check: another process may have
// reclaimed the lock file if it went stale.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.acquired
}

// Lock acquires the lock, retrying with capped exponential backoff while
// another process holds it. Lock files older than the configured staleness
// timeout are reclaimed: a crashed holder must not deadlock every future
// run. Non-contention I/O errors fail immediately. Exhausting the retry
// budget returns ErrLockTimeout wrapped with the lock path.
func (l *Lock) Lock(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lockfile.Lock")
	defer span.Finish()

	start := time.Now()
	delay := l.cfg.RetryDelay

	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		l.reclaimStale()

		created, err := l.tryCreate()
		if err != nil {
			acquisitionsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("creating lock file %q: %w", l.path, err)
		}

		if created {
			l.mu.Lock()
			l.acquired = true
			l.mu.Unlock()

			acquisitionsTotal.WithLabelValues("acquired").Inc()
			acquireWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		retriesTotal.Inc()

		if err := sleepContext(ctx, delay); err != nil {
			acquisitionsTotal.WithLabelValues("canceled").Inc()
			return err
		}

		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > l.cfg.MaxRetryDelay {
			delay = l.cfg.MaxRetryDelay
		}
	}

	acquisitionsTotal.WithLabelValues("timeout").Inc()
	return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
}

// Unlock releases the lock. It never fails: releasing a lock that was never
// acquired is a no-op, and a lock file that has already disappeared is
// ignored since a competing process may have reclaimed it as stale.
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquired {
		return
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.WithError(err).Debug("removing lock file")
	}

	l.acquired = false
}

// tryCreate attempts the atomic create-exclusive write of the lock file.
// It returns false without an error if the file already exists, which is
// the contention signal driving the retry loop.
func (l *Lock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}

		return false, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	state := State{
		Pid:       os.Getpid(),
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
		Hostname:  hostname,
	}

	if err := json.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return false, fmt.Errorf("writing lock state: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("closing lock file: %w", err)
	}

	return true, nil
}

// reclaimStale removes the lock file if its recorded timestamp exceeds the
// staleness timeout. Removal races with other reclaimers are ignored; the
// subsequent create-exclusive attempt arbitrates who wins.
func (l *Lock) reclaimStale() {
	state, err := ReadState(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			// An unparseable lock file still marks a holder. Fall back to
			// the file's mtime so a corrupt leftover cannot block forever.
			if age, statErr := fileAge(l.path); statErr == nil && age > l.cfg.StaleTimeout {
				l.remove("unparseable")
			}
		}
		return
	}

	if time.Since(state.AcquiredAt()) > l.cfg.StaleTimeout {
		l.logger.WithFields(logrus.Fields{
			"holder_pid":      state.Pid,
			"holder_hostname": state.Hostname,
			"acquired_at":     state.AcquiredAt(),
		}).Warn("reclaiming stale lock file")

		l.remove("stale")
	}
}

func (l *Lock) remove(reason string) {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.WithError(err).Debug("removing reclaimed lock file")
		return
	}

	staleReclaimsTotal.WithLabelValues(reason).Inc()
}

// ReadState reads and parses the lock file at path. A missing file returns
// an error satisfying os.IsNotExist.
func ReadState(path string) (State, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing lock file %q: %w", path, err)
	}

	return state, nil
}

func fileAge(path string) (time.Duration, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return time.Since(fi.ModTime()), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
