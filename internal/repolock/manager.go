// Package repolock serializes git-mutating operations on a repository
// across OS processes.
//
// The Manager hands out one cross-process file lock per repository root.
// Workflows run their mutating steps through WithGitLock so that two
// treeops processes touching the same repository never race on the native
// git index, while operations on distinct repositories proceed fully in
// parallel.
package repolock

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gitlab.com/treeops/treeops/internal/dontpanic"
	"gitlab.com/treeops/treeops/internal/lockfile"
)

// slowAcquisitionThreshold is the lock wait above which an acquisition is
// logged, as a hint that another process is hogging the repository.
const slowAcquisitionThreshold = 100 * time.Millisecond

// Manager maps repository roots to their file locks. Locks are created on
// first use and retained for the lifetime of the Manager, so that a root
// always resolves to the same lock instance within one process.
type Manager struct {
	cfg    lockfile.Config
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*lockfile.Lock

	cleanupOnce sync.Once
	stopCleanup func()
}

// NewManager returns a Manager creating locks with the given configuration.
func NewManager(cfg lockfile.Config, logger logrus.FieldLogger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*lockfile.Lock),
	}
}

// RepositoryLock returns the lock guarding the repository rooted at
// repoPath, creating it on first request. The lock file lives inside the
// repository's resolved git directory so that submodules sharing a working
// tree layout still lock their own metadata directory.
func (m *Manager) RepositoryLock(repoPath string) (*lockfile.Lock, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("normalizing repository path %q: %w", repoPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[abs]; ok {
		return lock, nil
	}

	gitDir, err := GitDirectory(abs)
	if err != nil {
		return nil, err
	}

	lock := lockfile.New(filepath.Join(gitDir, lockfile.LockFileName), m.cfg, m.logger)
	m.locks[abs] = lock

	return lock, nil
}

// WithGitLock runs fn while holding the lock of the repository rooted at
// repoPath. The lock is released on every exit path. operationName is used
// for observability only.
func (m *Manager) WithGitLock(ctx context.Context, repoPath, operationName string, fn func(context.Context) error) error {
	lock, err := m.RepositoryLock(repoPath)
	if err != nil {
		return err
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "repolock.WithGitLock")
	span.SetTag("repository", repoPath)
	span.SetTag("operation", operationName)
	defer span.Finish()

	start := time.Now()
	if err := lock.Lock(ctx); err != nil {
		return fmt.Errorf("acquiring repository lock for %q: %w", operationName, err)
	}
	defer lock.Unlock()

	if wait := time.Since(start); wait > slowAcquisitionThreshold {
		m.logger.WithFields(logrus.Fields{
			"repository":   repoPath,
			"operation":    operationName,
			"wait_seconds": wait.Seconds(),
		}).Info("waited for repository lock")
	}

	return fn(ctx)
}

// Destroy releases every tracked lock, forgets about it and deregisters
// the signal handlers. The Manager remains usable; subsequent calls
// recreate locks on demand.
func (m *Manager) Destroy() {
	m.releaseAll()

	m.mu.Lock()
	stop := m.stopCleanup
	m.stopCleanup = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (m *Manager) releaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lock := range m.locks {
		lock.Unlock()
	}
	m.locks = make(map[string]*lockfile.Lock)
}

// RegisterProcessCleanup installs best-effort signal handlers which release
// all held locks before the process dies on SIGINT or SIGTERM. This only
// shrinks the window in which a dead process leaves a lock file behind; the
// staleness timeout in the lockfile package is what actually guarantees
// progress after a crash.
//
// Registration happens at most once per Manager. Destroy deregisters the
// handlers.
func (m *Manager) RegisterProcessCleanup() {
	m.cleanupOnce.Do(func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, unix.SIGINT, unix.SIGTERM)

		done := make(chan struct{})

		dontpanic.Go(func() {
			defer close(done)

			sig, ok := <-ch
			if !ok {
				return
			}

			m.logger.WithField("signal", sig).Info("releasing repository locks on signal")
			m.releaseAll()

			// Restore the default disposition and re-raise so the process
			// still dies with the conventional exit status.
			signal.Stop(ch)
			if sysSig, ok := sig.(unix.Signal); ok {
				_ = unix.Kill(os.Getpid(), sysSig)
			}
		})

		m.mu.Lock()
		m.stopCleanup = func() {
			signal.Stop(ch)
			close(ch)
			<-done
		}
		m.mu.Unlock()
	})
}
