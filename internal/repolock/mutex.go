package repolock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// RootResolver resolves the repository root a filesystem path belongs to.
// The production implementation shells out to the host git binary; tests
// inject fakes.
type RootResolver interface {
	RepositoryRoot(ctx context.Context, path string) (string, error)
}

// MutexManager maps arbitrary package paths to their enclosing repository
// and serializes git-mutating operations per repository. It holds no state
// beyond its collaborators: paths are resolved on every call, since
// distinct package paths may belong to distinct or identical repositories
// and the resolution is what keys the lock map.
type MutexManager struct {
	resolver RootResolver
	locks    *Manager
	logger   logrus.FieldLogger
}

// NewMutexManager returns a MutexManager resolving roots with resolver and
// locking through locks.
func NewMutexManager(resolver RootResolver, locks *Manager, logger logrus.FieldLogger) *MutexManager {
	return &MutexManager{
		resolver: resolver,
		locks:    locks,
		logger:   logger,
	}
}

// LockManager exposes the underlying per-repository lock manager.
func (mm *MutexManager) LockManager() *Manager { return mm.locks }

// RepositoryRoot resolves the root of the repository containing
// packagePath. It prefers the git binary's own canonicalization and falls
// back to walking parent directories for a .git marker when git is absent
// or fails. Paths outside any repository return ErrNotARepository.
func (mm *MutexManager) RepositoryRoot(ctx context.Context, packagePath string) (string, error) {
	if root, err := mm.resolver.RepositoryRoot(ctx, packagePath); err == nil {
		return filepath.Clean(root), nil
	} else if ctx.Err() != nil {
		return "", err
	}

	return findDotGitUpwards(packagePath)
}

// IsInRepository reports whether packagePath resolves to a repository.
func (mm *MutexManager) IsInRepository(ctx context.Context, packagePath string) bool {
	_, err := mm.RepositoryRoot(ctx, packagePath)
	return err == nil
}

// SameRepository reports whether both paths resolve to the same repository
// root. A path that does not resolve makes the answer false.
func (mm *MutexManager) SameRepository(ctx context.Context, pathA, pathB string) bool {
	rootA, err := mm.RepositoryRoot(ctx, pathA)
	if err != nil {
		return false
	}

	rootB, err := mm.RepositoryRoot(ctx, pathB)
	if err != nil {
		return false
	}

	return rootA == rootB
}

// WithGitLock runs fn under the lock of the repository containing
// packagePath. Paths outside any repository run fn without a lock: not
// every package directory is versioned, and an unversioned path cannot
// collide on a git index. Packages sharing a repository serialize against
// each other, packages in distinct repositories run fully in parallel.
func (mm *MutexManager) WithGitLock(ctx context.Context, packagePath, operationName string, fn func(context.Context) error) error {
	root, err := mm.RepositoryRoot(ctx, packagePath)
	if err != nil {
		if !errors.Is(err, ErrNotARepository) {
			return err
		}

		mm.logger.WithFields(logrus.Fields{
			"path":      packagePath,
			"operation": operationName,
		}).Info("path is not in a git repository, running unlocked")

		return fn(ctx)
	}

	return mm.locks.WithGitLock(ctx, root, operationName, fn)
}

// findDotGitUpwards walks from path towards the filesystem root looking for
// a directory containing a .git entry. Both .git directories and .git files
// (submodules) mark a repository root.
func findDotGitUpwards(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalizing path %q: %w", path, err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrNotARepository, path)
		}
		dir = parent
	}
}
