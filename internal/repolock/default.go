package repolock

import (
	"sync"

	"gitlab.com/treeops/treeops/internal/gitcmd"
	"gitlab.com/treeops/treeops/internal/lockfile"
	"gitlab.com/treeops/treeops/internal/log"
)

var (
	defaultMu      sync.Mutex
	defaultManager *MutexManager
)

// Default returns the process-wide MutexManager, constructing it on first
// use with the environment-derived lock configuration and the git binary
// from PATH. The default instance registers signal cleanup; explicitly
// constructed managers do not, which keeps construction and destruction
// testable without touching process state.
func Default() *MutexManager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		logger := log.Default()

		cfg, err := lockfile.NewConfigFromEnv()
		if err != nil {
			logger.WithError(err).Warn("invalid lock configuration in environment, using defaults")
			cfg = lockfile.Config{}
		}

		locks := NewManager(cfg, logger)
		locks.RegisterProcessCleanup()

		defaultManager = NewMutexManager(gitcmd.NewRunner(""), locks, logger)
	}

	return defaultManager
}

// ResetDefault destroys the process-wide MutexManager. The next call to
// Default constructs a fresh one.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager != nil {
		defaultManager.locks.Destroy()
		defaultManager = nil
	}
}
