// treeops-lock is a small operator tool around the repository locks used
// by treeops workflows. It can run a command under a repository's lock,
// inspect a lock file, and clear one that has gone stale.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gitlab.com/treeops/treeops/internal/config"
	"gitlab.com/treeops/treeops/internal/dontpanic"
	"gitlab.com/treeops/treeops/internal/gitcmd"
	"gitlab.com/treeops/treeops/internal/lockfile"
	"gitlab.com/treeops/treeops/internal/log"
	"gitlab.com/treeops/treeops/internal/repolock"
)

const progname = "treeops-lock"

func main() {
	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	configPath := flags.String("config", "", "path to the treeops config file")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "usage: %s [-config FILE] <run|status|clear> [options]\n", progname)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	log.Configure(log.Loggers, cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Logging.SentryDSN}); err != nil {
			log.Default().WithError(err).Warn("initializing sentry")
		}
	}

	if addr := cfg.PrometheusListenAddr; addr != "" {
		dontpanic.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())

			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Default().WithError(err).Error("prometheus listener")
			}
		})
	}

	if flags.NArg() < 1 {
		flags.Usage()
		os.Exit(2)
	}

	subcmd, args := flags.Arg(0), flags.Args()[1:]

	var exitCode int
	switch subcmd {
	case "run":
		exitCode = runCommand(cfg, args)
	case "status":
		exitCode = statusCommand(cfg, args)
	case "clear":
		exitCode = clearCommand(cfg, args)
	default:
		log.Default().Errorf("unknown subcommand %q", subcmd)
		flags.Usage()
		exitCode = 2
	}

	os.Exit(exitCode)
}

func loadConfig(path string) (config.Cfg, error) {
	if path == "" {
		return config.Load(strings.NewReader(""))
	}

	f, err := os.Open(path)
	if err != nil {
		return config.Cfg{}, err
	}
	defer f.Close()

	cfg, err := config.Load(f)
	if err != nil {
		return config.Cfg{}, err
	}

	return cfg, cfg.Validate()
}

func newMutexManager(cfg config.Cfg) *repolock.MutexManager {
	logger := log.Default()

	locks := repolock.NewManager(cfg.LockingConfig(), logger)
	locks.RegisterProcessCleanup()

	return repolock.NewMutexManager(gitcmd.NewRunner(cfg.Git.BinPath), locks, logger)
}

// runCommand executes an arbitrary command while holding the lock of the
// repository containing -path. The command inherits stdio; its exit code
// becomes ours.
func runCommand(cfg config.Cfg, args []string) int {
	flags := flag.NewFlagSet(progname+" run", flag.ExitOnError)
	path := flags.String("path", ".", "path inside the repository to lock")
	name := flags.String("name", "run", "operation name used in logs")
	_ = flags.Parse(args)

	cmdline := flags.Args()
	if len(cmdline) == 0 {
		log.Default().Error("run: no command given")
		return 2
	}

	mgr := newMutexManager(cfg)
	defer mgr.LockManager().Destroy()

	exitCode := 0
	err := mgr.WithGitLock(context.Background(), *path, *name, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		err := cmd.Run()
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			return nil
		}
		return err
	})
	if err != nil {
		log.Default().WithError(err).Error("run")
		return 1
	}

	return exitCode
}

// statusCommand prints the holder of the repository lock, if any.
func statusCommand(cfg config.Cfg, args []string) int {
	flags := flag.NewFlagSet(progname+" status", flag.ExitOnError)
	path := flags.String("path", ".", "path inside the repository to inspect")
	_ = flags.Parse(args)

	lockPath, err := resolveLockPath(cfg, *path)
	if err != nil {
		log.Default().WithError(err).Error("status")
		return 1
	}

	state, err := lockfile.ReadState(lockPath)
	if os.IsNotExist(err) {
		fmt.Printf("%s: not locked\n", lockPath)
		return 0
	} else if err != nil {
		log.Default().WithError(err).Error("status")
		return 1
	}

	lcfg := cfg.LockingConfig()
	lcfg.ApplyDefaults()

	age := time.Since(state.AcquiredAt())
	stale := age > lcfg.StaleTimeout

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Lock Path", "PID", "Hostname", "Acquired At", "Age", "Stale"})
	table.Append([]string{
		lockPath,
		fmt.Sprintf("%d", state.Pid),
		state.Hostname,
		state.AcquiredAt().Format(time.RFC3339),
		age.Truncate(time.Second).String(),
		fmt.Sprintf("%t", stale),
	})
	table.Render()

	return 0
}

// clearCommand removes a lock file, but only once it has gone stale. A
// fresh lock file marks a live holder and refusing to touch it is the
// whole point of the lock.
func clearCommand(cfg config.Cfg, args []string) int {
	flags := flag.NewFlagSet(progname+" clear", flag.ExitOnError)
	path := flags.String("path", ".", "path inside the repository to clear")
	_ = flags.Parse(args)

	lockPath, err := resolveLockPath(cfg, *path)
	if err != nil {
		log.Default().WithError(err).Error("clear")
		return 1
	}

	state, err := lockfile.ReadState(lockPath)
	if os.IsNotExist(err) {
		fmt.Printf("%s: not locked\n", lockPath)
		return 0
	} else if err != nil {
		log.Default().WithError(err).Error("clear")
		return 1
	}

	lcfg := cfg.LockingConfig()
	lcfg.ApplyDefaults()

	if age := time.Since(state.AcquiredAt()); age <= lcfg.StaleTimeout {
		log.Default().WithFields(logrus.Fields{
			"holder_pid": state.Pid,
			"age":        age.String(),
		}).Error("clear: lock is not stale, refusing to remove it")
		return 1
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		log.Default().WithError(err).Error("clear")
		return 1
	}

	fmt.Printf("%s: removed\n", lockPath)
	return 0
}

func resolveLockPath(cfg config.Cfg, path string) (string, error) {
	mgr := newMutexManager(cfg)
	defer mgr.LockManager().Destroy()

	root, err := mgr.RepositoryRoot(context.Background(), path)
	if err != nil {
		return "", err
	}

	gitDir, err := repolock.GitDirectory(root)
	if err != nil {
		return "", err
	}

	return filepath.Join(gitDir, lockfile.LockFileName), nil
}
