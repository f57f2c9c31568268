// Package gitcmd runs the host git binary for the few read-only queries
// treeops needs, most importantly resolving the repository a path belongs
// to.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// gitEnv contains the ENV variables for git commands
var gitEnv = []string{
	// Force english locale for consistency on the output messages
	"LANG=en_US.UTF-8",
}

// maxStderrBytes is at most how many bytes of stderr are attached to a
// returned error.
const maxStderrBytes = 10000 // 10kb

// Runner invokes git as a subprocess.
type Runner struct {
	binPath string
}

// NewRunner returns a Runner using the given git binary. An empty binPath
// falls back to looking up "git" on PATH.
func NewRunner(binPath string) *Runner {
	if binPath == "" {
		binPath = "git"
	}

	return &Runner{binPath: binPath}
}

// RepositoryRoot returns the top-level directory of the working tree that
// contains path.
func (r *Runner) RepositoryRoot(ctx context.Context, path string) (string, error) {
	out, err := r.run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("resolving repository root of %q: %w", path, err)
	}

	return out, nil
}

// IsInsideWorkTree reports whether path is inside a git working tree.
func (r *Runner) IsInsideWorkTree(ctx context.Context, path string) (bool, error) {
	out, err := r.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false, fmt.Errorf("checking work tree membership of %q: %w", path, err)
	}

	return out == "true", nil
}

// run executes git with the given arguments in dir and returns trimmed
// stdout. On failure, truncated stderr is folded into the returned error.
func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), gitEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrBytes {
			msg = msg[:maxStderrBytes]
		}

		if msg != "" {
			return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
