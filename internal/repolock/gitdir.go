package repolock

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotARepository is returned when a path does not contain a usable .git
// entry.
var ErrNotARepository = errors.New("not a git repository")

// gitdirPrefix is the prefix of the single line a .git file of a submodule
// contains, per gitlink convention.
const gitdirPrefix = "gitdir: "

// GitDirectory resolves the git metadata directory of the repository rooted
// at repoPath. For an ordinary repository this is the .git directory itself.
// For a submodule, .git is a file pointing at the actual metadata directory
// inside the superproject, which is resolved relative to repoPath and
// verified to exist.
func GitDirectory(repoPath string) (string, error) {
	dotGit := filepath.Join(repoPath, ".git")

	fi, err := os.Stat(dotGit)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotARepository, repoPath)
		}
		return "", fmt.Errorf("statting %q: %w", dotGit, err)
	}

	if fi.IsDir() {
		return dotGit, nil
	}

	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s: .git is neither a directory nor a file", ErrNotARepository, repoPath)
	}

	gitDir, err := resolveGitlink(repoPath, dotGit)
	if err != nil {
		return "", err
	}

	return gitDir, nil
}

func resolveGitlink(repoPath, dotGit string) (string, error) {
	content, err := ioutil.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("reading gitlink %q: %w", dotGit, err)
	}

	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, gitdirPrefix) {
		return "", fmt.Errorf("%w: %s: .git file has no gitdir pointer", ErrNotARepository, repoPath)
	}

	gitDir := strings.TrimSpace(strings.TrimPrefix(line, gitdirPrefix))
	if gitDir == "" {
		return "", fmt.Errorf("%w: %s: .git file has an empty gitdir pointer", ErrNotARepository, repoPath)
	}

	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repoPath, gitDir)
	}

	if _, err := os.Stat(gitDir); err != nil {
		return "", fmt.Errorf("resolving gitdir %q of %q: %w", gitDir, repoPath, err)
	}

	return gitDir, nil
}
