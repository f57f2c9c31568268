// Package testhelper contains shared helpers for tests.
package testhelper

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// MustReadFile returns the content of filename or fails the test.
func MustReadFile(tb testing.TB, filename string) []byte {
	tb.Helper()

	content, err := ioutil.ReadFile(filename)
	require.NoError(tb, err)

	return content
}

// MustWriteFile writes content to filename or fails the test.
func MustWriteFile(tb testing.TB, filename string, content []byte) {
	tb.Helper()

	require.NoError(tb, ioutil.WriteFile(filename, content, 0o644))
}

// NewRepository creates a directory laid out like an ordinary git
// repository: a working tree with a .git metadata directory. It does not
// invoke the git binary; tests exercising lock placement and path
// resolution only need the on-disk shape.
func NewRepository(tb testing.TB) string {
	tb.Helper()

	root := tb.TempDir()
	require.NoError(tb, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	return root
}

// NewSubmodule creates a submodule working tree inside the repository
// rooted at superRoot: the metadata directory lives under
// .git/modules/<name> of the superproject and the submodule's .git is a
// gitlink file pointing at it.
func NewSubmodule(tb testing.TB, superRoot, name string) string {
	tb.Helper()

	gitDir := filepath.Join(superRoot, ".git", "modules", name)
	require.NoError(tb, os.MkdirAll(gitDir, 0o755))

	subRoot := filepath.Join(superRoot, name)
	require.NoError(tb, os.MkdirAll(subRoot, 0o755))

	rel, err := filepath.Rel(subRoot, gitDir)
	require.NoError(tb, err)
	MustWriteFile(tb, filepath.Join(subRoot, ".git"), []byte("gitdir: "+rel+"\n"))

	return subRoot
}
