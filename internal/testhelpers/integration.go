//go:build integration
// +build integration

// Package testhelpers provides shared fixtures for integration tests
// that exercise real host infrastructure: the git binary and local
// origin repositories the engine can fetch from.
package testhelpers

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed; skipping integration test")
	}
}

// GitRun runs a git command in dir, failing the test on error. Returns
// trimmed combined output.
func GitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitOriginRepo builds a local origin with one commit (a README) and
// returns its path and head sha. The engine clones from it like any
// remote.
func InitOriginRepo(t *testing.T) (dir, sha string) {
	t.Helper()
	dir = t.TempDir()
	GitRun(t, dir, "init", "--quiet")
	GitRun(t, dir, "config", "user.email", "ci@example.com")
	GitRun(t, dir, "config", "user.name", "ci")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# fixture\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	GitRun(t, dir, "add", "README.md")
	GitRun(t, dir, "commit", "--quiet", "-m", "initial")
	return dir, GitRun(t, dir, "rev-parse", "HEAD")
}

// CommitFile writes a file into the repo at dir and commits it,
// returning the new head sha.
func CommitFile(t *testing.T, dir, name, content, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	GitRun(t, dir, "add", name)
	GitRun(t, dir, "commit", "--quiet", "-m", message)
	return GitRun(t, dir, "rev-parse", "HEAD")
}
