//go:build integration
// +build integration

package gitcmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/testhelpers"
)

func newRealClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(zap.NewNop(), "", 30*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// TestIntegration_Version verifies the client talks to the real binary.
func TestIntegration_Version(t *testing.T) {
	testhelpers.RequireGit(t)
	c := newRealClient(t)

	got, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if !strings.HasPrefix(got, "git version") {
		t.Errorf("Version() = %q, want git version prefix", got)
	}
}

// TestIntegration_CloneAt_TipCommit verifies a full fetch of a branch
// tip produces a detached checkout of exactly that commit.
func TestIntegration_CloneAt_TipCommit(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, _ := testhelpers.InitOriginRepo(t)
	sha := testhelpers.CommitFile(t, origin, "app.py", "print('hi')\n", "add app")
	c := newRealClient(t)

	dir := filepath.Join(t.TempDir(), "checkout")
	if err := c.CloneAt(context.Background(), origin, sha, dir, 0); err != nil {
		t.Fatalf("CloneAt() error = %v", err)
	}

	if head := testhelpers.GitRun(t, dir, "rev-parse", "HEAD"); head != sha {
		t.Errorf("HEAD = %s, want %s", head, sha)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.py")); err != nil {
		t.Errorf("checked-out tree missing app.py: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Errorf("checked-out tree missing README.md: %v", err)
	}
}

// TestIntegration_CloneAt_ShallowFetch verifies depth 1 fetches a
// single commit of history.
func TestIntegration_CloneAt_ShallowFetch(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, _ := testhelpers.InitOriginRepo(t)
	sha := testhelpers.CommitFile(t, origin, "app.py", "print('hi')\n", "add app")
	c := newRealClient(t)

	dir := filepath.Join(t.TempDir(), "checkout")
	if err := c.CloneAt(context.Background(), origin, sha, dir, 1); err != nil {
		t.Fatalf("CloneAt() error = %v", err)
	}

	if head := testhelpers.GitRun(t, dir, "rev-parse", "HEAD"); head != sha {
		t.Errorf("HEAD = %s, want %s", head, sha)
	}
	if count := testhelpers.GitRun(t, dir, "rev-list", "--count", "HEAD"); count != "1" {
		t.Errorf("history depth = %s commits, want 1", count)
	}
}

// TestIntegration_CloneAt_EarlierCommit verifies fetching a commit that
// is no longer any branch tip, the situation after a follow-up push
// lands before the run starts. The origin must allow reachable-SHA
// wants, as forges do.
func TestIntegration_CloneAt_EarlierCommit(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, first := testhelpers.InitOriginRepo(t)
	testhelpers.GitRun(t, origin, "config", "uploadpack.allowReachableSHA1InWant", "true")
	testhelpers.CommitFile(t, origin, "app.py", "print('hi')\n", "add app")
	c := newRealClient(t)

	dir := filepath.Join(t.TempDir(), "checkout")
	if err := c.CloneAt(context.Background(), origin, first, dir, 0); err != nil {
		t.Fatalf("CloneAt() error = %v", err)
	}

	if head := testhelpers.GitRun(t, dir, "rev-parse", "HEAD"); head != first {
		t.Errorf("HEAD = %s, want the earlier commit %s", head, first)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.py")); err == nil {
		t.Error("app.py present in tree, want the state before it was added")
	}
}

// TestIntegration_CloneAt_UnknownSHA verifies an unfetchable commit
// surfaces as an error rather than an empty checkout.
func TestIntegration_CloneAt_UnknownSHA(t *testing.T) {
	testhelpers.RequireGit(t)
	origin, _ := testhelpers.InitOriginRepo(t)
	c := newRealClient(t)

	bogus := strings.Repeat("d", 40)
	err := c.CloneAt(context.Background(), origin, bogus, filepath.Join(t.TempDir(), "checkout"), 0)
	if err == nil {
		t.Fatal("CloneAt() with unknown sha = nil, want error")
	}
	if !strings.Contains(err.Error(), "git fetch failed") {
		t.Errorf("err = %v, want fetch failure", err)
	}
}
