// Package gitcmd wraps the git CLI. Runs fetch their commit through this
// package; nothing else in the service touches git.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds each individual git command, not a whole clone
// sequence.
const DefaultTimeout = 5 * time.Minute

// Client runs git commands with a per-command timeout.
type Client struct {
	gitPath string
	timeout time.Duration
	logger  *zap.Logger
}

// New resolves the git binary and returns a client. An unresolvable
// binary fails fast so the problem surfaces at startup, not mid-run.
func New(logger *zap.Logger, gitPath string, timeout time.Duration) (*Client, error) {
	if gitPath == "" {
		gitPath = "git"
	}
	resolved, err := exec.LookPath(gitPath)
	if err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{gitPath: resolved, timeout: timeout, logger: logger}, nil
}

// Version reports the git binary's version string, for startup logging
// and the infra self-check.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CloneAt materializes the commit sha from cloneURL into dir, detached.
// A positive depth limits fetch history; zero fetches everything. The
// fetch-by-SHA form works for any commit still reachable on the remote,
// including force-pushed-over branches.
func (c *Client) CloneAt(ctx context.Context, cloneURL, sha, dir string, depth int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkout dir: %w", err)
	}
	if _, err := c.run(ctx, dir, "init", "--quiet"); err != nil {
		return err
	}
	if _, err := c.run(ctx, dir, "remote", "add", "origin", cloneURL); err != nil {
		return err
	}
	fetchArgs := []string{"fetch", "--quiet"}
	if depth > 0 {
		fetchArgs = append(fetchArgs, "--depth", strconv.Itoa(depth))
	}
	fetchArgs = append(fetchArgs, "origin", sha)
	if _, err := c.run(ctx, dir, fetchArgs...); err != nil {
		return err
	}
	if _, err := c.run(ctx, dir, "checkout", "--quiet", "--detach", "FETCH_HEAD"); err != nil {
		return err
	}
	c.logger.Debug("checkout complete",
		zap.String("sha", sha),
		zap.String("dir", dir))
	return nil
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.gitPath, args...)
	cmd.Dir = dir
	// Never let git block on an interactive credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.Output()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %v", args[0], c.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return string(output), nil
}
