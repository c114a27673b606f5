// Package interp resolves the interpreter binary for a matrix entry.
// Jobs pin an exact version; resolution either finds that version or
// fails the job's setup, never silently substituting another.
package interp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when no binary satisfies the requested
// runtime version.
var ErrUnavailable = errors.New("interpreter unavailable")

const checkTimeout = 10 * time.Second

// Resolver maps runtime kind and version to an executable path.
type Resolver struct {
	// Toolchains overrides lookup: "python:3.11" -> /usr/bin/python3.11.
	Toolchains map[string]string
	logger     *zap.Logger
}

// NewResolver builds a resolver over the configured toolchain map.
func NewResolver(toolchains map[string]string, logger *zap.Logger) *Resolver {
	return &Resolver{Toolchains: toolchains, logger: logger}
}

// Resolve finds the binary for kind and version. Configured toolchains
// win; otherwise PATH is searched for the versioned name (python3.11).
// The bare kind (python3) is only acceptable when no version was pinned.
func (r *Resolver) Resolve(kind, version string) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("%w: empty runtime kind", ErrUnavailable)
	}
	if p, ok := r.Toolchains[toolchainKey(kind, version)]; ok {
		return p, nil
	}
	if version != "" {
		if p, err := exec.LookPath(kind + version); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: no %s %s binary configured or on PATH", ErrUnavailable, kind, version)
	}
	for _, candidate := range []string{kind + "3", kind} {
		if p, err := exec.LookPath(candidate); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no %s binary configured or on PATH", ErrUnavailable, kind)
}

// Check confirms the resolved binary actually executes.
func (r *Resolver) Check(ctx context.Context, path string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("interpreter %s not runnable: %w", path, err)
	}
	r.logger.Debug("interpreter check",
		zap.String("path", path),
		zap.String("version", strings.TrimSpace(string(out))))
	return nil
}

// Versions lists the configured toolchain versions for a kind, sorted.
func (r *Resolver) Versions(kind string) []string {
	prefix := kind + ":"
	var out []string
	for key := range r.Toolchains {
		if v, ok := strings.CutPrefix(key, prefix); ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func toolchainKey(kind, version string) string {
	if version == "" {
		return kind
	}
	return kind + ":" + version
}
