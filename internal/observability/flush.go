package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers before process exit.
// For pull-based Prometheus, metrics are already exposed; this mainly flushes logs.
// Call during graceful shutdown after in-flight work has drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger != nil {
		if err := logger.Sync(); err != nil && !isConsoleSyncErr(err) {
			return fmt.Errorf("flush logs: %w", err)
		}
	}
	return nil
}

// isConsoleSyncErr filters the sync errors stdout/stderr sinks produce
// on platforms where fsync on a terminal or pipe is not supported.
func isConsoleSyncErr(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
