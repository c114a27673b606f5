package degraded

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var (
	recoveryChan   chan struct{}
	recoveryChanMu sync.Mutex
)

// NotifyDegraded signals that the pipeline infrastructure looks broken.
// Triggers recovery probing if not already running. Safe to call from
// the dispatch path; non-blocking.
func NotifyDegraded() {
	recoveryChanMu.Lock()
	ch := recoveryChan
	recoveryChanMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StartRecoveryListener starts a goroutine that runs recovery when
// NotifyDegraded is called. Call from main with the app context.
// validate should exercise the same infrastructure runs depend on: the
// git binary, a writable workspace, the run store.
func StartRecoveryListener(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	ch := make(chan struct{}, 1)
	recoveryChanMu.Lock()
	recoveryChan = ch
	recoveryChanMu.Unlock()

	var running atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if running.Swap(true) {
					continue
				}
				go func() {
					defer running.Store(false)
					RunRecovery(ctx, validate, initial, max, onExhausted)
				}()
			}
		}
	}()
}

// ValidateFunc probes the pipeline infrastructure. Returns nil if the
// service can run workflows again.
type ValidateFunc func(ctx context.Context) error

// RunRecovery runs the Fibonacci backoff recovery. Calls validate at each
// interval. Delays: 1m, 2m, 3m, 5m, 8m, 13m (Fibonacci from initial).
// Stops when validate returns nil (recovered) and clears the degraded
// window. After the final attempt, if validate still fails, calls
// onExhausted.
func RunRecovery(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	if initial <= 0 || max < initial {
		return
	}
	delays := fibDelays(initial, max)
	timeout := 10 * time.Second
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := validate(attemptCtx)
		cancel()
		if err == nil {
			Reset()
			return
		}
		if i == len(delays)-1 {
			onExhausted()
			return
		}
	}
}

func fibDelays(initial, max time.Duration) []time.Duration {
	const (
		f0 = 1
		f1 = 2
	)
	a, b := float64(f0), float64(f1)
	unit := initial.Seconds() / float64(f0)
	var out []time.Duration
	for {
		d := time.Duration(a*unit) * time.Second
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
