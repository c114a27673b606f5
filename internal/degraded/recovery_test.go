package degraded

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestFibDelays verifies that fibDelays generates Fibonacci sequence delays
// up to the maximum delay value.
func TestFibDelays(t *testing.T) {
	delays := fibDelays(1*time.Minute, 13*time.Minute)
	want := []time.Duration{1, 2, 3, 5, 8, 13}
	if len(delays) != len(want) {
		t.Fatalf("len(delays) = %d, want %d", len(delays), len(want))
	}
	for i, w := range want {
		expected := time.Duration(w) * time.Minute
		if delays[i] != expected {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], expected)
		}
	}
}

// TestFibDelays_CapsAtMax verifies that fibDelays caps the last delay
// at the maximum value rather than exceeding it.
func TestFibDelays_CapsAtMax(t *testing.T) {
	delays := fibDelays(1*time.Minute, 5*time.Minute)
	if len(delays) < 2 {
		t.Fatalf("expected at least 2 delays")
	}
	last := delays[len(delays)-1]
	if last != 5*time.Minute {
		t.Errorf("last delay = %v, want 5m", last)
	}
}

// TestRunRecovery_Recovers verifies that RunRecovery stops probing
// when validation eventually succeeds after retries.
func TestRunRecovery_Recovers(t *testing.T) {
	attempts := atomic.Int32{}
	validate := func(ctx context.Context) error {
		if attempts.Add(1) >= 2 {
			return nil
		}
		return errors.New("fail")
	}
	exhausted := atomic.Bool{}
	ctx := context.Background()
	RunRecovery(ctx, validate, 10*time.Millisecond, 100*time.Millisecond, func() {
		exhausted.Store(true)
	})
	if exhausted.Load() {
		t.Error("onExhausted should not have been called")
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

// TestRunRecovery_Exhausted verifies that RunRecovery calls the onExhausted
// callback when every probe fails within the max delay.
func TestRunRecovery_Exhausted(t *testing.T) {
	validate := func(ctx context.Context) error {
		return errors.New("always fail")
	}
	exhausted := atomic.Bool{}
	ctx := context.Background()
	RunRecovery(ctx, validate, 10*time.Millisecond, 50*time.Millisecond, func() {
		exhausted.Store(true)
	})
	if !exhausted.Load() {
		t.Error("onExhausted should have been called")
	}
}

// TestRunRecovery_ClearsWindowOnSuccess verifies that a successful probe
// resets the degraded tracker so the service reports healthy again.
func TestRunRecovery_ClearsWindowOnSuccess(t *testing.T) {
	Reset()
	RecordError()
	RecordError()
	validate := func(ctx context.Context) error { return nil }
	RunRecovery(context.Background(), validate, 1*time.Millisecond, 10*time.Millisecond, func() {})
	errs, total := ErrorRate(1 * time.Minute)
	if errs != 0 || total != 0 {
		t.Errorf("after recovery, ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}

// TestRunRecovery_InvalidDelays verifies that RunRecovery returns without
// probing when the delay bounds are malformed.
func TestRunRecovery_InvalidDelays(t *testing.T) {
	validateCalled := atomic.Bool{}
	validate := func(ctx context.Context) error {
		validateCalled.Store(true)
		return nil
	}
	RunRecovery(context.Background(), validate, 0, 10*time.Millisecond, func() {})
	RunRecovery(context.Background(), validate, 10*time.Millisecond, 5*time.Millisecond, func() {})
	if validateCalled.Load() {
		t.Error("malformed delay bounds should not run probes")
	}
}

// TestNotifyDegraded_NoListener verifies that NotifyDegraded does not panic
// when no recovery listener is registered.
func TestNotifyDegraded_NoListener(t *testing.T) {
	NotifyDegraded()
}

// TestStartRecoveryListener_NotifyDegraded verifies that StartRecoveryListener
// triggers recovery when NotifyDegraded is called.
func TestStartRecoveryListener_NotifyDegraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validateCalled := atomic.Bool{}
	validate := func(ctx context.Context) error {
		validateCalled.Store(true)
		return nil
	}
	exhaustedCalled := atomic.Bool{}
	StartRecoveryListener(ctx, validate, 1*time.Millisecond, 100*time.Millisecond, func() {
		exhaustedCalled.Store(true)
	})

	NotifyDegraded()
	time.Sleep(50 * time.Millisecond)

	if !validateCalled.Load() {
		t.Error("NotifyDegraded should trigger RunRecovery which calls validate")
	}
	if exhaustedCalled.Load() {
		t.Error("validate succeeded, onExhausted should not be called")
	}
}

// TestStartRecoveryListener_ContextCancel verifies that StartRecoveryListener
// stops listening when context is cancelled, preventing recovery execution.
func TestStartRecoveryListener_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	validateCalled := atomic.Bool{}
	validate := func(ctx context.Context) error {
		validateCalled.Store(true)
		return errors.New("fail")
	}
	StartRecoveryListener(ctx, validate, 1*time.Minute, 13*time.Minute, func() {})

	time.Sleep(20 * time.Millisecond)

	if validateCalled.Load() {
		t.Error("cancelled context should not run recovery")
	}
}
