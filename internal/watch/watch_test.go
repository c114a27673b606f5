package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestDir_CoalescesBursts writes several files in quick succession and
// expects a single callback once the burst settles.
func TestDir_CoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- Dir(ctx, zap.NewNop(), dir, 200*time.Millisecond, nil, func() {
			fired <- struct{}{}
		})
	}()

	// Let the watcher install itself before producing events.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i))+".yaml")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never fired")
	}

	// The burst should coalesce; allow the debounce window to drain and
	// verify no flood of extra callbacks arrived.
	time.Sleep(500 * time.Millisecond)
	extra := len(fired)
	if extra > 1 {
		t.Errorf("got %d extra callbacks after burst, want at most 1", extra)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Dir() err = %v, want nil on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Dir() did not return after cancel")
	}
}

// TestDir_MatchFilter verifies non-matching paths never trigger the
// callback.
func TestDir_MatchFilter(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	onlyYAML := func(p string) bool { return strings.HasSuffix(p, ".yaml") }
	go func() {
		_ = Dir(ctx, zap.NewNop(), dir, 100*time.Millisecond, onlyYAML, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("callback fired for non-matching file")
	case <-time.After(600 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "take.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never fired for matching file")
	}
}

func TestDir_MissingDirectory(t *testing.T) {
	err := Dir(context.Background(), zap.NewNop(), filepath.Join(t.TempDir(), "nope"), 0, nil, func() {})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
