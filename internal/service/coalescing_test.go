package service

import (
	"fmt"
	"sync"
	"testing"
)

// TestCoalesceKey verifies the key shape ties a commit to a workflow.
func TestCoalesceKey(t *testing.T) {
	got := coalesceKey("acme/webcore", "abc123", "tests")
	want := "acme/webcore@abc123/tests"
	if got != want {
		t.Errorf("coalesceKey() = %q, want %q", got, want)
	}
}

// TestRunCoalescer_RegisterAndRelease verifies that a key can be claimed
// once, that the duplicate claimer sees the original run ID, and that a
// released key can be claimed again.
func TestRunCoalescer_RegisterAndRelease(t *testing.T) {
	rc := newRunCoalescer()

	id, ok := rc.Register("k", "run-1")
	if !ok || id != "run-1" {
		t.Fatalf("Register() = (%q, %v), want (run-1, true)", id, ok)
	}

	id, ok = rc.Register("k", "run-2")
	if ok {
		t.Error("second Register() ok = true, want false")
	}
	if id != "run-1" {
		t.Errorf("second Register() id = %q, want run-1 (the in-flight run)", id)
	}

	rc.Release("k")
	id, ok = rc.Register("k", "run-3")
	if !ok || id != "run-3" {
		t.Errorf("Register() after Release = (%q, %v), want (run-3, true)", id, ok)
	}
}

// TestRunCoalescer_Lookup verifies Lookup reflects the in-flight claim.
func TestRunCoalescer_Lookup(t *testing.T) {
	rc := newRunCoalescer()

	if _, ok := rc.Lookup("k"); ok {
		t.Error("Lookup() on empty coalescer ok = true, want false")
	}

	rc.Register("k", "run-1")
	id, ok := rc.Lookup("k")
	if !ok || id != "run-1" {
		t.Errorf("Lookup() = (%q, %v), want (run-1, true)", id, ok)
	}
}

// TestRunCoalescer_ConcurrentRegister verifies that exactly one of many
// concurrent claimers wins a key.
func TestRunCoalescer_ConcurrentRegister(t *testing.T) {
	rc := newRunCoalescer()

	var wg sync.WaitGroup
	wins := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, wins[idx] = rc.Register("k", fmt.Sprintf("run-%d", idx))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

// TestRunCoalescer_IndependentKeys verifies that distinct commits do not
// coalesce with each other.
func TestRunCoalescer_IndependentKeys(t *testing.T) {
	rc := newRunCoalescer()

	if _, ok := rc.Register(coalesceKey("acme/webcore", "aaa", "tests"), "run-1"); !ok {
		t.Fatal("first key should register")
	}
	if _, ok := rc.Register(coalesceKey("acme/webcore", "bbb", "tests"), "run-2"); !ok {
		t.Error("different SHA should register independently")
	}
	if _, ok := rc.Register(coalesceKey("acme/webcore", "aaa", "lint"), "run-3"); !ok {
		t.Error("different workflow should register independently")
	}
}
