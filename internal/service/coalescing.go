package service

import (
	"fmt"
	"sync"
)

// coalesceKey identifies the unit of duplicate suppression: one commit
// of one repo under one workflow. Force-pushes produce a new SHA and
// therefore a new key.
func coalesceKey(repo, sha, workflowName string) string {
	return fmt.Sprintf("%s@%s/%s", repo, sha, workflowName)
}

// runCoalescer suppresses duplicate runs while one is in flight.
// Forges redeliver hooks, and a push to two watched branches can carry
// the same commit; only one run per key may be queued or running at a
// time. Completed runs release their key, so resubmitting a commit
// later starts a fresh run.
type runCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]string // key -> run ID
}

func newRunCoalescer() *runCoalescer {
	return &runCoalescer{
		inFlight: make(map[string]string),
	}
}

// Register claims the key for runID. Returns the already-registered run
// ID and false when another run holds the key.
func (rc *runCoalescer) Register(key, runID string) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if existing, ok := rc.inFlight[key]; ok {
		return existing, false
	}
	rc.inFlight[key] = runID
	return runID, true
}

// Release frees the key after its run reaches a terminal state.
func (rc *runCoalescer) Release(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}

// Lookup returns the run ID holding the key, if any.
func (rc *runCoalescer) Lookup(key string) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	id, ok := rc.inFlight[key]
	return id, ok
}
