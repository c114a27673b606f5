package models

import "time"

// Run status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// Run and job conclusion values. Empty until the run completes.
const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
	ConclusionError     = "error"
	ConclusionSkipped   = "skipped"
)

// Step status values.
const (
	StepSuccess = "success"
	StepFailure = "failure"
	StepSkipped = "skipped"
)

// Run trigger values.
const (
	TriggerPush     = "push"
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Run is one execution of a workflow against a single commit.
type Run struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Repo       string    `json:"repo"`
	SHA        string    `json:"sha"`
	Ref        string    `json:"ref"`
	CloneURL   string    `json:"cloneUrl,omitempty"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Jobs       []Job     `json:"jobs,omitempty"`
}

// Job is one matrix entry of a run: a named job bound to a single
// runtime version.
type Job struct {
	Key        string       `json:"key"`
	Name       string       `json:"name"`
	Version    string       `json:"version,omitempty"`
	Conclusion string       `json:"conclusion"`
	Steps      []StepResult `json:"steps"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// StepResult records one executed (or skipped) step of a job.
type StepResult struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exitCode"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// RunSummary is the listing shape for recent runs.
type RunSummary struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Repo       string    `json:"repo"`
	SHA        string    `json:"sha"`
	Ref        string    `json:"ref"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary reduces a run to its listing shape.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		ID:         r.ID,
		Workflow:   r.Workflow,
		Repo:       r.Repo,
		SHA:        r.SHA,
		Ref:        r.Ref,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		CreatedAt:  r.CreatedAt,
	}
}

// Finished reports whether the run has reached a terminal state.
func (r *Run) Finished() bool {
	return r.Status == StatusCompleted
}

// Clone copies the run deeply enough that the copy and the original
// never share mutable slices.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Jobs != nil {
		cp.Jobs = make([]Job, len(r.Jobs))
		for i, job := range r.Jobs {
			cp.Jobs[i] = job
			if job.Steps != nil {
				cp.Jobs[i].Steps = append([]StepResult(nil), job.Steps...)
			}
		}
	}
	return &cp
}
