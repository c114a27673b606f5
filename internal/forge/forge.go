// Package forge reports run outcomes to the hosting forge as commit
// statuses. Reporting is observability for the repo page: it retries
// and degrades, but never influences a run's conclusion.
package forge

import (
	"context"
	"fmt"

	"github.com/ninakahr/greenlight/internal/models"
)

// State is a commit status state as the forge understands it.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// descriptionLimit is the forge's cap on status descriptions.
const descriptionLimit = 140

// Status is one commit status update.
type Status struct {
	State       State
	Context     string
	Description string
	TargetURL   string
}

// Reporter delivers commit statuses. Implementations must be safe for
// concurrent use; the service reports from per-run goroutines.
type Reporter interface {
	Report(ctx context.Context, repo, sha string, st Status) error
}

// StatusContext names the status line on the commit, one per workflow.
func StatusContext(workflowName string) string {
	return "greenlight/" + workflowName
}

// PendingStatus is the status reported when a run is accepted.
func PendingStatus(run *models.Run) Status {
	return Status{
		State:       StatePending,
		Context:     StatusContext(run.Workflow),
		Description: "run queued",
	}
}

// FinalStatus maps a completed run to its terminal commit status.
// Cancelled runs report as error: the forge has no cancelled state and
// a binary green/red must not show green for work that never finished.
func FinalStatus(run *models.Run) Status {
	st := Status{Context: StatusContext(run.Workflow)}

	failed := 0
	for _, job := range run.Jobs {
		if job.Conclusion != models.ConclusionSuccess {
			failed++
		}
	}

	switch run.Conclusion {
	case models.ConclusionSuccess:
		st.State = StateSuccess
		st.Description = fmt.Sprintf("%d of %d jobs succeeded", len(run.Jobs), len(run.Jobs))
	case models.ConclusionFailure:
		st.State = StateFailure
		st.Description = fmt.Sprintf("%d of %d jobs failed", failed, len(run.Jobs))
	case models.ConclusionCancelled:
		st.State = StateError
		st.Description = "run cancelled"
	default:
		st.State = StateError
		st.Description = "run failed with an internal error"
	}
	st.Description = truncateDescription(st.Description)
	return st
}

func truncateDescription(s string) string {
	if len(s) <= descriptionLimit {
		return s
	}
	return s[:descriptionLimit-3] + "..."
}

// NoopReporter drops every status. Used when no forge token is
// configured; selection is logged once at startup.
type NoopReporter struct{}

// Report implements Reporter.
func (NoopReporter) Report(ctx context.Context, repo, sha string, st Status) error {
	return nil
}
