// Package hook ingests forge webhook deliveries and reduces them to the
// fields the rest of the service needs.
package hook

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v80/github"
)

// SignatureHeader carries the HMAC-SHA256 signature of the delivery body.
const SignatureHeader = "X-Hub-Signature-256"

// zeroSHA is the "after" value of a branch-deletion push.
const zeroSHA = "0000000000000000000000000000000000000000"

// ErrBadSignature is returned when the delivery signature does not match.
var ErrBadSignature = errors.New("hook signature mismatch")

// ErrIgnoredEvent is returned for event types the service does not handle,
// such as ping deliveries.
var ErrIgnoredEvent = errors.New("hook event ignored")

// PushEvent is the subset of a forge push delivery that drives a run.
type PushEvent struct {
	Repo     string
	Ref      string
	Branch   string
	SHA      string
	CloneURL string
	Pusher   string
	Message  string
	Deleted  bool
}

// EventType returns the delivery's event type header value.
func EventType(r *http.Request) string { return gh.WebHookType(r) }

// DeliveryID returns the delivery's unique id header value, for logging.
func DeliveryID(r *http.Request) string { return gh.DeliveryID(r) }

// VerifySignature checks the delivery body against the shared secret.
// An empty secret disables verification.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return nil
	}
	if err := gh.ValidateSignature(signature, body, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// ParsePush decodes a push delivery body. Non-push event types return
// ErrIgnoredEvent. Branch deletions parse successfully with Deleted set;
// callers decide whether to act on them.
func ParsePush(eventType string, body []byte) (PushEvent, error) {
	if eventType != "push" {
		return PushEvent{}, fmt.Errorf("%w: %q", ErrIgnoredEvent, eventType)
	}
	raw, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		return PushEvent{}, fmt.Errorf("parsing push payload: %w", err)
	}
	ev, ok := raw.(*gh.PushEvent)
	if !ok {
		return PushEvent{}, fmt.Errorf("unexpected payload type %T for push event", raw)
	}

	out := PushEvent{
		Repo:     ev.GetRepo().GetFullName(),
		Ref:      ev.GetRef(),
		SHA:      ev.GetAfter(),
		CloneURL: ev.GetRepo().GetCloneURL(),
		Pusher:   ev.GetPusher().GetName(),
		Message:  ev.GetHeadCommit().GetMessage(),
		Deleted:  ev.GetDeleted(),
	}
	if out.Repo == "" || out.Ref == "" {
		return PushEvent{}, fmt.Errorf("push payload missing repo or ref")
	}
	out.Branch = BranchOf(out.Ref)
	if out.SHA == zeroSHA {
		out.Deleted = true
		out.SHA = ""
	}
	return out, nil
}

// BranchOf strips the refs/heads/ prefix. Non-branch refs (tags, notes)
// return the empty string.
func BranchOf(ref string) string {
	if b, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return b
	}
	return ""
}
