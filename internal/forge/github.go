package forge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/circuitbreaker"
	"github.com/ninakahr/greenlight/internal/observability"
)

var (
	ErrTokenInvalid    = errors.New("forge token invalid")
	ErrRepoNotFound    = errors.New("repository not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// GitHubReporter delivers commit statuses through the GitHub statuses
// API. Deliveries retry on 5xx and network errors with exponential
// backoff; a circuit breaker drops deliveries during an outage so a
// dead forge cannot wedge run completion.
type GitHubReporter struct {
	client  *gh.Client
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	tokenInvalid atomic.Bool
}

// Options configures the GitHub reporter.
type Options struct {
	// Token authenticates the statuses API; required.
	Token string
	// BaseURL overrides the API endpoint for GitHub Enterprise. Empty
	// means github.com.
	BaseURL string
	// Timeout bounds a single API round trip.
	Timeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// authTransport injects the bearer token into every API request.
type authTransport struct {
	token string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// NewGitHubReporter creates a reporter. Callers without a token use
// NoopReporter instead.
func NewGitHubReporter(opts Options, logger *zap.Logger) (*GitHubReporter, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrTokenInvalid)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: &authTransport{token: opts.Token},
	}
	client := gh.NewClient(httpClient)
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("forge base URL: %w", err)
		}
	}

	r := &GitHubReporter{
		client:         client,
		logger:         logger,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
	}
	r.breaker = circuitbreaker.New(circuitbreaker.Config{
		Component: "github",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("forge breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r, nil
}

// Report implements Reporter. A breaker-open delivery is dropped with a
// warning and reported as success to the caller: the run result stands
// regardless of whether the forge heard about it.
func (r *GitHubReporter) Report(ctx context.Context, repo, sha string, st Status) error {
	err := r.breaker.Call(ctx, func() error {
		return r.reportWithRetry(ctx, repo, sha, st)
	})
	switch {
	case err == nil:
		observability.ForgeReportsTotal.WithLabelValues("delivered").Inc()
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		observability.ForgeReportsTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("commit status dropped, forge breaker open",
			zap.String("repo", repo),
			zap.String("sha", sha),
			zap.String("state", string(st.State)))
		return nil
	default:
		observability.ForgeReportsTotal.WithLabelValues("failed").Inc()
		return err
	}
}

// TokenInvalid reports whether the last delivery was rejected for
// authentication. Surfaced by the health endpoint: a dead token means
// every future report will silently vanish.
func (r *GitHubReporter) TokenInvalid() bool {
	return r.tokenInvalid.Load()
}

func (r *GitHubReporter) reportWithRetry(ctx context.Context, repo, sha string, st Status) error {
	var lastErr error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ForgeReportRetriesTotal.Inc()
			delay := r.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := r.createStatus(ctx, repo, sha, st)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (r *GitHubReporter) createStatus(ctx context.Context, repo, sha string, st Status) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	status := gh.RepoStatus{
		State:       gh.Ptr(string(st.State)),
		Context:     gh.Ptr(st.Context),
		Description: gh.Ptr(truncateDescription(st.Description)),
	}
	if st.TargetURL != "" {
		status.TargetURL = gh.Ptr(st.TargetURL)
	}

	_, resp, err := r.client.Repositories.CreateStatus(ctx, owner, name, sha, status)
	if err != nil {
		return r.wrapAPIError(err, resp)
	}
	r.tokenInvalid.Store(false)
	return nil
}

// wrapAPIError maps go-github errors onto the package sentinels so the
// retry loop and the health surface can classify them.
func (r *GitHubReporter) wrapAPIError(err error, resp *gh.Response) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			r.tokenInvalid.Store(true)
			return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
		case resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: HTTP %d: %v", ErrUpstreamFailure, resp.StatusCode, err)
		}
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrRepoNotFound) || errors.Is(err, ErrRateLimited) {
		return false
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (r *GitHubReporter) calculateBackoff(attempt int) time.Duration {
	delay := float64(r.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.retryMaxDelay) {
		delay = float64(r.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", repo)
	}
	return owner, name, nil
}
