package forge

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrorCategory is a stable label for delivery-error classification in
// logs and health tracking.
type ErrorCategory string

const (
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryNetwork      ErrorCategory = "network"
	ErrorCategoryTokenInvalid ErrorCategory = "token_invalid"
	ErrorCategoryRepoNotFound ErrorCategory = "repo_not_found"
	ErrorCategoryRateLimited  ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx  ErrorCategory = "upstream_5xx"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// CategorizeError maps a delivery error to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrTokenInvalid) {
		return ErrorCategoryTokenInvalid
	}
	if errors.Is(err, ErrRepoNotFound) {
		return ErrorCategoryRepoNotFound
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream5xx
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "not in owner/name form") || strings.Contains(errStr, "invalid") {
		return ErrorCategoryValidation
	}

	return ErrorCategoryUnknown
}
