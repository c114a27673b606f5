package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrRepoEmpty is returned when the repository is empty or whitespace-only after trim.
var ErrRepoEmpty = errors.New("repo is required")

// ErrRepoInvalid is returned when the repository is not in owner/name form.
var ErrRepoInvalid = errors.New("repo must be in owner/name form")

// ErrSHAEmpty is returned when the commit SHA is empty.
var ErrSHAEmpty = errors.New("sha is required")

// ErrSHAInvalid is returned when the commit SHA is not plausible hex.
var ErrSHAInvalid = errors.New("sha must be 7-64 hex characters")

// ErrRefInvalid is returned when a git ref contains disallowed characters.
var ErrRefInvalid = errors.New("ref contains invalid characters")

// ErrWorkflowNameEmpty is returned when the workflow name is empty after trim.
var ErrWorkflowNameEmpty = errors.New("workflow name is required")

// ErrWorkflowNameInvalid is returned when the workflow name contains disallowed characters.
var ErrWorkflowNameInvalid = errors.New("workflow name contains invalid characters")

// ErrRunIDInvalid is returned when a run id does not parse as a UUID.
var ErrRunIDInvalid = errors.New("run id is not a valid uuid")

// ValidateRepo trims the input and enforces owner/name form where both
// segments use letters, digits, dot, underscore or hyphen. Returns the
// trimmed string or an error suitable for 400 responses.
func ValidateRepo(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrRepoEmpty
	}
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", ErrRepoInvalid
	}
	for _, seg := range []string{owner, name} {
		for _, c := range seg {
			if !isAllowedNameRune(c) {
				return "", ErrRepoInvalid
			}
		}
	}
	return s, nil
}

// ValidateSHA trims and lowercases the input and enforces 7-64 hex
// characters. Short prefixes are accepted for manual dispatch; hooks
// always carry the full SHA.
func ValidateSHA(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return "", ErrSHAEmpty
	}
	if len(s) < 7 || len(s) > 64 {
		return "", ErrSHAInvalid
	}
	for _, c := range s {
		if !isHexRune(c) {
			return "", ErrSHAInvalid
		}
	}
	return s, nil
}

// ValidateRef trims the input and rejects whitespace, control characters
// and "..". Both short branch names and fully qualified refs/heads/ forms
// are accepted; empty is allowed (callers default it).
func ValidateRef(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, "..") {
		return "", ErrRefInvalid
	}
	for _, c := range s {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return "", ErrRefInvalid
		}
	}
	return s, nil
}

// ValidateWorkflowName trims the input, enforces length bounds (1-100
// runes) and restricts to letters, digits, space, dot, underscore and
// hyphen.
func ValidateWorkflowName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrWorkflowNameEmpty
	}
	if len(r) > 100 {
		return "", ErrWorkflowNameInvalid
	}
	for _, c := range r {
		if !isAllowedNameRune(c) && c != ' ' {
			return "", ErrWorkflowNameInvalid
		}
	}
	return s, nil
}

// ValidateRunID parses the input as a UUID and returns its canonical form.
func ValidateRunID(input string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return "", ErrRunIDInvalid
	}
	return id.String(), nil
}

// isAllowedNameRune returns true for letters (Unicode), digits, dot,
// underscore and hyphen.
func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '.', '_', '-':
		return true
	}
	return false
}

// isHexRune returns true for lowercase hex digits.
func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
