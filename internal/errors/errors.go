// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an upstream repository, login or commit does not exist
// (deleted, renamed or hidden). It is terminal for the entity in the current run.
var ErrNotFound = errors.New("remote object not found")

// ErrInvalidRepoFormat is returned when a repository string is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// RateLimitedError is returned when the upstream API refused a call because the
// credential used for it ran out of quota.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("api rate limit exceeded, resets at %s", e.Reset.Format(time.RFC3339))
}

// QuotaExhaustedError is returned by the credential rotator in fail-fast mode when no
// credential is above the minimum remaining-query threshold.
type QuotaExhaustedError struct {
	Credentials int
	Threshold   int
	Reset       time.Time
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("all %d API credentials are below the min remaining query threshold %d (earliest reset %s)",
		e.Credentials, e.Threshold, e.Reset.Format(time.RFC3339))
}

// TransportError wraps a network or protocol failure talking to a remote.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RepoSyntaxError is returned when a repository URL does not belong to the url root it
// was checked against. It is expected while probing several roots.
type RepoSyntaxError struct {
	URL  string
	Root string
}

func (e *RepoSyntaxError) Error() string {
	return fmt.Sprintf("repository url %q does not have the expected syntax for source %q", e.URL, e.Root)
}

// CriticalSyntaxError is returned when a repository URL matches a root but has no usable
// owner/name decomposition.
type CriticalSyntaxError struct {
	URL    string
	Parsed string
}

func (e *CriticalSyntaxError) Error() string {
	return fmt.Sprintf("critical syntax error for repository url %q, parsed %q", e.URL, e.Parsed)
}

// IsRateLimited reports whether err was caused by an exhausted credential.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsQuotaExhausted reports whether err is a fail-fast quota exhaustion.
func IsQuotaExhausted(err error) bool {
	var qe *QuotaExhaustedError
	return errors.As(err, &qe)
}

// IsSyntax reports whether err is a (non critical) repository url syntax error.
func IsSyntax(err error) bool {
	var se *RepoSyntaxError
	return errors.As(err, &se)
}

// IsCriticalSyntax reports whether err is a critical repository url syntax error.
func IsCriticalSyntax(err error) bool {
	var ce *CriticalSyntaxError
	return errors.As(err, &ce)
}
