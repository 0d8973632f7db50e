package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/david/opportunity-sync/internal/models"
)

var (
	ErrReauthRequired = models.ErrReauthRequired

	ErrFullResyncNotConfirmed = errors.New("full resync drops all synced data and must be confirmed")
	ErrFullResyncInProgress   = errors.New("full resync in progress")

	ErrMissingID = models.ErrMissingID
)

// FetchError is a non-OK upstream response.
type FetchError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("upstream returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Is lets errors.Is(err, ErrReauthRequired) match 401 and 403 responses.
func (e *FetchError) Is(target error) bool {
	return target == ErrReauthRequired && isAuthStatus(e.StatusCode)
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Failure classifies a run error for the run record and the scheduler.
type Failure int

const (
	FailureNone Failure = iota
	FailureTransient
	FailureReauth
	FailureFatal
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureReauth:
		return "reauth"
	default:
		return "fatal"
	}
}

// Classify maps an error onto a Failure. Network errors, timeouts and non-auth
// upstream statuses are transient; the next scheduled run may succeed.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrReauthRequired) {
		return FailureReauth
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return FailureTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTransient
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return FailureTransient
	}
	var transportErr *transportError
	if errors.As(err, &transportErr) {
		return FailureTransient
	}
	return FailureFatal
}

// transportError wraps failures to reach the upstream at all.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "upstream request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// runStatus maps a run error onto the sync_runs.status value.
func runStatus(err error) string {
	switch {
	case err == nil:
		return models.RunCompleted
	case errors.Is(err, ErrReauthRequired):
		return models.RunReauthRequired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.RunAborted
	default:
		return models.RunFailed
	}
}
