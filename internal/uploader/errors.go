package uploader

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.

	// Precondition failures: no network attempt was made.
	ErrMissingAuth      = errors.New("upload: online mode requires an auth token")
	ErrServerNotRunning = errors.New("upload: local server not running")
	ErrLocalUnavailable = errors.New("upload: local server failed to become ready")

	// Transport and protocol failures.
	ErrNetwork         = errors.New("upload: transport failure")
	ErrInvalidResponse = errors.New("upload: invalid response format or malformed data")
	ErrServer          = errors.New("upload: remote rejected the request")

	// Auth failures.
	ErrAuthExpired   = errors.New("upload: authentication expired, re-login required")
	ErrRefreshFailed = errors.New("upload: token refresh failed, retry later")
)

// UploadError wraps the sentinel errors with request context.
type UploadError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error // nested lower-level error (e.g. net.Error)
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("uploader: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Sentinel
}
