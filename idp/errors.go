package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches directory errors for ids that no longer exist.
var ErrNotFound = errors.New("not found")

// DirectoryError wraps a failed identity provider operation. Transient
// errors (network, 5xx) may be retried by the transport; permanent ones
// (4xx, malformed responses) never are.
type DirectoryError struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *DirectoryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("directory %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func transientError(op string, status int, err error) *DirectoryError {
	return &DirectoryError{Op: op, Status: status, Transient: true, Err: err}
}

func permanentError(op string, status int, err error) *DirectoryError {
	return &DirectoryError{Op: op, Status: status, Err: err}
}

// IsTransient reports whether err is worth retrying at the transport level.
func IsTransient(err error) bool {
	var de *DirectoryError
	return errors.As(err, &de) && de.Transient
}

// ConfigError aborts a run before any identity provider call is made.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
