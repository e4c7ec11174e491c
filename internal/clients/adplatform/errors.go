package adplatform

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error is a failed platform call
type Error struct {
	Err        error
	Op         string
	Body       string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the call may succeed if repeated unchanged.
// Network failures, timeouts, 429 and 5xx are transient; other 4xx mean the
// request itself was rejected.
func (e *Error) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsTransient classifies any error returned by an AdPlatform
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
