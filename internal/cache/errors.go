package cache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrTransport reports a dropped connection channel. The connection
	// manager recovers from it; it never fails a mutation on its own.
	ErrTransport = errors.New("transport unavailable")
	// ErrTimeout is wrapped in a RequestFailure when a request outlives the
	// configured bound.
	ErrTimeout = errors.New("request timed out")
	// ErrStaleWrite marks an optimistic value the server replaced with its own.
	// It is logged, never returned to callers.
	ErrStaleWrite = errors.New("stale write corrected by server")
)

// RequestFailure is a mutation the data layer did not apply.
type RequestFailure struct {
	Key    string
	Status int
	Err    error
}

func (e *RequestFailure) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request for %s failed (%d): %v", e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("request for %s failed: %v", e.Key, e.Err)
}

func (e *RequestFailure) Unwrap() error { return e.Err }

// ValidationFailure is a RequestFailure carrying field-level errors.
type ValidationFailure struct {
	RequestFailure
	Fields map[string]string
}

func (e *ValidationFailure) Error() string {
	if len(e.Fields) == 0 {
		return e.RequestFailure.Error()
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s (%s)", e.RequestFailure.Error(), strings.Join(parts, ", "))
}

func (e *ValidationFailure) Unwrap() error { return &e.RequestFailure }

// asFailure normalizes a request error so callers can always errors.As it
// into a *RequestFailure.
func asFailure(key string, err error) error {
	var validation *ValidationFailure
	if errors.As(err, &validation) {
		if validation.Key == "" {
			validation.Key = key
		}
		return validation
	}
	var failure *RequestFailure
	if errors.As(err, &failure) {
		if failure.Key == "" {
			failure.Key = key
		}
		return failure
	}
	return &RequestFailure{Key: key, Err: err}
}
