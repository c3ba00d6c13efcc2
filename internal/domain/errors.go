package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks configuration that cannot be used (missing batch fields, bad state config).
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownConverter is returned when a field config names a converter that is not registered.
	ErrUnknownConverter = errors.New("unknown converter")
	// ErrFieldNotFound is returned when a configured property path does not exist in a record.
	ErrFieldNotFound = errors.New("field not found")
	// ErrCacheCorrupted signals a stored cache entry that violates key uniqueness or layout.
	ErrCacheCorrupted = errors.New("query cache corrupted")
	// ErrFetchFailed wraps every failure of the backend query service.
	ErrFetchFailed = errors.New("backend fetch failed")
	// ErrResultTooLarge is returned when the backend reports more records than allowed.
	ErrResultTooLarge = errors.New("result set too large")
)

// PathError reports a property path that could not be resolved in a record.
type PathError struct {
	Path      string
	Segment   string
	RecordKey string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("field %s of path %s not found in record %s", e.Segment, e.Path, e.RecordKey)
}

func (e *PathError) Unwrap() error {
	return ErrFieldNotFound
}

// FetchError carries the backend status and message of a failed search.
type FetchError struct {
	Status  int
	Message string
	Query   string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("search %q failed with status %d: %s", e.Query, e.Status, e.Message)
	}
	return fmt.Sprintf("search %q failed: %s", e.Query, e.Message)
}

func (e *FetchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFetchFailed, e.Err}
	}
	return []error{ErrFetchFailed}
}
