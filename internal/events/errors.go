package events

import "errors"

var (
	// ErrResourceExhausted is returned when no event slot is available.
	ErrResourceExhausted = errors.New("no event slot available")
	// ErrNoSpace is returned when a section does not fit in the event.
	ErrNoSpace = errors.New("not enough space left in event")
	// ErrDuplicateSection is returned when a (type, instance) pair is
	// written twice in the same event.
	ErrDuplicateSection = errors.New("duplicate section")
	// ErrInvalidHandle is returned for operations on a submitted or
	// discarded event.
	ErrInvalidHandle = errors.New("event handle is no longer valid")
	// ErrLookupMiss is returned when correlation state is absent.
	ErrLookupMiss = errors.New("lookup miss")
	// ErrReadFailure is returned when traced data cannot be read.
	ErrReadFailure = errors.New("read failure")
	// ErrTruncated is returned for events whose framing runs past the data.
	ErrTruncated = errors.New("truncated event")
	// ErrMissingCommon is returned for events not starting with COMMON.
	ErrMissingCommon = errors.New("missing common section")
)
