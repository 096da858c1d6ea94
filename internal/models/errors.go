package models

import "errors"

// ErrorClass is the machine classification persisted on failed tasks.
type ErrorClass string

const (
	ErrClassNone               ErrorClass = ""
	ErrClassNoCapacity         ErrorClass = "no_capacity"
	ErrClassSubmissionRejected ErrorClass = "submission_rejected"
	ErrClassPollTransient      ErrorClass = "poll_transient"
	ErrClassPollTimeout        ErrorClass = "poll_timeout"
	ErrClassUpstreamFailure    ErrorClass = "upstream_failure"
	ErrClassCacheFailure       ErrorClass = "cache_failure"
)

var (
	// ErrNoCapacity means no eligible token could accept the request. It is
	// a backpressure condition, not a token fault, and is surfaced to the
	// caller synchronously.
	ErrNoCapacity = errors.New("no token capacity available")

	// ErrTokenNotFound is returned for lookups of unknown token ids.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTokenBusy blocks deletion of a token that still owns in-flight jobs.
	ErrTokenBusy = errors.New("token has in-flight jobs")
)
