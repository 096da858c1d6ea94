// Package upstream talks to the media generation backend. Submission and
// polling are separate calls: the backend queues work and reports progress
// until the operation settles.
package upstream

import (
	"context"
	"fmt"

	"github.com/stamns/flow2api/internal/models"
)

// SubmitRequest describes one generation to queue.
type SubmitRequest struct {
	Media       models.MediaType
	Model       string
	Prompt      string
	AspectRatio string
	Seed        *int64
	// SceneID groups related generations in the upstream project. Empty
	// means the backend assigns one.
	SceneID string
}

// Submission identifies a queued operation for later polling.
type Submission struct {
	OperationName string
	SceneID       string
}

// PollState is the coarse outcome of one status check.
type PollState int

const (
	PollRunning PollState = iota
	PollSucceeded
	PollFailed
)

// PollResult is one status check of a queued operation. Reason is only set
// for PollFailed and is the backend's own failure description.
type PollResult struct {
	State    PollState
	Progress int
	URLs     []string
	Reason   string
}

// Client is the generation backend boundary. Submit errors mean the work was
// never queued. Poll errors are transport-level and retryable; a definitive
// upstream failure arrives as PollFailed inside a nil-error PollResult.
// Cancel is best-effort: the backend may not support it, and a failed cancel
// never changes the task outcome.
type Client interface {
	Submit(ctx context.Context, token models.Token, req SubmitRequest) (Submission, error)
	Poll(ctx context.Context, token models.Token, media models.MediaType, sub Submission) (PollResult, error)
	Cancel(ctx context.Context, token models.Token, media models.MediaType, sub Submission) error
}

// SubmitError is a non-2xx response to a submission.
type SubmitError struct {
	StatusCode int
	Body       string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("upstream submit rejected: status %d: %s", e.StatusCode, e.Body)
}

// PollError is a failed status check: a transport fault or a non-2xx
// response. Both leave the operation state unknown, so the caller retries
// within its attempt budget.
type PollError struct {
	StatusCode int
	Err        error
}

func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream poll failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream poll failed: status %d", e.StatusCode)
}

func (e *PollError) Unwrap() error { return e.Err }
