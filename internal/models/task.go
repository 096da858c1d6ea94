package models

import "time"

// TaskStatus is the generation task lifecycle state. Submitted and polling
// are transient; succeeded and failed are terminal.
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "submitted"
	TaskPolling   TaskStatus = "polling"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// GenerationTask records one request's lifecycle. A task holds exactly one
// admission slot on its owning token from creation until it reaches a
// terminal state.
type GenerationTask struct {
	ID        string
	TokenID   int64
	MediaType MediaType
	Model     string
	Prompt    string
	SceneID   string
	Seed      *int64

	Status   TaskStatus
	Progress int

	// ResultURLs are the upstream-hosted URLs; CachedURLs are the durable
	// ones produced by the file cache (empty when caching is disabled or
	// failed).
	ResultURLs []string
	CachedURLs []string

	ErrorClass   ErrorClass
	ErrorMessage string

	CreatedAt   time.Time
	CompletedAt *time.Time
}
