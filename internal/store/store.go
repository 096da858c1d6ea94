package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/models"
)

// CreateTokenParams carries the administrative fields for a new token.
type CreateTokenParams struct {
	Name             string
	AccessToken      string
	TokenExpiry      time.Time
	SessionCookie    string
	IsActive         bool
	ImageConcurrency int
	VideoConcurrency int
	Credits          decimal.Decimal
}

// UpdateTokenParams carries the operator-editable token fields. Nil pointers
// leave the stored value untouched.
type UpdateTokenParams struct {
	Name             *string
	AccessToken      *string
	TokenExpiry      *time.Time
	SessionCookie    *string
	IsActive         *bool
	ImageConcurrency *int
	VideoConcurrency *int
	Credits          *decimal.Decimal
}

// UpdateTaskParams carries the mutable task fields. Nil pointers leave the
// stored value untouched.
type UpdateTaskParams struct {
	// TokenID moves the task to another token when a retry lands there.
	TokenID      *int64
	Status       *models.TaskStatus
	Progress     *int
	ResultURLs   []string
	CachedURLs   []string
	ErrorClass   *models.ErrorClass
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Store is the durable boundary for tokens, tasks and runtime settings. The
// in-memory registry may always be rebuilt from it; a process restart never
// corrupts pool invariants.
type Store interface {
	// Tokens.
	ListTokens(ctx context.Context) ([]models.Token, error)
	GetToken(ctx context.Context, id int64) (models.Token, error)
	CreateToken(ctx context.Context, params CreateTokenParams) (models.Token, error)
	UpdateToken(ctx context.Context, id int64, params UpdateTokenParams) error
	// UpdateTokenHealth persists the active flag and consecutive error count,
	// used for ban transitions and administrative resets.
	UpdateTokenHealth(ctx context.Context, id int64, active bool, consecutiveErrors int) error
	// UpdateTokenStats records one job outcome: lifetime and same-day
	// counters (rolling the day over at increment time) plus the credit
	// charge for successful generations.
	UpdateTokenStats(ctx context.Context, id int64, media models.MediaType, success bool, creditCost decimal.Decimal) error
	TouchTokenUsed(ctx context.Context, id int64, usedAt time.Time) error
	DeleteToken(ctx context.Context, id int64) error

	// Tasks.
	CreateTask(ctx context.Context, task models.GenerationTask) error
	UpdateTask(ctx context.Context, id string, params UpdateTaskParams) error
	GetTask(ctx context.Context, id string) (models.GenerationTask, error)
	ListTasks(ctx context.Context, limit, offset int) ([]models.GenerationTask, error)

	// Runtime settings overrides (env > these > file defaults).
	ListSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}
