package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/models"
)

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const tokenColumns = `id, name, access_token, token_expiry, session_cookie, is_active,
	consecutive_errors, image_concurrency, video_concurrency, credits,
	image_count, video_count, error_count,
	daily_image_count, daily_video_count, daily_error_count, last_counted_day,
	last_used_at, created_at, updated_at`

func (s *Postgres) ListTokens(ctx context.Context) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Postgres) GetToken(ctx context.Context, id int64) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, models.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Postgres) CreateToken(ctx context.Context, params CreateTokenParams) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO tokens (name, access_token, token_expiry, session_cookie, is_active,
	image_concurrency, video_concurrency, credits)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+tokenColumns,
		params.Name,
		params.AccessToken,
		params.TokenExpiry,
		params.SessionCookie,
		params.IsActive,
		params.ImageConcurrency,
		params.VideoConcurrency,
		params.Credits,
	)
	token, err := scanToken(row)
	if err != nil {
		return models.Token{}, fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

func (s *Postgres) UpdateToken(ctx context.Context, id int64, params UpdateTokenParams) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tokens SET
	name = COALESCE($2, name),
	access_token = COALESCE($3, access_token),
	token_expiry = COALESCE($4, token_expiry),
	session_cookie = COALESCE($5, session_cookie),
	is_active = COALESCE($6, is_active),
	image_concurrency = COALESCE($7, image_concurrency),
	video_concurrency = COALESCE($8, video_concurrency),
	credits = COALESCE($9, credits),
	updated_at = NOW()
WHERE id = $1`,
		id,
		params.Name,
		params.AccessToken,
		params.TokenExpiry,
		params.SessionCookie,
		params.IsActive,
		params.ImageConcurrency,
		params.VideoConcurrency,
		params.Credits,
	)
	if err != nil {
		return fmt.Errorf("update token %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

func (s *Postgres) UpdateTokenHealth(ctx context.Context, id int64, active bool, consecutiveErrors int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tokens SET is_active = $2, consecutive_errors = $3, updated_at = NOW()
WHERE id = $1`, id, active, consecutiveErrors)
	if err != nil {
		return fmt.Errorf("update token %d health: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

// UpdateTokenStats folds one outcome into the lifetime and same-day counters.
// The day rollover happens inside the statement: when last_counted_day is
// stale the daily counter restarts at this outcome's increment.
func (s *Postgres) UpdateTokenStats(ctx context.Context, id int64, media models.MediaType, success bool, creditCost decimal.Decimal) error {
	var imageInc, videoInc, errorInc int64
	if success {
		if media == models.MediaVideo {
			videoInc = 1
		} else {
			imageInc = 1
		}
	} else {
		errorInc = 1
		creditCost = decimal.Zero
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE tokens SET
	image_count = image_count + $2,
	video_count = video_count + $3,
	error_count = error_count + $4,
	daily_image_count = CASE WHEN last_counted_day = CURRENT_DATE THEN daily_image_count + $2 ELSE $2 END,
	daily_video_count = CASE WHEN last_counted_day = CURRENT_DATE THEN daily_video_count + $3 ELSE $3 END,
	daily_error_count = CASE WHEN last_counted_day = CURRENT_DATE THEN daily_error_count + $4 ELSE $4 END,
	last_counted_day = CURRENT_DATE,
	consecutive_errors = CASE WHEN $5 THEN 0 ELSE consecutive_errors + 1 END,
	credits = GREATEST(credits - $6, 0),
	updated_at = NOW()
WHERE id = $1`, id, imageInc, videoInc, errorInc, success, creditCost)
	if err != nil {
		return fmt.Errorf("update token %d stats: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

func (s *Postgres) TouchTokenUsed(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE tokens SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("touch token %d: %w", id, err)
	}
	return nil
}

func (s *Postgres) DeleteToken(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

func scanToken(row pgx.Row) (models.Token, error) {
	var t models.Token
	var tokenExpiry, lastCountedDay, lastUsedAt *time.Time
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.AccessToken,
		&tokenExpiry,
		&t.SessionCookie,
		&t.IsActive,
		&t.ConsecutiveErrors,
		&t.ImageConcurrency,
		&t.VideoConcurrency,
		&t.Credits,
		&t.ImageCount,
		&t.VideoCount,
		&t.ErrorCount,
		&t.DailyImageCount,
		&t.DailyVideoCount,
		&t.DailyErrorCount,
		&lastCountedDay,
		&lastUsedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return models.Token{}, err
	}
	if tokenExpiry != nil {
		t.TokenExpiry = *tokenExpiry
	}
	if lastCountedDay != nil {
		t.LastCountedDay = *lastCountedDay
	}
	if lastUsedAt != nil {
		t.LastUsedAt = *lastUsedAt
	}
	return t, nil
}
