package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stamns/flow2api/internal/models"
)

const taskColumns = `id, token_id, media_type, model, prompt, scene_id, seed,
	status, progress, result_urls, cached_urls, error_class, error_message,
	created_at, completed_at`

func (s *Postgres) CreateTask(ctx context.Context, task models.GenerationTask) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (id, token_id, media_type, model, prompt, scene_id, seed, status, progress)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID,
		task.TokenID,
		string(task.MediaType),
		task.Model,
		task.Prompt,
		task.SceneID,
		task.Seed,
		string(task.Status),
		task.Progress,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Postgres) UpdateTask(ctx context.Context, id string, params UpdateTaskParams) error {
	var status, errorClass *string
	if params.Status != nil {
		v := string(*params.Status)
		status = &v
	}
	if params.ErrorClass != nil {
		v := string(*params.ErrorClass)
		errorClass = &v
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET
	token_id = COALESCE($2, token_id),
	status = COALESCE($3, status),
	progress = GREATEST(progress, COALESCE($4, progress)),
	result_urls = COALESCE($5, result_urls),
	cached_urls = COALESCE($6, cached_urls),
	error_class = COALESCE($7, error_class),
	error_message = COALESCE($8, error_message),
	completed_at = COALESCE($9, completed_at)
WHERE id = $1`,
		id,
		params.TokenID,
		status,
		params.Progress,
		params.ResultURLs,
		params.CachedURLs,
		errorClass,
		params.ErrorMessage,
		params.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (models.GenerationTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationTask{}, models.ErrTaskNotFound
		}
		return models.GenerationTask{}, err
	}
	return task, nil
}

func (s *Postgres) ListTasks(ctx context.Context, limit, offset int) ([]models.GenerationTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (models.GenerationTask, error) {
	var t models.GenerationTask
	var media, status, errorClass string
	var errorMessage *string
	var completedAt *time.Time
	err := row.Scan(
		&t.ID,
		&t.TokenID,
		&media,
		&t.Model,
		&t.Prompt,
		&t.SceneID,
		&t.Seed,
		&status,
		&t.Progress,
		&t.ResultURLs,
		&t.CachedURLs,
		&errorClass,
		&errorMessage,
		&t.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return models.GenerationTask{}, err
	}
	t.MediaType = models.MediaType(media)
	t.Status = models.TaskStatus(status)
	t.ErrorClass = models.ErrorClass(errorClass)
	if errorMessage != nil {
		t.ErrorMessage = *errorMessage
	}
	t.CompletedAt = completedAt
	return t, nil
}

func (s *Postgres) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM app_settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *Postgres) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO app_settings (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *Postgres) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM app_settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
