// Package storetest provides an in-memory Store for package tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/store"
	"github.com/stamns/flow2api/internal/timeutil"
)

// Store keeps everything in maps guarded by one mutex. Error injection is
// available per method through the Fail map, keyed by method name.
type Store struct {
	mu     sync.Mutex
	nextID int64

	Tokens   map[int64]models.Token
	Tasks    map[string]models.GenerationTask
	Settings map[string]string

	Fail map[string]error
}

func New() *Store {
	return &Store{
		Tokens:   make(map[int64]models.Token),
		Tasks:    make(map[string]models.GenerationTask),
		Settings: make(map[string]string),
		Fail:     make(map[string]error),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) failure(method string) error {
	if err, ok := s.Fail[method]; ok {
		return err
	}
	return nil
}

// Seed inserts a token directly, assigning an ID when unset.
func (s *Store) Seed(tok models.Token) models.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.ID == 0 {
		s.nextID++
		tok.ID = s.nextID
	} else if tok.ID > s.nextID {
		s.nextID = tok.ID
	}
	s.Tokens[tok.ID] = tok
	return tok
}

func (s *Store) ListTokens(ctx context.Context) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListTokens"); err != nil {
		return nil, err
	}
	out := make([]models.Token, 0, len(s.Tokens))
	for _, tok := range s.Tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetToken(ctx context.Context, id int64) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetToken"); err != nil {
		return models.Token{}, err
	}
	tok, ok := s.Tokens[id]
	if !ok {
		return models.Token{}, models.ErrTokenNotFound
	}
	return tok, nil
}

func (s *Store) CreateToken(ctx context.Context, params store.CreateTokenParams) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateToken"); err != nil {
		return models.Token{}, err
	}
	s.nextID++
	now := time.Now().UTC()
	tok := models.Token{
		ID:               s.nextID,
		Name:             params.Name,
		AccessToken:      params.AccessToken,
		TokenExpiry:      params.TokenExpiry,
		SessionCookie:    params.SessionCookie,
		IsActive:         params.IsActive,
		ImageConcurrency: params.ImageConcurrency,
		VideoConcurrency: params.VideoConcurrency,
		Credits:          params.Credits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.Tokens[tok.ID] = tok
	return tok, nil
}

func (s *Store) UpdateToken(ctx context.Context, id int64, params store.UpdateTokenParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateToken"); err != nil {
		return err
	}
	tok, ok := s.Tokens[id]
	if !ok {
		return models.ErrTokenNotFound
	}
	if params.Name != nil {
		tok.Name = *params.Name
	}
	if params.AccessToken != nil {
		tok.AccessToken = *params.AccessToken
	}
	if params.TokenExpiry != nil {
		tok.TokenExpiry = *params.TokenExpiry
	}
	if params.SessionCookie != nil {
		tok.SessionCookie = *params.SessionCookie
	}
	if params.IsActive != nil {
		tok.IsActive = *params.IsActive
	}
	if params.ImageConcurrency != nil {
		tok.ImageConcurrency = *params.ImageConcurrency
	}
	if params.VideoConcurrency != nil {
		tok.VideoConcurrency = *params.VideoConcurrency
	}
	if params.Credits != nil {
		tok.Credits = *params.Credits
	}
	tok.UpdatedAt = time.Now().UTC()
	s.Tokens[id] = tok
	return nil
}

func (s *Store) UpdateTokenHealth(ctx context.Context, id int64, active bool, consecutiveErrors int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateTokenHealth"); err != nil {
		return err
	}
	tok, ok := s.Tokens[id]
	if !ok {
		return models.ErrTokenNotFound
	}
	tok.IsActive = active
	tok.ConsecutiveErrors = consecutiveErrors
	s.Tokens[id] = tok
	return nil
}

func (s *Store) UpdateTokenStats(ctx context.Context, id int64, media models.MediaType, success bool, creditCost decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateTokenStats"); err != nil {
		return err
	}
	tok, ok := s.Tokens[id]
	if !ok {
		return models.ErrTokenNotFound
	}

	now := time.Now()
	if !timeutil.SameDay(tok.LastCountedDay, now) {
		tok.DailyImageCount = 0
		tok.DailyVideoCount = 0
		tok.DailyErrorCount = 0
		tok.LastCountedDay = timeutil.DayOf(now)
	}

	if success {
		tok.ConsecutiveErrors = 0
		tok.Credits = decimal.Max(tok.Credits.Sub(creditCost), decimal.Zero)
		if media == models.MediaVideo {
			tok.VideoCount++
			tok.DailyVideoCount++
		} else {
			tok.ImageCount++
			tok.DailyImageCount++
		}
	} else {
		tok.ConsecutiveErrors++
		tok.ErrorCount++
		tok.DailyErrorCount++
	}
	s.Tokens[id] = tok
	return nil
}

func (s *Store) TouchTokenUsed(ctx context.Context, id int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("TouchTokenUsed"); err != nil {
		return err
	}
	tok, ok := s.Tokens[id]
	if !ok {
		return models.ErrTokenNotFound
	}
	tok.LastUsedAt = usedAt
	s.Tokens[id] = tok
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteToken"); err != nil {
		return err
	}
	if _, ok := s.Tokens[id]; !ok {
		return models.ErrTokenNotFound
	}
	delete(s.Tokens, id)
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task models.GenerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateTask"); err != nil {
		return err
	}
	s.Tasks[task.ID] = task
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, params store.UpdateTaskParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateTask"); err != nil {
		return err
	}
	task, ok := s.Tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	if params.TokenID != nil {
		task.TokenID = *params.TokenID
	}
	if params.Status != nil {
		task.Status = *params.Status
	}
	if params.Progress != nil && *params.Progress > task.Progress {
		task.Progress = *params.Progress
	}
	if params.ResultURLs != nil {
		task.ResultURLs = params.ResultURLs
	}
	if params.CachedURLs != nil {
		task.CachedURLs = params.CachedURLs
	}
	if params.ErrorClass != nil {
		task.ErrorClass = *params.ErrorClass
	}
	if params.ErrorMessage != nil {
		task.ErrorMessage = *params.ErrorMessage
	}
	if params.CompletedAt != nil {
		task.CompletedAt = params.CompletedAt
	}
	s.Tasks[id] = task
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (models.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetTask"); err != nil {
		return models.GenerationTask{}, err
	}
	task, ok := s.Tasks[id]
	if !ok {
		return models.GenerationTask{}, models.ErrTaskNotFound
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]models.GenerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListTasks"); err != nil {
		return nil, err
	}
	all := make([]models.GenerationTask, 0, len(s.Tasks))
	for _, task := range s.Tasks {
		all = append(all, task)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListSettings"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.Settings))
	for k, v := range s.Settings {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetSetting"); err != nil {
		return err
	}
	s.Settings[key] = value
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeleteSetting"); err != nil {
		return err
	}
	delete(s.Settings, key)
	return nil
}
