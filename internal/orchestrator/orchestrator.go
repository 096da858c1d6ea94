// Package orchestrator drives a generation task from admission to a terminal
// state: acquire a token slot, submit upstream, poll until the operation
// settles, mirror the media, then settle the slot and the token's health.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/balancer"
	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/filecache"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/registry"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/store"
	"github.com/stamns/flow2api/internal/upstream"
)

// Metrics receives task lifecycle events. The observability package provides
// the Prometheus-backed implementation; a nil Metrics disables reporting.
type Metrics interface {
	TaskStarted(media models.MediaType)
	TaskSettled(media models.MediaType, class models.ErrorClass, elapsed time.Duration)
	CapacityRejected(media models.MediaType)
}

// Request is one generation to run.
type Request struct {
	Media       models.MediaType
	Model       string
	Prompt      string
	AspectRatio string
	Seed        *int64
}

// Orchestrator owns the task lifecycle. Task execution is detached from the
// request context: a client that disconnects mid-generation still gets a
// finished task (and a cached result) it can query later.
type Orchestrator struct {
	st       store.Store
	registry *registry.Registry
	balancer *balancer.Balancer
	client   upstream.Client
	cache    *filecache.Cache
	settings *settings.Manager
	genCfg   config.GenerationConfig
	metrics  Metrics
	logger   *slog.Logger

	wmu     sync.Mutex
	waiters map[string]chan struct{}

	// tracks background runs so Shutdown can drain them
	wg sync.WaitGroup
}

func New(
	st store.Store,
	reg *registry.Registry,
	bal *balancer.Balancer,
	client upstream.Client,
	cache *filecache.Cache,
	mgr *settings.Manager,
	genCfg config.GenerationConfig,
	metrics Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		st:       st,
		registry: reg,
		balancer: bal,
		client:   client,
		cache:    cache,
		settings: mgr,
		genCfg:   genCfg,
		metrics:  metrics,
		logger:   logger,
		waiters:  make(map[string]chan struct{}),
	}
}

// Start admits and persists a new task, then runs it in the background. The
// returned task is in the submitted state; models.ErrNoCapacity means no
// eligible token had a free slot and nothing was created.
func (o *Orchestrator) Start(ctx context.Context, req Request) (models.GenerationTask, error) {
	snap := o.settings.Current()

	slot, err := o.balancer.Acquire(ctx, req.Media, snap.ErrorBanThreshold)
	if err != nil {
		if errors.Is(err, models.ErrNoCapacity) && o.metrics != nil {
			o.metrics.CapacityRejected(req.Media)
		}
		return models.GenerationTask{}, err
	}

	task := models.GenerationTask{
		ID:        uuid.NewString(),
		TokenID:   slot.Token.ID,
		MediaType: req.Media,
		Model:     req.Model,
		Prompt:    req.Prompt,
		Seed:      req.Seed,
		Status:    models.TaskSubmitted,
		CreatedAt: time.Now().UTC(),
	}

	if err := o.st.CreateTask(ctx, task); err != nil {
		if relErr := slot.Release(); relErr != nil {
			o.logger.Error("slot release failed", slog.String("error", relErr.Error()))
		}
		return models.GenerationTask{}, fmt.Errorf("persist task: %w", err)
	}

	if o.metrics != nil {
		o.metrics.TaskStarted(req.Media)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(task, req, slot, snap, false)
	}()

	return task, nil
}

// GetTask returns the persisted task state.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (models.GenerationTask, error) {
	return o.st.GetTask(ctx, id)
}

// Wait blocks until the task reaches a terminal state or the context ends,
// then returns the task. Waiting is how the synchronous image endpoint rides
// on the same asynchronous machinery as video.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.GenerationTask, error) {
	task, err := o.st.GetTask(ctx, id)
	if err != nil {
		return models.GenerationTask{}, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	done := o.waiter(id)

	// Settlement may have landed between the read above and the waiter
	// registration; re-check so the wait cannot miss it.
	task, err = o.st.GetTask(ctx, id)
	if err != nil {
		return models.GenerationTask{}, err
	}
	if task.Status.Terminal() {
		o.dropWaiter(id)
		return task, nil
	}

	select {
	case <-ctx.Done():
		return models.GenerationTask{}, ctx.Err()
	case <-done:
		return o.st.GetTask(ctx, id)
	}
}

// Drain waits for all background runs to finish, bounded by the context.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// outcome is the settled result of one execution attempt.
type outcome struct {
	class      models.ErrorClass
	message    string
	resultURLs []string
	cachedURLs []string
}

func (out outcome) success() bool { return out.class == models.ErrClassNone }

// run executes the task and settles it. The slot is released before the
// registry outcome update so a banned token's counters never go negative and
// a waiting request can reuse the slot immediately.
func (o *Orchestrator) run(task models.GenerationTask, req Request, slot *balancer.Slot, snap settings.Snapshot, retried bool) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), snap.TimeoutFor(req.Media == models.MediaVideo))
	out := o.execute(ctx, &task, slot.Token, req, snap)
	cancel()

	if err := slot.Release(); err != nil {
		o.logger.Error("slot release failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()

	o.registry.RecordOutcome(persistCtx, slot.Token.ID, req.Media, out.success(), o.creditCost(req.Media, out), snap.ErrorBanThreshold)

	if !out.success() && o.genCfg.RetryOnNewToken && !retried && retryable(out.class) {
		if newSlot, err := o.balancer.Acquire(persistCtx, req.Media, snap.ErrorBanThreshold, slot.Token.ID); err == nil {
			o.logger.Info("retrying task on another token",
				slog.String("task_id", task.ID),
				slog.Int64("failed_token_id", slot.Token.ID),
				slog.Int64("retry_token_id", newSlot.Token.ID))
			task.TokenID = newSlot.Token.ID
			o.updateTask(persistCtx, task.ID, store.UpdateTaskParams{TokenID: &task.TokenID})
			o.run(task, req, newSlot, snap, true)
			return
		}
	}

	o.settle(persistCtx, task, out)

	if o.metrics != nil {
		o.metrics.TaskSettled(req.Media, out.class, time.Since(started))
	}
}

func (o *Orchestrator) execute(ctx context.Context, task *models.GenerationTask, token models.Token, req Request, snap settings.Snapshot) outcome {
	sub, err := o.client.Submit(ctx, token, upstream.SubmitRequest{
		Media:       req.Media,
		Model:       req.Model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Seed:        req.Seed,
	})
	if err != nil {
		return outcome{class: models.ErrClassSubmissionRejected, message: err.Error()}
	}

	task.SceneID = sub.SceneID
	status := models.TaskPolling
	o.updateTask(ctx, task.ID, store.UpdateTaskParams{Status: &status})

	for attempt := 1; attempt <= snap.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			o.cancelUpstream(token, req.Media, sub, task.ID)
			return outcome{class: models.ErrClassPollTimeout,
				message: fmt.Sprintf("generation did not finish within %s", snap.TimeoutFor(req.Media == models.MediaVideo))}
		case <-time.After(snap.PollInterval):
		}

		res, err := o.client.Poll(ctx, token, req.Media, sub)
		if err != nil {
			if ctx.Err() != nil {
				o.cancelUpstream(token, req.Media, sub, task.ID)
				return outcome{class: models.ErrClassPollTimeout,
					message: fmt.Sprintf("generation did not finish within %s", snap.TimeoutFor(req.Media == models.MediaVideo))}
			}
			o.logger.Debug("poll attempt failed",
				slog.String("task_id", task.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		switch res.State {
		case upstream.PollSucceeded:
			return o.finishSuccess(ctx, task, req.Media, res.URLs)
		case upstream.PollFailed:
			return outcome{class: models.ErrClassUpstreamFailure, message: res.Reason}
		default:
			if res.Progress > task.Progress {
				task.Progress = res.Progress
				o.updateTask(ctx, task.ID, store.UpdateTaskParams{Progress: &res.Progress})
			}
		}
	}

	o.cancelUpstream(token, req.Media, sub, task.ID)
	return outcome{class: models.ErrClassPollTimeout,
		message: fmt.Sprintf("no result after %d poll attempts", snap.MaxPollAttempts)}
}

// cancelUpstream signals the backend to stop a timed-out operation. The task
// is already settled as timed out; a cancel failure only gets logged.
func (o *Orchestrator) cancelUpstream(token models.Token, media models.MediaType, sub upstream.Submission, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.client.Cancel(ctx, token, media, sub); err != nil {
		o.logger.Debug("upstream cancel failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
	}
}

// finishSuccess mirrors the media. A cache failure does not fail the task:
// the upstream URLs are still returned, with the cache fault recorded on the
// task for the operator.
func (o *Orchestrator) finishSuccess(ctx context.Context, task *models.GenerationTask, media models.MediaType, urls []string) outcome {
	out := outcome{resultURLs: urls}

	if o.cache != nil && o.cache.Enabled() {
		cached, err := o.cache.Mirror(ctx, urls, media)
		if err != nil {
			o.logger.Warn("media caching failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			out.message = err.Error()
			// class stays empty: the task succeeded, the message plus
			// cache_failure persisted below mark the degraded result
		} else {
			out.cachedURLs = cached
		}
	}
	return out
}

func (o *Orchestrator) settle(ctx context.Context, task models.GenerationTask, out outcome) {
	now := time.Now().UTC()
	params := store.UpdateTaskParams{CompletedAt: &now}

	if out.success() {
		status := models.TaskSucceeded
		progress := 100
		params.Status = &status
		params.Progress = &progress
		params.ResultURLs = out.resultURLs
		params.CachedURLs = out.cachedURLs
		if out.message != "" {
			class := models.ErrClassCacheFailure
			params.ErrorClass = &class
			params.ErrorMessage = &out.message
		}
	} else {
		status := models.TaskFailed
		params.Status = &status
		params.ErrorClass = &out.class
		params.ErrorMessage = &out.message
	}

	o.updateTask(ctx, task.ID, params)

	o.wmu.Lock()
	if done, ok := o.waiters[task.ID]; ok {
		close(done)
		delete(o.waiters, task.ID)
	}
	o.wmu.Unlock()

	o.logger.Info("task settled",
		slog.String("task_id", task.ID),
		slog.String("media", string(task.MediaType)),
		slog.Int64("token_id", task.TokenID),
		slog.String("error_class", string(out.class)))
}

func (o *Orchestrator) updateTask(ctx context.Context, id string, params store.UpdateTaskParams) {
	// task writes use a fresh context: the run context may already be past
	// its deadline when the terminal state lands
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := o.st.UpdateTask(ctx, id, params); err != nil {
		o.logger.Warn("persist task update failed", slog.String("task_id", id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) dropWaiter(id string) {
	o.wmu.Lock()
	delete(o.waiters, id)
	o.wmu.Unlock()
}

func (o *Orchestrator) waiter(id string) chan struct{} {
	o.wmu.Lock()
	defer o.wmu.Unlock()
	done, ok := o.waiters[id]
	if !ok {
		done = make(chan struct{})
		o.waiters[id] = done
	}
	return done
}

func (o *Orchestrator) creditCost(media models.MediaType, out outcome) decimal.Decimal {
	if !out.success() {
		return decimal.Zero
	}
	if media == models.MediaVideo {
		return decimal.NewFromFloat(o.genCfg.VideoCreditCost)
	}
	return decimal.NewFromFloat(o.genCfg.ImageCreditCost)
}

func retryable(class models.ErrorClass) bool {
	return class == models.ErrClassSubmissionRejected || class == models.ErrClassUpstreamFailure
}
