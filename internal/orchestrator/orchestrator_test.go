package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/admission"
	"github.com/stamns/flow2api/internal/balancer"
	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/registry"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/store/storetest"
	"github.com/stamns/flow2api/internal/upstream"
)

// fakeClient scripts upstream behavior per test.
type fakeClient struct {
	mu        sync.Mutex
	submitErr error
	polls     []pollStep
	pollIdx   int
	submits   int
	cancels   int
	submitTok []int64
}

type pollStep struct {
	res upstream.PollResult
	err error
}

func (f *fakeClient) Submit(ctx context.Context, token models.Token, req upstream.SubmitRequest) (upstream.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.submitTok = append(f.submitTok, token.ID)
	if f.submitErr != nil {
		return upstream.Submission{}, f.submitErr
	}
	return upstream.Submission{OperationName: "operations/test", SceneID: "scene-test"}, nil
}

func (f *fakeClient) Poll(ctx context.Context, token models.Token, media models.MediaType, sub upstream.Submission) (upstream.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollIdx >= len(f.polls) {
		return upstream.PollResult{State: upstream.PollRunning}, nil
	}
	step := f.polls[f.pollIdx]
	f.pollIdx++
	return step.res, step.err
}

func (f *fakeClient) Cancel(ctx context.Context, token models.Token, media models.MediaType, sub upstream.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

type harness struct {
	st    *storetest.Store
	ctrl  *admission.Controller
	reg   *registry.Registry
	orch  *Orchestrator
	token models.Token
}

func newHarness(t *testing.T, client upstream.Client, genCfg config.GenerationConfig) *harness {
	t.Helper()

	st := storetest.New()
	tok := st.Seed(models.Token{
		Name: "t1", AccessToken: "ya29.a", IsActive: true,
		ImageConcurrency: 2, VideoConcurrency: 1,
		Credits: decimal.NewFromInt(100),
	})

	ctrl := admission.NewController()
	reg := registry.New(st, ctrl, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	bal := balancer.New(reg, ctrl, nil)

	cfg := &config.Config{}
	cfg.Generation.ErrorBanThreshold = 3
	cfg.Generation.ImageTimeout = 2 * time.Second
	cfg.Generation.VideoTimeout = 2 * time.Second
	cfg.Generation.PollInterval = 5 * time.Millisecond
	cfg.Generation.MaxPollAttempts = 10
	mgr := settings.NewManager(cfg, st, nil)

	orch := New(st, reg, bal, client, nil, mgr, genCfg, nil, nil)
	return &harness{st: st, ctrl: ctrl, reg: reg, orch: orch, token: tok}
}

func waitSettled(t *testing.T, h *harness, id string) models.GenerationTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return task
}

func TestSuccessfulGeneration(t *testing.T) {
	client := &fakeClient{polls: []pollStep{
		{res: upstream.PollResult{State: upstream.PollRunning, Progress: 50}},
		{res: upstream.PollResult{State: upstream.PollSucceeded, URLs: []string{"https://cdn.example/a.mp4"}}},
	}}
	h := newHarness(t, client, config.GenerationConfig{VideoCreditCost: 10})

	task, err := h.orch.Start(context.Background(), Request{Media: models.MediaVideo, Model: "veo", Prompt: "fox"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != models.TaskSubmitted {
		t.Fatalf("expected submitted, got %s", task.Status)
	}

	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskSucceeded {
		t.Fatalf("expected success, got %s (%s)", settled.Status, settled.ErrorMessage)
	}
	if len(settled.ResultURLs) != 1 || settled.Progress != 100 {
		t.Fatalf("unexpected result: %+v", settled)
	}
	if settled.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}

	// The slot is free again and the token was charged.
	if got := h.ctrl.InFlight(h.token.ID, models.MediaVideo); got != 0 {
		t.Fatalf("slot not released: %d in flight", got)
	}
	stored, _ := h.st.GetToken(context.Background(), h.token.ID)
	if !stored.Credits.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected 90 credits, got %s", stored.Credits)
	}
	if stored.VideoCount != 1 || stored.ConsecutiveErrors != 0 {
		t.Fatalf("unexpected counters: %+v", stored)
	}
}

func TestSubmissionRejected(t *testing.T) {
	client := &fakeClient{submitErr: &upstream.SubmitError{StatusCode: 403, Body: "quota"}}
	h := newHarness(t, client, config.GenerationConfig{})

	task, err := h.orch.Start(context.Background(), Request{Media: models.MediaImage, Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskFailed || settled.ErrorClass != models.ErrClassSubmissionRejected {
		t.Fatalf("unexpected settle: %+v", settled)
	}

	stored, _ := h.st.GetToken(context.Background(), h.token.ID)
	if stored.ConsecutiveErrors != 1 || stored.ErrorCount != 1 {
		t.Fatalf("failure not recorded on token: %+v", stored)
	}
	if got := h.ctrl.InFlight(h.token.ID, models.MediaImage); got != 0 {
		t.Fatalf("slot not released: %d", got)
	}
}

func TestTransientPollErrorsAreRetried(t *testing.T) {
	client := &fakeClient{polls: []pollStep{
		{err: &upstream.PollError{StatusCode: 502}},
		{err: &upstream.PollError{Err: errors.New("connection reset")}},
		{res: upstream.PollResult{State: upstream.PollSucceeded, URLs: []string{"https://cdn.example/a.jpg"}}},
	}}
	h := newHarness(t, client, config.GenerationConfig{})

	task, _ := h.orch.Start(context.Background(), Request{Media: models.MediaImage, Prompt: "x"})
	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskSucceeded {
		t.Fatalf("expected success after transient errors, got %s (%s)", settled.Status, settled.ErrorMessage)
	}
}

func TestPollAttemptsExhaustedIsTimeout(t *testing.T) {
	// Every poll reports running; the attempt budget runs out first.
	client := &fakeClient{}
	h := newHarness(t, client, config.GenerationConfig{})

	task, _ := h.orch.Start(context.Background(), Request{Media: models.MediaImage, Prompt: "x"})
	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskFailed || settled.ErrorClass != models.ErrClassPollTimeout {
		t.Fatalf("expected poll timeout, got %+v", settled)
	}

	client.mu.Lock()
	cancels := client.cancels
	client.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected one upstream cancel on timeout, got %d", cancels)
	}
}

func TestUpstreamFailure(t *testing.T) {
	client := &fakeClient{polls: []pollStep{
		{res: upstream.PollResult{State: upstream.PollFailed, Reason: "safety filter"}},
	}}
	h := newHarness(t, client, config.GenerationConfig{})

	task, _ := h.orch.Start(context.Background(), Request{Media: models.MediaVideo, Prompt: "x"})
	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskFailed || settled.ErrorClass != models.ErrClassUpstreamFailure {
		t.Fatalf("unexpected settle: %+v", settled)
	}
	if settled.ErrorMessage != "safety filter" {
		t.Fatalf("expected upstream reason, got %q", settled.ErrorMessage)
	}
}

func TestNoCapacityCreatesNoTask(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, config.GenerationConfig{})

	// Saturate the only video slot.
	if !h.ctrl.TryAcquire(h.token.ID, models.MediaVideo, 1) {
		t.Fatal("setup acquire failed")
	}

	_, err := h.orch.Start(context.Background(), Request{Media: models.MediaVideo, Prompt: "x"})
	if !errors.Is(err, models.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if len(h.st.Tasks) != 0 {
		t.Fatal("no task row should exist for a rejected request")
	}
}

func TestBackgroundCompletionAfterClientCancel(t *testing.T) {
	client := &fakeClient{polls: []pollStep{
		{res: upstream.PollResult{State: upstream.PollRunning, Progress: 10}},
		{res: upstream.PollResult{State: upstream.PollSucceeded, URLs: []string{"https://cdn.example/a.mp4"}}},
	}}
	h := newHarness(t, client, config.GenerationConfig{})

	reqCtx, cancel := context.WithCancel(context.Background())
	task, err := h.orch.Start(reqCtx, Request{Media: models.MediaVideo, Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// The client goes away immediately; the run must still settle.
	cancel()

	settled := waitSettled(t, h, task.ID)
	if settled.Status != models.TaskSucceeded {
		t.Fatalf("expected background completion, got %s", settled.Status)
	}
}

func TestRetryOnNewToken(t *testing.T) {
	client := &fakeClient{submitErr: &upstream.SubmitError{StatusCode: 500, Body: "boom"}}
	h := newHarness(t, client, config.GenerationConfig{RetryOnNewToken: true})

	// A second healthy token for the retry to land on.
	second := h.st.Seed(models.Token{Name: "t2", IsActive: true, ImageConcurrency: 2})
	if err := h.reg.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	task, _ := h.orch.Start(context.Background(), Request{Media: models.MediaImage, Prompt: "x"})
	settled := waitSettled(t, h, task.ID)

	if settled.Status != models.TaskFailed {
		t.Fatalf("both submissions fail, task must fail: %+v", settled)
	}
	if client.submits != 2 {
		t.Fatalf("expected one retry, got %d submissions", client.submits)
	}
	if client.submitTok[0] == client.submitTok[1] {
		t.Fatal("retry must use a different token")
	}

	// Both tokens carry one failure each; neither slot leaks.
	if h.ctrl.TotalInFlight(h.token.ID) != 0 || h.ctrl.TotalInFlight(second.ID) != 0 {
		t.Fatal("slots leaked after retry")
	}
}

func TestDrainWaitsForRuns(t *testing.T) {
	client := &fakeClient{polls: []pollStep{
		{res: upstream.PollResult{State: upstream.PollSucceeded, URLs: []string{"https://cdn.example/a.jpg"}}},
	}}
	h := newHarness(t, client, config.GenerationConfig{})

	task, _ := h.orch.Start(context.Background(), Request{Media: models.MediaImage, Prompt: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got, err := h.orch.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Status.Terminal() {
		t.Fatalf("task not terminal after drain: %s", got.Status)
	}
}
