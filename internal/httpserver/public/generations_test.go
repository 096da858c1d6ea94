package public

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stamns/flow2api/internal/admission"
	"github.com/stamns/flow2api/internal/app"
	"github.com/stamns/flow2api/internal/balancer"
	"github.com/stamns/flow2api/internal/cache"
	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/filecache"
	"github.com/stamns/flow2api/internal/limits"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/orchestrator"
	"github.com/stamns/flow2api/internal/registry"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/store/storetest"
	"github.com/stamns/flow2api/internal/upstream"
)

const testAPIKey = "test-key"

type fakeUpstream struct {
	mu        sync.Mutex
	submitErr error
	result    upstream.PollResult
}

func (f *fakeUpstream) Submit(ctx context.Context, token models.Token, req upstream.SubmitRequest) (upstream.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return upstream.Submission{}, f.submitErr
	}
	return upstream.Submission{OperationName: "operations/test-op", SceneID: "scene-1"}, nil
}

func (f *fakeUpstream) Poll(ctx context.Context, token models.Token, media models.MediaType, sub upstream.Submission) (upstream.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, nil
}

func (f *fakeUpstream) Cancel(ctx context.Context, token models.Token, media models.MediaType, sub upstream.Submission) error {
	return nil
}

func newTestContainer(t *testing.T, client upstream.Client, seedToken bool) (*app.Container, *storetest.Store) {
	t.Helper()

	st := storetest.New()
	if seedToken {
		st.Seed(models.Token{
			Name:             "pool-token",
			AccessToken:      "ya29.token-value",
			IsActive:         true,
			ImageConcurrency: 2,
			VideoConcurrency: 2,
		})
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Generation: config.GenerationConfig{
			PollInterval:      5 * time.Millisecond,
			MaxPollAttempts:   20,
			ImageTimeout:      2 * time.Second,
			VideoTimeout:      2 * time.Second,
			ErrorBanThreshold: 3,
		},
		Auth: config.AuthConfig{APIKey: testAPIKey},
	}

	mgr := settings.NewManager(cfg, st, logger)
	if err := mgr.Load(context.Background()); err != nil {
		t.Fatalf("load settings: %v", err)
	}

	ctrl := admission.NewController()
	reg := registry.New(st, ctrl, logger)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	bal := balancer.New(reg, ctrl, logger)
	fc := filecache.New(nil, mgr, logger)
	orch := orchestrator.New(st, reg, bal, client, fc, mgr, cfg.Generation, nil, logger)

	container := &app.Container{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Settings:     mgr,
		Admission:    ctrl,
		Registry:     reg,
		Balancer:     bal,
		Upstream:     client,
		FileCache:    fc,
		Orchestrator: orch,
		RateLimiter:  limits.NewRateLimiter(nil, cfg.RateLimits),
		TaskKeys:     cache.NewTaskKeys(nil, 0),
	}
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Drain(drainCtx)
	})
	return container, st
}

func newTestApp(container *app.Container) *fiber.App {
	fiberApp := fiber.New()
	Register(fiberApp, container)
	return fiberApp
}

func doJSON(t *testing.T, fiberApp *fiber.App, method, path string, body any, header map[string]string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+testAPIKey)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := fiberApp.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestModelsRequiresAPIKey(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	resp, err := fiberApp.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer wrong-key")
	resp, err = fiberApp.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d, want 401", resp.StatusCode)
	}
}

func TestModelsList(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodGet, "/v1/models", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	data, ok := body["data"].([]any)
	if !ok || len(data) == 0 {
		t.Fatalf("expected non-empty data list, got %v", body)
	}

	ids := make(map[string]bool)
	for _, item := range data {
		entry := item.(map[string]any)
		ids[entry["id"].(string)] = true
	}
	for _, want := range []string{"flow-veo-3", "flow-imagen-3"} {
		if !ids[want] {
			t.Fatalf("model %q missing from listing: %v", want, ids)
		}
	}
}

func TestImageGenerationReturnsURLs(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{
		State: upstream.PollSucceeded,
		URLs:  []string{"https://storage.example/image.png"},
	}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodPost, "/v1/images/generations", fiber.Map{
		"prompt": "a lighthouse at dusk",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	data, ok := body["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected one result, got %v", body)
	}
	entry := data[0].(map[string]any)
	if entry["url"] != "https://storage.example/image.png" {
		t.Fatalf("url = %v", entry["url"])
	}
}

func TestImageGenerationRequiresPrompt(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodPost, "/v1/images/generations", fiber.Map{
		"prompt": "  ",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestVideoGenerationAcceptedAndQueryable(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{
		State: upstream.PollSucceeded,
		URLs:  []string{"https://storage.example/video.mp4"},
	}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodPost, "/v1/videos/generations", fiber.Map{
		"prompt": "waves crashing on rocks",
		"model":  "flow-veo-3",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	taskID, _ := body["id"].(string)
	if taskID == "" {
		t.Fatalf("missing task id in %v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = doJSON(t, fiberApp, http.MethodGet, "/v1/videos/generations/"+taskID, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body = decodeBody(t, resp)
		if body["status"] == string(models.TaskSucceeded) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never settled: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	urls, ok := body["urls"].([]any)
	if !ok || len(urls) != 1 || urls[0] != "https://storage.example/video.mp4" {
		t.Fatalf("urls = %v", body["urls"])
	}
}

func TestVideoGenerationUnknownModel(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodPost, "/v1/videos/generations", fiber.Map{
		"prompt": "anything",
		"model":  "flow-imagen-3",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerationWithoutCapacity(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, false)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodPost, "/v1/videos/generations", fiber.Map{
		"prompt": "no tokens in the pool",
	}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get(fiber.HeaderRetryAfter) == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	client := &fakeUpstream{result: upstream.PollResult{State: upstream.PollSucceeded}}
	container, _ := newTestContainer(t, client, true)
	fiberApp := newTestApp(container)

	resp := doJSON(t, fiberApp, http.MethodGet, "/v1/videos/generations/no-such-task", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
