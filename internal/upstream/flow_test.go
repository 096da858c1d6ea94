package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/settings"
)

func testClient(t *testing.T, handler http.Handler) (*FlowClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.UpstreamConfig{APIBaseURL: srv.URL, Timeout: 5 * time.Second}
	mgr := settings.NewManager(&config.Config{}, nil, nil)
	return NewFlowClient(cfg, mgr, nil), srv
}

func TestSubmitParsesOperation(t *testing.T) {
	var gotPath string
	var gotAuth string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var payload submitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(payload.Requests) != 1 || payload.Requests[0].TextInput.Prompt != "a red fox" {
			t.Errorf("unexpected payload: %+v", payload)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{
				"operation": map[string]any{"name": "operations/abc123"},
				"sceneId":   "scene-1",
			}},
		})
	}))

	tok := models.Token{AccessToken: "ya29.secret"}
	sub, err := client.Submit(context.Background(), tok, SubmitRequest{
		Media:  models.MediaVideo,
		Model:  "veo_3_0_t2v_fast",
		Prompt: "a red fox",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.OperationName != "operations/abc123" || sub.SceneID != "scene-1" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if gotPath != videoSubmitPath {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer ya29.secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestSubmitRejection(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exhausted"}`, http.StatusForbidden)
	}))

	_, err := client.Submit(context.Background(), models.Token{}, SubmitRequest{Media: models.MediaImage})
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if submitErr.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d", submitErr.StatusCode)
	}
}

func TestPollStates(t *testing.T) {
	responses := []map[string]any{
		{"operations": []map[string]any{{
			"status": statusActive,
			"operation": map[string]any{
				"name":     "operations/abc",
				"metadata": map[string]any{"progressPercent": 40.0},
			},
		}}},
		{"operations": []map[string]any{{
			"status": statusSucceeded,
			"operation": map[string]any{
				"name": "operations/abc",
				"metadata": map[string]any{
					"video": map[string]any{"fifeUrl": "https://cdn.example/video.mp4"},
				},
			},
		}}},
	}
	call := 0
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != videoStatusPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(responses[call])
		call++
	}))

	sub := Submission{OperationName: "operations/abc", SceneID: "scene-1"}
	tok := models.Token{AccessToken: "t"}

	res, err := client.Poll(context.Background(), tok, models.MediaVideo, sub)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != PollRunning || res.Progress != 40 {
		t.Fatalf("unexpected running result: %+v", res)
	}

	res, err = client.Poll(context.Background(), tok, models.MediaVideo, sub)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != PollSucceeded || len(res.URLs) != 1 || res.URLs[0] != "https://cdn.example/video.mp4" {
		t.Fatalf("unexpected success result: %+v", res)
	}
}

func TestPollUpstreamFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{
				"status": statusFailed,
				"operation": map[string]any{
					"name":  "operations/abc",
					"error": map[string]any{"message": "safety filter"},
				},
			}}})
	}))

	res, err := client.Poll(context.Background(), models.Token{}, models.MediaImage, Submission{OperationName: "operations/abc"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.State != PollFailed || res.Reason != "safety filter" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPollTransportErrorIsPollError(t *testing.T) {
	client, srv := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	_, err := client.Poll(context.Background(), models.Token{}, models.MediaVideo, Submission{OperationName: "op"})
	var pollErr *PollError
	if !errors.As(err, &pollErr) {
		t.Fatalf("expected PollError, got %v", err)
	}
	if pollErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", pollErr.StatusCode)
	}

	// A dead server is equally retryable.
	srv.Close()
	_, err = client.Poll(context.Background(), models.Token{}, models.MediaVideo, Submission{OperationName: "op"})
	if !errors.As(err, &pollErr) {
		t.Fatalf("expected PollError for transport fault, got %v", err)
	}
}
