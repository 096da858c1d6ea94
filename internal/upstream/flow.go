package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/settings"
)

const (
	videoSubmitPath = "/video:batchAsyncGenerateVideoText"
	videoStatusPath = "/video:batchCheckAsyncVideoGenerationStatus"
	imageSubmitPath = "/image:batchAsyncGenerateImageText"
	imageStatusPath = "/image:batchCheckAsyncImageGenerationStatus"
	videoCancelPath = "/video:batchCancelAsyncVideoGeneration"
	imageCancelPath = "/image:batchCancelAsyncImageGeneration"

	statusPending   = "MEDIA_GENERATION_STATUS_PENDING"
	statusActive    = "MEDIA_GENERATION_STATUS_ACTIVE"
	statusSucceeded = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	statusFailed    = "MEDIA_GENERATION_STATUS_FAILED"
)

// FlowClient talks to the Flow generation API over HTTP. The proxy and debug
// behavior come from the runtime settings snapshot on every call, so admin
// changes apply without a restart.
type FlowClient struct {
	cfg      config.UpstreamConfig
	settings *settings.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewFlowClient(cfg config.UpstreamConfig, mgr *settings.Manager, logger *slog.Logger) *FlowClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowClient{
		cfg:      cfg,
		settings: mgr,
		logger:   logger,
		clients:  make(map[string]*http.Client),
	}
}

var _ Client = (*FlowClient)(nil)

// httpClient returns a client for the given proxy URL, building and caching
// one transport per distinct proxy so settings flips do not leak connections.
func (c *FlowClient) httpClient(proxyURL string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			c.logger.Warn("invalid proxy url, connecting directly", slog.String("error", err.Error()))
		}
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	c.clients[proxyURL] = client
	return client
}

type clientContext struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool"`
}

type textInput struct {
	Prompt string `json:"prompt"`
}

type generateRequest struct {
	AspectRatio string    `json:"aspectRatio,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
	TextInput   textInput `json:"textInput"`
	ModelKey    string    `json:"modelKey"`
	SceneID     string    `json:"sceneId,omitempty"`
}

type submitPayload struct {
	ClientContext clientContext     `json:"clientContext"`
	Requests      []generateRequest `json:"requests"`
}

type operationRef struct {
	Name string `json:"name"`
}

type submitResponse struct {
	Operations []struct {
		Operation operationRef `json:"operation"`
		SceneID   string       `json:"sceneId"`
	} `json:"operations"`
}

type statusPayload struct {
	Operations []struct {
		Operation operationRef `json:"operation"`
		SceneID   string       `json:"sceneId,omitempty"`
		Status    string       `json:"status"`
	} `json:"operations"`
}

type statusResponse struct {
	Operations []struct {
		Operation struct {
			Name     string `json:"name"`
			Metadata struct {
				Progress float64 `json:"progressPercent"`
				Video    struct {
					FifeURL        string `json:"fifeUrl"`
					ServingBaseURL string `json:"servingBaseUrl"`
				} `json:"video"`
				Image struct {
					FifeURL string `json:"fifeUrl"`
				} `json:"image"`
			} `json:"metadata"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"operation"`
		Status string `json:"status"`
	} `json:"operations"`
}

func (c *FlowClient) Submit(ctx context.Context, token models.Token, req SubmitRequest) (Submission, error) {
	path := imageSubmitPath
	if req.Media == models.MediaVideo {
		path = videoSubmitPath
	}

	payload := submitPayload{
		ClientContext: clientContext{SessionID: token.SessionCookie, Tool: "PINHOLE"},
		Requests: []generateRequest{{
			AspectRatio: req.AspectRatio,
			Seed:        req.Seed,
			TextInput:   textInput{Prompt: req.Prompt},
			ModelKey:    req.Model,
			SceneID:     req.SceneID,
		}},
	}

	var resp submitResponse
	if err := c.post(ctx, token, path, payload, &resp); err != nil {
		return Submission{}, err
	}
	if len(resp.Operations) == 0 || resp.Operations[0].Operation.Name == "" {
		return Submission{}, &SubmitError{StatusCode: http.StatusOK, Body: "response carried no operation"}
	}

	return Submission{
		OperationName: resp.Operations[0].Operation.Name,
		SceneID:       resp.Operations[0].SceneID,
	}, nil
}

func (c *FlowClient) Poll(ctx context.Context, token models.Token, media models.MediaType, sub Submission) (PollResult, error) {
	path := imageStatusPath
	if media == models.MediaVideo {
		path = videoStatusPath
	}

	payload := statusPayload{}
	payload.Operations = append(payload.Operations, struct {
		Operation operationRef `json:"operation"`
		SceneID   string       `json:"sceneId,omitempty"`
		Status    string       `json:"status"`
	}{
		Operation: operationRef{Name: sub.OperationName},
		SceneID:   sub.SceneID,
		Status:    statusPending,
	})

	var resp statusResponse
	if err := c.post(ctx, token, path, payload, &resp); err != nil {
		if submitErr, ok := err.(*SubmitError); ok {
			return PollResult{}, &PollError{StatusCode: submitErr.StatusCode}
		}
		return PollResult{}, &PollError{Err: err}
	}
	if len(resp.Operations) == 0 {
		return PollResult{}, &PollError{Err: fmt.Errorf("status response carried no operations")}
	}

	op := resp.Operations[0]
	result := PollResult{Progress: int(op.Operation.Metadata.Progress)}

	switch op.Status {
	case statusSucceeded:
		result.State = PollSucceeded
		result.Progress = 100
		if u := op.Operation.Metadata.Video.FifeURL; u != "" {
			result.URLs = append(result.URLs, u)
		}
		if u := op.Operation.Metadata.Image.FifeURL; u != "" {
			result.URLs = append(result.URLs, u)
		}
		if len(result.URLs) == 0 {
			result.State = PollFailed
			result.Reason = "generation succeeded without media urls"
		}
	case statusFailed:
		result.State = PollFailed
		result.Reason = op.Operation.Error.Message
		if result.Reason == "" {
			result.Reason = "upstream reported failure without detail"
		}
	case statusPending, statusActive, "":
		result.State = PollRunning
	default:
		result.State = PollRunning
	}

	return result, nil
}

// Cancel tells the backend to stop a running operation. Errors are reported
// but carry no retry semantics; the caller has already timed the task out.
func (c *FlowClient) Cancel(ctx context.Context, token models.Token, media models.MediaType, sub Submission) error {
	path := imageCancelPath
	if media == models.MediaVideo {
		path = videoCancelPath
	}

	payload := statusPayload{}
	payload.Operations = append(payload.Operations, struct {
		Operation operationRef `json:"operation"`
		SceneID   string       `json:"sceneId,omitempty"`
		Status    string       `json:"status"`
	}{
		Operation: operationRef{Name: sub.OperationName},
		SceneID:   sub.SceneID,
	})

	var resp json.RawMessage
	return c.post(ctx, token, path, payload, &resp)
}

func (c *FlowClient) post(ctx context.Context, token models.Token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	snap := c.settings.Current()
	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	c.debugRequest(snap, token, endpoint, body)

	client := c.httpClient(snap.EffectiveProxyURL())

	// Transport faults are retried with the request body rebuilt; non-2xx
	// responses are not, the backend already saw the request.
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req.Body = io.NopCloser(bytes.NewReader(body))
		resp, err = client.Do(req)
		if err == nil {
			break
		}
		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return fmt.Errorf("call %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("call %s: %w", path, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.debugResponse(snap, endpoint, resp.StatusCode, respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SubmitError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *FlowClient) debugRequest(snap settings.Snapshot, token models.Token, endpoint string, body []byte) {
	if !snap.DebugEnabled || !snap.DebugLogRequests {
		return
	}
	bearer := token.AccessToken
	if snap.DebugMaskToken {
		bearer = token.Masked()
	}
	c.logger.Debug("upstream request",
		slog.String("endpoint", endpoint),
		slog.String("bearer", bearer),
		slog.String("body", truncate(string(body), 2048)))
}

func (c *FlowClient) debugResponse(snap settings.Snapshot, endpoint string, status int, body []byte) {
	if !snap.DebugEnabled || !snap.DebugLogResponses {
		return
	}
	c.logger.Debug("upstream response",
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
		slog.String("body", truncate(string(body), 2048)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
