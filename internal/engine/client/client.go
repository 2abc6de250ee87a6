// Package client implements the HTTP contract every engine server exposes,
// regardless of how it was launched:
//
//	GET  /health    → {status, currentEngineModel?, packageVersion?, device?}
//	GET  /models    → {models: [{name, displayName, languages?, fields?}]}
//	POST /load      → {status: "loaded"} | {status: "error", error}
//	POST /generate  → WAV bytes (synthesis) or analysis JSON (others)
//	POST /shutdown  → best-effort, the process exits shortly after
//
// All JSON bodies use camelCase keys. Errors are classified into the
// three-way taxonomy in errors.go; the retry loop in retry.go consumes that
// classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoint paths of the engine contract.
const (
	healthPath   = "/health"
	modelsPath   = "/models"
	loadPath     = "/load"
	generatePath = "/generate"
	shutdownPath = "/shutdown"
)

// Default timeouts per call class. Generate is unbounded by the client and
// bounded by the caller's context instead, because synthesis time scales
// with input length.
const (
	defaultHealthTimeout = 5 * time.Second
	defaultLoadTimeout   = 300 * time.Second
	defaultModelsTimeout = 30 * time.Second
)

// Health statuses an engine may report.
const (
	StatusReady   = "ready"
	StatusLoading = "loading"
	StatusError   = "error"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status             string `json:"status"`
	CurrentEngineModel string `json:"currentEngineModel,omitempty"`
	PackageVersion     string `json:"packageVersion,omitempty"`
	Device             string `json:"device,omitempty"`
}

// ModelInfo is one entry of GET /models.
type ModelInfo struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Languages   []string       `json:"languages,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHealthTimeout overrides the per-call timeout for Health.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) { c.healthTimeout = d }
}

// WithLoadTimeout overrides the per-call timeout for Load. The default is
// generous (300 s) because it covers cold model warm-up.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Client) { c.loadTimeout = d }
}

// Client talks to one running engine server. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	healthTimeout time.Duration
	loadTimeout   time.Duration
}

// New creates a client for the engine at baseURL, e.g. "http://127.0.0.1:8766".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("client: baseURL must not be empty")
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{},
		healthTimeout: defaultHealthTimeout,
		loadTimeout:   defaultLoadTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the engine's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health performs GET /health. A 503 with a loading body is returned as a
// [LoadingError] so callers can wait instead of restarting.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("client: create health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ServerError{Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if decErr := json.NewDecoder(resp.Body).Decode(&hs); decErr != nil && resp.StatusCode == http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Msg: "undecodable health body", Err: decErr}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if hs.Status == StatusLoading {
			return &hs, &LoadingError{}
		}
		return &hs, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &LoadingError{Msg: hs.Status}
	default:
		return nil, &ServerError{StatusCode: resp.StatusCode, Msg: "health check failed"}
	}
}

// Models performs GET /models and returns the engine's model catalogue.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultModelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("client: create models request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ServerError{Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var body struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ServerError{StatusCode: resp.StatusCode, Msg: "undecodable models body", Err: err}
	}
	return body.Models, nil
}

// Load performs POST /load for the named model. It blocks until the engine
// confirms the load or the (long) load timeout elapses.
func (c *Client) Load(ctx context.Context, modelName string) error {
	ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"engineModelName": modelName})
	if err != nil {
		return fmt.Errorf("client: marshal load request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loadPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("client: create load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServerError{Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	var body struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &ServerError{StatusCode: resp.StatusCode, Msg: "undecodable load body", Err: err}
	}
	if body.Status != "loaded" {
		return &ServerError{StatusCode: resp.StatusCode, Msg: fmt.Sprintf("load %q failed: %s", modelName, body.Error)}
	}
	return nil
}

// Generate performs POST /generate with the given camelCase payload and
// returns the raw response body. For synthesis engines the body is WAV
// bytes; for transcription and analysis engines it is a JSON report the
// caller decodes. The request is bounded only by ctx.
func (c *Client) Generate(ctx context.Context, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("client: create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ServerError{Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServerError{StatusCode: resp.StatusCode, Msg: "read generate response", Err: err}
	}
	return body, nil
}

// Shutdown performs POST /shutdown. Failures are expected — the process may
// exit before finishing the response — so any error is returned untyped and
// callers treat it as advisory.
func (c *Client) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+shutdownPath, nil)
	if err != nil {
		return fmt.Errorf("client: create shutdown request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: shutdown: %w", err)
	}
	resp.Body.Close()
	return nil
}

// errorBody is the common shape of engine error responses.
type errorBody struct {
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// classifyStatus maps a non-200 response onto the error taxonomy. The body
// is consumed for 4xx responses to extract the message and code token.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &ClientError{StatusCode: resp.StatusCode, Code: eb.Code, Msg: eb.Error}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return &LoadingError{}
	default:
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &ServerError{StatusCode: resp.StatusCode, Msg: eb.Error}
	}
}
