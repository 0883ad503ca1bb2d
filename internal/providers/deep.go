package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DeepClient calls the external long-running deep-analysis service. It is
// the computation the JobWorker runs; the worker's deadline bounds it.
type DeepClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewDeepClient builds a DeepClient. No client-level timeout is set: the
// worker passes the execution deadline through the context.
func NewDeepClient(endpoint, apiKey string) *DeepClient {
	return &DeepClient{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{},
	}
}

type deepRequest struct {
	Subject string          `json:"subject"`
	Request json.RawMessage `json:"request,omitempty"`
}

// Analyze submits the accumulated context for deep analysis and returns the
// raw result document.
func (c *DeepClient) Analyze(ctx context.Context, subject string, request json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(deepRequest{Subject: subject, Request: request})
	if err != nil {
		return nil, fmt.Errorf("encode deep request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build deep request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deep analysis call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read deep response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deep endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("deep endpoint returned invalid JSON")
	}
	return json.RawMessage(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
