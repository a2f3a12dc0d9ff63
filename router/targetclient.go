package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TensorSpec describes one input or output tensor of a servable model.
type TensorSpec struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

// ModelInfo is one entry of a target's capability-discovery response.
type ModelInfo struct {
	Name         string       `json:"name"`
	Inputs       []TensorSpec `json:"inputs"`
	Outputs      []TensorSpec `json:"outputs"`
	MaxBatchSize int          `json:"max_batch_size"`
}

// HealthReport is a target's readiness response, carrying its current
// utilization snapshot for the registry.
type HealthReport struct {
	Status      string      `json:"status"`
	Utilization Utilization `json:"utilization"`
}

// InferResult is a target's inference response.
type InferResult struct {
	Outputs  json.RawMessage `json:"outputs"`
	Metadata InferMetadata   `json:"metadata"`
}

// InferMetadata is the execution metadata a target reports per call.
type InferMetadata struct {
	ExecutionTimeMillis int64 `json:"execution_time_ms"`
	BatchSize           int   `json:"batch_size"`
}

// TargetClient is the HTTP collaborator boundary: every target is an
// independent network-reachable process exposing readiness, capability
// discovery, and inference execution.
type TargetClient interface {
	Health(ctx context.Context, target TargetView) (*HealthReport, error)
	Models(ctx context.Context, target TargetView) ([]ModelInfo, error)
	Infer(ctx context.Context, target TargetView, model string, inputs json.RawMessage) (*InferResult, error)
}

// HTTPTargetClient talks plain HTTP/JSON to targets:
// GET /health, GET /models, POST /infer.
type HTTPTargetClient struct {
	client *http.Client
}

func NewHTTPTargetClient(timeout time.Duration) *HTTPTargetClient {
	return &HTTPTargetClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPTargetClient) Health(ctx context.Context, target TargetView) (*HealthReport, error) {
	var report HealthReport
	if err := c.getJSON(ctx, target.Endpoint+"/health", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *HTTPTargetClient) Models(ctx context.Context, target TargetView) ([]ModelInfo, error) {
	var resp struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.getJSON(ctx, target.Endpoint+"/models", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

func (c *HTTPTargetClient) Infer(ctx context.Context, target TargetView, model string, inputs json.RawMessage) (*InferResult, error) {
	body, err := json.Marshal(map[string]any{
		"model_name": model,
		"inputs":     inputs,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("target %s: infer returned %d: %s", target.Name, resp.StatusCode, snippet)
	}
	var result InferResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("target %s: decoding infer response: %w", target.Name, err)
	}
	return &result, nil
}

func (c *HTTPTargetClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
