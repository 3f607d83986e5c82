// Package tasks provides HTTP clients for the external render and publish
// collaborators. Both speak the same small task protocol: POST /tasks starts
// work and returns a task id, GET /tasks/{id} reports progress. Completion
// usually arrives by webhook; these clients back that up with polling.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/workflow"
)

// HTTPDoer describes the HTTP client used by task service clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type client struct {
	name    string
	baseURL string
	client  HTTPDoer
}

type startResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newClient(name, baseURL string, doer HTTPDoer) *client {
	return &client{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  doer,
	}
}

func (c *client) start(ctx context.Context, body any) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%s service URL is not configured", c.name)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode %s task request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("build %s task request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("start %s task: %w", c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%s task start returned %d", c.name, resp.StatusCode)
	}

	var decoded startResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode %s task response: %w", c.name, err)
	}
	return decoded.TaskID, nil
}

func (c *client) status(ctx context.Context, taskID string) (workflow.TaskState, error) {
	if c.baseURL == "" {
		return workflow.TaskState{}, fmt.Errorf("%s service URL is not configured", c.name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return workflow.TaskState{}, fmt.Errorf("build %s status request: %w", c.name, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return workflow.TaskState{}, fmt.Errorf("poll %s task %s: %w", c.name, taskID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return workflow.TaskState{}, fmt.Errorf("%s task status returned %d", c.name, resp.StatusCode)
	}

	var decoded statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return workflow.TaskState{}, fmt.Errorf("decode %s status response: %w", c.name, err)
	}

	state := workflow.TaskState{Output: decoded.Output, Error: decoded.Error}
	switch decoded.Status {
	case "completed":
		state.Done = true
	case "failed":
		state.Failed = true
	case "pending", "running":
	default:
		return workflow.TaskState{}, fmt.Errorf("%s task %s reported unknown status %q", c.name, taskID, decoded.Status)
	}
	return state, nil
}

// RenderClient talks to the render collaborator.
type RenderClient struct {
	client *client
}

// NewRenderClient builds the render client from configuration.
func NewRenderClient(cfg *config.Config) *RenderClient {
	return &RenderClient{client: newClient("render", cfg.Services.RenderURL, &http.Client{
		Timeout: time.Duration(cfg.Services.RequestTimeout) * time.Second,
	})}
}

// NewRenderClientWithDoer builds a render client over a caller-supplied
// HTTP implementation.
func NewRenderClientWithDoer(baseURL string, doer HTTPDoer) *RenderClient {
	return &RenderClient{client: newClient("render", baseURL, doer)}
}

// Start submits a render task and returns its id.
func (c *RenderClient) Start(ctx context.Context, spec workflow.RenderSpec) (string, error) {
	return c.client.start(ctx, map[string]string{
		"run_id": spec.RunID,
		"script": spec.Script,
	})
}

// Status reports the progress of a render task.
func (c *RenderClient) Status(ctx context.Context, taskID string) (workflow.TaskState, error) {
	return c.client.status(ctx, taskID)
}

// PublishClient talks to the publish collaborator.
type PublishClient struct {
	client *client
}

// NewPublishClient builds the publish client from configuration.
func NewPublishClient(cfg *config.Config) *PublishClient {
	return &PublishClient{client: newClient("publish", cfg.Services.PublishURL, &http.Client{
		Timeout: time.Duration(cfg.Services.RequestTimeout) * time.Second,
	})}
}

// NewPublishClientWithDoer builds a publish client over a caller-supplied
// HTTP implementation.
func NewPublishClientWithDoer(baseURL string, doer HTTPDoer) *PublishClient {
	return &PublishClient{client: newClient("publish", baseURL, doer)}
}

// Start submits a publish task and returns its id.
func (c *PublishClient) Start(ctx context.Context, spec workflow.PublishSpec) (string, error) {
	return c.client.start(ctx, map[string]string{
		"run_id":     spec.RunID,
		"video_file": spec.VideoFile,
	})
}

// Status reports the progress of a publish task.
func (c *PublishClient) Status(ctx context.Context, taskID string) (workflow.TaskState, error) {
	return c.client.status(ctx, taskID)
}
