package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/workflow"
)

func TestRenderStartSubmitsTask(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "render-42"})
	}))
	defer server.Close()

	client := NewRenderClientWithDoer(server.URL, http.DefaultClient)
	taskID, err := client.Start(context.Background(), workflow.RenderSpec{RunID: "run-1", Script: "the script"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if taskID != "render-42" {
		t.Fatalf("expected render-42, got %q", taskID)
	}
	if got["run_id"] != "run-1" || got["script"] != "the script" {
		t.Fatalf("unexpected request body %v", got)
	}
}

func TestStatusMapsTaskStates(t *testing.T) {
	responses := map[string]statusResponse{
		"t-running":   {Status: "running"},
		"t-completed": {Status: "completed", Output: "/videos/out.mp4"},
		"t-failed":    {Status: "failed", Error: "gpu exploded"},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/tasks/"):]
		resp, ok := responses[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewPublishClientWithDoer(server.URL, http.DefaultClient)
	ctx := context.Background()

	state, err := client.Status(ctx, "t-running")
	if err != nil {
		t.Fatalf("Status running: %v", err)
	}
	if state.Done || state.Failed {
		t.Fatalf("running task must be neither done nor failed: %+v", state)
	}

	state, err = client.Status(ctx, "t-completed")
	if err != nil {
		t.Fatalf("Status completed: %v", err)
	}
	if !state.Done || state.Output != "/videos/out.mp4" {
		t.Fatalf("unexpected completed state %+v", state)
	}

	state, err = client.Status(ctx, "t-failed")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !state.Failed || state.Error != "gpu exploded" {
		t.Fatalf("unexpected failed state %+v", state)
	}

	if _, err := client.Status(ctx, "t-missing"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestStatusRejectsUnknownStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusResponse{Status: "paused"})
	}))
	defer server.Close()

	client := NewRenderClientWithDoer(server.URL, http.DefaultClient)
	if _, err := client.Status(context.Background(), "t-1"); err == nil {
		t.Fatal("expected unknown status to error")
	}
}

func TestUnconfiguredClientErrors(t *testing.T) {
	client := NewRenderClientWithDoer("", http.DefaultClient)
	if _, err := client.Start(context.Background(), workflow.RenderSpec{RunID: "run-1"}); err == nil {
		t.Fatal("expected error for unconfigured base URL")
	}

	if _, err := client.Status(context.Background(), "t-1"); err == nil {
		t.Fatal("expected error for unconfigured base URL")
	}
}
