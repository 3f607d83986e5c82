package workflow

import (
	"encoding/json"
	"fmt"
)

// StateSchemaVersion is the current checkpoint schema version. Checkpoints
// written by older versions load fine (fields are additive); newer versions
// are refused rather than silently truncated.
const StateSchemaVersion = 1

// State is the typed payload carried through the workflow graph. Every field
// is optional-but-named; resumption after a crash reconstructs context
// purely from the last persisted checkpoint.
type State struct {
	SchemaVersion int `json:"schema_version"`

	Topic  string `json:"topic,omitempty"`
	Idea   string `json:"idea,omitempty"`
	Script string `json:"script,omitempty"`

	RenderTaskID  string `json:"render_task_id,omitempty"`
	VideoFile     string `json:"video_file,omitempty"`
	PublishTaskID string `json:"publish_task_id,omitempty"`
	PublishedURL  string `json:"published_url,omitempty"`

	IdeationApproved *bool `json:"ideation_approved,omitempty"`
	ReviewApproved   *bool `json:"review_approved,omitempty"`
}

// NewState initializes a checkpoint for a fresh run.
func NewState(topic string) State {
	return State{SchemaVersion: StateSchemaVersion, Topic: topic}
}

// EncodeState serializes a checkpoint for persistence.
func EncodeState(state State) (string, error) {
	if state.SchemaVersion == 0 {
		state.SchemaVersion = StateSchemaVersion
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return string(data), nil
}

// DecodeState deserializes a checkpoint, refusing versions newer than this
// build understands.
func DecodeState(raw string) (State, error) {
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if state.SchemaVersion > StateSchemaVersion {
		return State{}, fmt.Errorf("checkpoint schema version %d is newer than supported %d", state.SchemaVersion, StateSchemaVersion)
	}
	return state, nil
}

// MergeState validates that next is a superset-compatible evolution of prev:
// fields are additive and no previously set field is silently dropped.
func MergeState(prev, next State) (State, error) {
	for _, f := range []struct {
		name       string
		prev, next string
	}{
		{"topic", prev.Topic, next.Topic},
		{"idea", prev.Idea, next.Idea},
		{"script", prev.Script, next.Script},
		{"render_task_id", prev.RenderTaskID, next.RenderTaskID},
		{"video_file", prev.VideoFile, next.VideoFile},
		{"publish_task_id", prev.PublishTaskID, next.PublishTaskID},
		{"published_url", prev.PublishedURL, next.PublishedURL},
	} {
		if f.prev != "" && f.next == "" {
			return State{}, fmt.Errorf("checkpoint merge would drop field %s", f.name)
		}
	}
	if prev.IdeationApproved != nil && next.IdeationApproved == nil {
		return State{}, fmt.Errorf("checkpoint merge would drop field ideation_approved")
	}
	if prev.ReviewApproved != nil && next.ReviewApproved == nil {
		return State{}, fmt.Errorf("checkpoint merge would drop field review_approved")
	}
	if next.SchemaVersion < prev.SchemaVersion {
		next.SchemaVersion = prev.SchemaVersion
	}
	return next, nil
}

// TaskID returns the external task identifier recorded for a task gate, or
// "" when none was started.
func (s State) TaskID(gate Gate) string {
	switch gate {
	case GateRender:
		return s.RenderTaskID
	case GatePublish:
		return s.PublishTaskID
	}
	return ""
}

// Artifacts returns the externally interesting outputs of the run so far.
func (s State) Artifacts() map[string]string {
	artifacts := make(map[string]string)
	if s.Idea != "" {
		artifacts["idea"] = s.Idea
	}
	if s.Script != "" {
		artifacts["script"] = s.Script
	}
	if s.VideoFile != "" {
		artifacts["video_file"] = s.VideoFile
	}
	if s.PublishedURL != "" {
		artifacts["published_url"] = s.PublishedURL
	}
	if len(artifacts) == 0 {
		return nil
	}
	return artifacts
}
