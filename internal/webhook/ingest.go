package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/telemetry"
	"loom/internal/workflow"
)

// Providers whose webhooks we accept, keyed to the gate they release.
var providerGates = map[string]workflow.Gate{
	"render":  workflow.GateRender,
	"publish": workflow.GatePublish,
}

// ErrUnknownProvider indicates a webhook path for a provider we do not know.
var ErrUnknownProvider = errors.New("unknown webhook provider")

// ErrEventInvalid indicates a delivery whose body does not describe a
// processable task event.
var ErrEventInvalid = errors.New("webhook event invalid")

// Event is the provider-agnostic task notification shape both collaborators
// deliver.
type Event struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Ingestor converts verified webhook deliveries into run.resume jobs. The
// HTTP layer stays a thin shell: all acceptance decisions live here so the
// replay path and the live path behave identically.
type Ingestor struct {
	jobs    *queue.Store
	letters *deadletter.Store
	secrets map[string]string
	logger  *slog.Logger
}

// NewIngestor wires ingestion over the job ledger and dead-letter store.
func NewIngestor(cfg *config.Config, jobs *queue.Store, letters *deadletter.Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		jobs:    jobs,
		letters: letters,
		secrets: map[string]string{
			"render":  cfg.Webhooks.RenderSecret,
			"publish": cfg.Webhooks.PublishSecret,
		},
		logger: logging.NewComponentLogger(logger, "webhook"),
	}
}

// HandleDelivery processes one live webhook: signature first, then
// ingestion. Rejected deliveries are captured in the dead-letter store with
// the rejection reason so an operator can inspect and replay them.
func (i *Ingestor) HandleDelivery(ctx context.Context, provider string, body []byte, signature string) error {
	gate, ok := providerGates[provider]
	if !ok {
		telemetry.WebhooksRejected.Inc()
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	if err := VerifySignature(i.secrets[provider], body, signature); err != nil {
		telemetry.WebhooksRejected.Inc()
		i.capture(ctx, provider, "", body, err)
		i.logger.Warn("webhook rejected",
			logging.String("provider", provider),
			logging.Error(err))
		return err
	}

	if err := i.ingest(ctx, provider, gate, body, true); err != nil {
		telemetry.WebhooksRejected.Inc()
		return err
	}
	telemetry.WebhooksReceived.Inc()
	return nil
}

// Replay re-runs ingestion for a captured delivery, skipping signature
// verification: the operator replaying it is the authorization. A failed
// replay records the attempt on the existing letter instead of capturing a
// new one.
func (i *Ingestor) Replay(ctx context.Context, letterID int64) error {
	return i.letters.Replay(ctx, letterID, func(ctx context.Context, source string, payload []byte) error {
		gate, ok := providerGates[source]
		if !ok {
			// Exhausted run.resume jobs are captured under their job type;
			// replaying one re-enqueues the stored resume payload as is.
			if source == queue.TypeRunResume {
				return i.replayResume(ctx, payload)
			}
			return fmt.Errorf("%w: %q", ErrUnknownProvider, source)
		}
		return i.ingest(ctx, source, gate, payload, false)
	})
}

func (i *Ingestor) ingest(ctx context.Context, provider string, gate workflow.Gate, body []byte, capture bool) error {
	event, err := parseEvent(body)
	if err != nil {
		if capture {
			i.capture(ctx, provider, "", body, err)
		}
		i.logger.Warn("webhook rejected",
			logging.String("provider", provider),
			logging.Error(err))
		return err
	}

	payload := queue.RunResumePayload{
		RunID:  event.RunID,
		Gate:   string(gate),
		TaskID: event.TaskID,
	}
	switch event.Status {
	case "completed":
		if event.Output == "" {
			err := fmt.Errorf("%w: completed event without output", ErrEventInvalid)
			if capture {
				i.capture(ctx, provider, event.RunID, body, err)
			}
			return err
		}
		payload.Output = event.Output
	case "failed":
		payload.Failure = event.Error
		if payload.Failure == "" {
			payload.Failure = fmt.Sprintf("%s task %s failed", provider, event.TaskID)
		}
	default:
		err := fmt.Errorf("%w: unknown status %q", ErrEventInvalid, event.Status)
		if capture {
			i.capture(ctx, provider, event.RunID, body, err)
		}
		return err
	}

	_, deduplicated, err := i.jobs.Enqueue(ctx, payload, queue.EnqueueOptions{
		IdempotencyKey: queue.ResumeKey(event.RunID, event.TaskID),
		RunID:          event.RunID,
	})
	if err != nil {
		if capture {
			i.capture(ctx, provider, event.RunID, body, err)
		}
		return fmt.Errorf("enqueue resume for run %s: %w", event.RunID, err)
	}
	if deduplicated {
		i.logger.Info("webhook deduplicated",
			logging.String("provider", provider),
			logging.String("run_id", event.RunID),
			logging.String("task_id", event.TaskID))
		return nil
	}

	i.logger.Info("webhook ingested",
		logging.String("provider", provider),
		logging.String("run_id", event.RunID),
		logging.String("task_id", event.TaskID),
		logging.String("status", event.Status))
	return nil
}

func (i *Ingestor) replayResume(ctx context.Context, body []byte) error {
	payload, err := queue.DecodePayload(queue.TypeRunResume, body)
	if err != nil {
		return err
	}
	resume, ok := payload.(queue.RunResumePayload)
	if !ok {
		return fmt.Errorf("dead letter carries %T, want run resume", payload)
	}
	_, _, err = i.jobs.Enqueue(ctx, resume, queue.EnqueueOptions{
		IdempotencyKey: queue.ResumeKey(resume.RunID, resume.TaskID),
		RunID:          resume.RunID,
	})
	return err
}

// capture stores a rejected delivery for operator inspection. Capture
// failures are logged only; the rejection error already tells the caller
// what happened.
func (i *Ingestor) capture(ctx context.Context, provider, runID string, body []byte, cause error) {
	if i.letters == nil {
		return
	}
	if _, err := i.letters.Capture(ctx, provider, runID, body, cause); err != nil {
		i.logger.Error("dead-letter capture failed",
			logging.String("provider", provider),
			logging.Error(err))
		return
	}
	telemetry.DeadLetters.Inc()
}

func parseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrEventInvalid, err)
	}
	if event.RunID == "" {
		return Event{}, fmt.Errorf("%w: run_id is required", ErrEventInvalid)
	}
	if event.TaskID == "" {
		return Event{}, fmt.Errorf("%w: task_id is required", ErrEventInvalid)
	}
	if event.Status == "" {
		return Event{}, fmt.Errorf("%w: status is required", ErrEventInvalid)
	}
	return event, nil
}
