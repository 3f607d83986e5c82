package webhook_test

import (
	"context"
	"errors"
	"testing"

	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/testsupport"
	"loom/internal/webhook"
)

type ingestFixture struct {
	ingestor *webhook.Ingestor
	jobs     *queue.Store
	letters  *deadletter.Store
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithWebhookSecrets("render-secret", "publish-secret"))
	store := testsupport.MustOpenStore(t, cfg)
	letters := deadletter.NewStore(store.DB())
	ingestor := webhook.NewIngestor(cfg, store, letters, logging.NewNop())
	return &ingestFixture{ingestor: ingestor, jobs: store, letters: letters}
}

func TestHandleDeliveryEnqueuesResume(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	body := []byte(`{"run_id":"run-1","task_id":"render-7","status":"completed","output":"/videos/final.mp4"}`)
	signature := webhook.Sign("render-secret", body)

	if err := fx.ingestor.HandleDelivery(ctx, "render", body, signature); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}

	job, err := fx.jobs.FindActiveByKey(ctx, queue.TypeRunResume, queue.ResumeKey("run-1", "render-7"))
	if err != nil {
		t.Fatalf("FindActiveByKey: %v", err)
	}
	if job == nil {
		t.Fatal("expected a resume job for the delivery")
	}

	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	resume := payload.(queue.RunResumePayload)
	if resume.Gate != "render" || resume.Output != "/videos/final.mp4" {
		t.Fatalf("unexpected payload %+v", resume)
	}
}

func TestHandleDeliveryDeduplicates(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	body := []byte(`{"run_id":"run-1","task_id":"render-7","status":"completed","output":"/videos/final.mp4"}`)
	signature := webhook.Sign("render-secret", body)

	if err := fx.ingestor.HandleDelivery(ctx, "render", body, signature); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := fx.ingestor.HandleDelivery(ctx, "render", body, signature); err != nil {
		t.Fatalf("duplicate delivery must be accepted: %v", err)
	}

	jobs, err := fx.jobs.List(ctx, queue.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 pending resume job, got %d", len(jobs))
	}
}

func TestHandleDeliveryFailureEvent(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	body := []byte(`{"run_id":"run-1","task_id":"publish-3","status":"failed","error":"upload quota exceeded"}`)
	signature := webhook.Sign("publish-secret", body)

	if err := fx.ingestor.HandleDelivery(ctx, "publish", body, signature); err != nil {
		t.Fatalf("HandleDelivery: %v", err)
	}

	job, _ := fx.jobs.FindActiveByKey(ctx, queue.TypeRunResume, queue.ResumeKey("run-1", "publish-3"))
	if job == nil {
		t.Fatal("expected a resume job")
	}
	payload, _ := queue.DecodePayload(job.Type, job.Payload)
	resume := payload.(queue.RunResumePayload)
	if resume.Failure != "upload quota exceeded" {
		t.Fatalf("expected failure carried, got %q", resume.Failure)
	}
}

func TestHandleDeliveryBadSignatureCaptured(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	body := []byte(`{"run_id":"run-1","task_id":"render-7","status":"completed","output":"x"}`)
	err := fx.ingestor.HandleDelivery(ctx, "render", body, webhook.Sign("wrong-secret", body))
	if !errors.Is(err, webhook.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	// No job, but the payload is parked for the operator.
	job, _ := fx.jobs.FindActiveByKey(ctx, queue.TypeRunResume, queue.ResumeKey("run-1", "render-7"))
	if job != nil {
		t.Fatal("rejected delivery must not enqueue")
	}
	pending, err := fx.letters.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pending))
	}
}

func TestHandleDeliveryMalformedBody(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	body := []byte(`{"task_id":"render-7","status":"completed","output":"x"}`)
	err := fx.ingestor.HandleDelivery(ctx, "render", body, webhook.Sign("render-secret", body))
	if !errors.Is(err, webhook.ErrEventInvalid) {
		t.Fatalf("expected ErrEventInvalid, got %v", err)
	}

	pending, _ := fx.letters.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pending))
	}
}

func TestHandleDeliveryUnknownProvider(t *testing.T) {
	fx := newIngestFixture(t)

	err := fx.ingestor.HandleDelivery(context.Background(), "captions", []byte(`{}`), "sig")
	if !errors.Is(err, webhook.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestReplayResolvesCapturedDelivery(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	// A valid body that arrived with a bad signature gets captured.
	body := []byte(`{"run_id":"run-1","task_id":"render-7","status":"completed","output":"/videos/final.mp4"}`)
	if err := fx.ingestor.HandleDelivery(ctx, "render", body, "deadbeef"); err == nil {
		t.Fatal("expected rejection")
	}

	pending, _ := fx.letters.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pending))
	}

	if err := fx.ingestor.Replay(ctx, pending[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	job, _ := fx.jobs.FindActiveByKey(ctx, queue.TypeRunResume, queue.ResumeKey("run-1", "render-7"))
	if job == nil {
		t.Fatal("expected replay to enqueue the resume job")
	}

	// Resolved letters refuse a second replay.
	if err := fx.ingestor.Replay(ctx, pending[0].ID); !errors.Is(err, deadletter.ErrResolved) {
		t.Fatalf("expected ErrResolved, got %v", err)
	}
}

func TestReplayFailureLeavesLetterPending(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	// Malformed body: replay parses it again and fails again.
	body := []byte(`{"status":"completed"}`)
	if err := fx.ingestor.HandleDelivery(ctx, "render", body, webhook.Sign("render-secret", body)); err == nil {
		t.Fatal("expected rejection")
	}

	pending, _ := fx.letters.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(pending))
	}

	if err := fx.ingestor.Replay(ctx, pending[0].ID); err == nil {
		t.Fatal("expected replay of malformed body to fail")
	}

	still, _ := fx.letters.ListPending(ctx)
	if len(still) != 1 {
		t.Fatalf("failed replay must keep the letter pending, got %d", len(still))
	}
	if still[0].Attempts < 1 {
		t.Fatal("expected the replay attempt recorded")
	}
}
