package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"loom/internal/queue"
	"loom/internal/telemetry"
	"loom/internal/testsupport"
)

func TestEnqueueIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	payload := queue.RenderPollPayload{TaskPollPayload: queue.TaskPollPayload{RunID: "run-42", TaskID: "task-1"}}
	opts := queue.EnqueueOptions{IdempotencyKey: "run-42", RunID: "run-42"}

	first, existing, err := store.Enqueue(ctx, payload, opts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if existing {
		t.Fatal("first enqueue reported existing")
	}

	second, existing, err := store.Enqueue(ctx, payload, opts)
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if !existing {
		t.Fatal("duplicate enqueue did not report existing")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job id, got %s and %s", first.ID, second.ID)
	}

	jobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job row, got %d", len(jobs))
	}
}

func TestEnqueueAllowsNewJobAfterTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	payload := queue.RunAdvancePayload{RunID: "run-1"}
	opts := queue.EnqueueOptions{IdempotencyKey: "advance:run-1"}

	first, _, err := store.Enqueue(ctx, payload, opts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.Complete(ctx, claimed.ID, "w1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	second, existing, err := store.Enqueue(ctx, payload, opts)
	if err != nil {
		t.Fatalf("re-enqueue after terminal failed: %v", err)
	}
	if existing {
		t.Fatal("terminal job should not satisfy idempotency")
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh job id after terminal")
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	_, _, err := store.Enqueue(context.Background(), queue.RunAdvancePayload{}, queue.EnqueueOptions{})
	if err == nil {
		t.Fatal("expected validation error for empty run_id")
	}
}

func TestEnqueueDefaultsMaxAttemptsFromConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(2))
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.MaxAttempts != 2 {
		t.Fatalf("expected configured retry budget 2, got %d", job.MaxAttempts)
	}

	job, _, err = store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-2"}, queue.EnqueueOptions{MaxAttempts: 7})
	if err != nil {
		t.Fatalf("Enqueue with explicit budget failed: %v", err)
	}
	if job.MaxAttempts != 7 {
		t.Fatalf("explicit max attempts must win, got %d", job.MaxAttempts)
	}
}

func TestEnqueueCountsMetrics(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	enqueuedBefore := testutil.ToFloat64(telemetry.JobsEnqueued)
	dedupedBefore := testutil.ToFloat64(telemetry.JobsDeduplicated)

	opts := queue.EnqueueOptions{IdempotencyKey: "metrics-key", RunID: "run-1"}
	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, opts); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, existing, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, opts); err != nil {
		t.Fatalf("duplicate Enqueue failed: %v", err)
	} else if !existing {
		t.Fatal("expected duplicate enqueue to collapse")
	}

	if got := testutil.ToFloat64(telemetry.JobsEnqueued) - enqueuedBefore; got != 1 {
		t.Fatalf("expected 1 enqueued increment, got %v", got)
	}
	if got := testutil.ToFloat64(telemetry.JobsDeduplicated) - dedupedBefore; got != 1 {
		t.Fatalf("expected 1 deduplicated increment, got %v", got)
	}
}

func TestClaimExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			job, err := store.Claim(ctx, fmt.Sprintf("worker-%d", n), time.Minute)
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimRespectsAvailability(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{AvailableAt: future}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no eligible job, claimed %s", job.ID)
	}
}

func TestClaimOrdersByAvailability(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	now := time.Now().UTC()
	older, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-old"}, queue.EnqueueOptions{AvailableAt: now.Add(-2 * time.Minute)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-new"}, queue.EnqueueOptions{AvailableAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil || job.ID != older.ID {
		t.Fatalf("expected oldest job %s, got %#v", older.ID, job)
	}
}

func TestReapExpiredLeasesPreservesAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected claim to succeed")
	}

	time.Sleep(1100 * time.Millisecond)

	reaped, err := store.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLeases failed: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped job, got %d", reaped)
	}

	job, err := store.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != queue.StatusPending {
		t.Fatalf("expected pending after reap, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Fatalf("reclaim must not consume attempts, got %d", job.Attempts)
	}
	if job.ClaimedBy != "" || job.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got claimed_by=%q lease=%v", job.ClaimedBy, job.LeaseExpiresAt)
	}

	again, err := store.Claim(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if again == nil || again.ID != claimed.ID {
		t.Fatalf("expected reaped job claimable again, got %#v", again)
	}
}

func TestCommitAfterReapIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	if _, err := store.ReapExpiredLeases(ctx); err != nil {
		t.Fatalf("ReapExpiredLeases failed: %v", err)
	}

	if err := store.Complete(ctx, claimed.ID, "w1"); err != queue.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost after reap, got %v", err)
	}
	if err := store.Reschedule(ctx, claimed.ID, "w1", time.Second); err != queue.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost for reschedule after reap, got %v", err)
	}
	if _, err := store.Fail(ctx, claimed.ID, "w1", "late", time.Second, queue.StatusFailed, false); err != queue.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost for fail after reap, got %v", err)
	}
}

func TestFailRetriesThenExhausts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var lastAvailable time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.Claim(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Claim %d failed: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("expected job claimable on attempt %d", attempt)
		}

		delay := time.Duration(attempt) * time.Minute
		job, err := store.Fail(ctx, claimed.ID, "w1", fmt.Sprintf("boom %d", attempt), delay, queue.StatusFailed, false)
		if err != nil {
			t.Fatalf("Fail %d failed: %v", attempt, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("expected attempts=%d, got %d", attempt, job.Attempts)
		}
		if job.LastError != fmt.Sprintf("boom %d", attempt) {
			t.Fatalf("last_error not recorded: %q", job.LastError)
		}

		if attempt < 3 {
			if job.Status != queue.StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, job.Status)
			}
			if job.AvailableAt.Before(lastAvailable) {
				t.Fatalf("available_at moved backwards: %v < %v", job.AvailableAt, lastAvailable)
			}
			lastAvailable = job.AvailableAt
			makeClaimable(t, store, claimed.ID)
		} else {
			if job.Status != queue.StatusFailed {
				t.Fatalf("expected failed at attempts==max_attempts, got %s", job.Status)
			}
		}
	}
}

func TestFailRoutesIngestionToDead(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	approved := true
	payload := queue.RunResumePayload{RunID: "run-1", Gate: "review", Approved: &approved}
	if _, _, err := store.Enqueue(ctx, payload, queue.EnqueueOptions{MaxAttempts: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	job, err := store.Fail(ctx, claimed.ID, "w1", "bad payload", time.Second, queue.StatusDead, false)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if job.Status != queue.StatusDead {
		t.Fatalf("expected dead, got %s", job.Status)
	}
}

func TestRescheduleKeepsAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	payload := queue.RenderPollPayload{TaskPollPayload: queue.TaskPollPayload{RunID: "run-42", TaskID: "task-9"}}
	if _, _, err := store.Enqueue(ctx, payload, queue.EnqueueOptions{IdempotencyKey: "run-42"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var jobID string
	for round := 0; round < 3; round++ {
		claimed, err := store.Claim(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if claimed == nil {
			t.Fatalf("round %d: expected claimable job", round)
		}
		jobID = claimed.ID
		if claimed.Attempts != 0 {
			t.Fatalf("round %d: reschedule consumed attempts: %d", round, claimed.Attempts)
		}
		if err := store.Reschedule(ctx, claimed.ID, "w1", 0); err != nil {
			t.Fatalf("Reschedule failed: %v", err)
		}
		makeClaimable(t, store, claimed.ID)
	}

	winner, err := store.Claim(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("final Claim failed: %v", err)
	}
	if winner == nil || winner.ID != jobID {
		t.Fatalf("expected same job back, got %#v", winner)
	}
	if err := store.Complete(ctx, winner.ID, "w2"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	final, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != queue.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}
	if final.Attempts != 0 {
		t.Fatalf("expected attempts==0 after reschedules, got %d", final.Attempts)
	}
}

func TestRenewLeaseExtendsExpiry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := store.RenewLease(ctx, claimed.ID, "w1", time.Hour); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	job, err := store.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(claimed.LeaseExpiresAt.Add(30*time.Minute)) {
		t.Fatalf("lease not extended: %v -> %v", claimed.LeaseExpiresAt, job.LeaseExpiresAt)
	}

	if err := store.RenewLease(ctx, claimed.ID, "w2", time.Hour); err != queue.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost for foreign renew, got %v", err)
	}
}

func TestStatsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-1"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, _, err := store.Enqueue(ctx, queue.RunAdvancePayload{RunID: "run-2"}, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.Complete(ctx, claimed.ID, "w1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 2 || health.Pending != 1 || health.Succeeded != 1 {
		t.Fatalf("unexpected health summary: %+v", health)
	}
}

// makeClaimable rewrites available_at so tests need not wait out real delays.
func makeClaimable(t *testing.T, store *queue.Store, id string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	if _, err := store.DB().Exec(`UPDATE jobs SET available_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("rewrite available_at: %v", err)
	}
}
