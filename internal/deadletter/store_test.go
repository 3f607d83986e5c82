package deadletter_test

import (
	"context"
	"errors"
	"testing"

	"loom/internal/deadletter"
	"loom/internal/testsupport"
)

func TestCaptureAndListPending(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ledger := testsupport.MustOpenStore(t, cfg)
	store := deadletter.NewStore(ledger.DB())
	ctx := context.Background()

	letter, err := store.Capture(ctx, "render", "run-1", []byte(`{"task_id":"t-1"}`), errors.New("signature mismatch"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if letter.ID == 0 || letter.Resolved() {
		t.Fatalf("unexpected captured letter: %+v", letter)
	}
	if letter.Error != "signature mismatch" {
		t.Fatalf("error not recorded: %q", letter.Error)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != letter.ID {
		t.Fatalf("expected one pending letter, got %#v", pending)
	}
}

func TestReplaySuccessResolves(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ledger := testsupport.MustOpenStore(t, cfg)
	store := deadletter.NewStore(ledger.DB())
	ctx := context.Background()

	letter, err := store.Capture(ctx, "render", "run-1", []byte(`payload`), errors.New("transient"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	calls := 0
	replay := func(ctx context.Context, source string, payload []byte) error {
		calls++
		if source != "render" || string(payload) != "payload" {
			t.Fatalf("replay got source=%q payload=%q", source, payload)
		}
		return nil
	}

	if err := store.Replay(ctx, letter.ID, replay); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one replay invocation, got %d", calls)
	}

	resolved, err := store.Get(ctx, letter.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !resolved.Resolved() || resolved.Attempts != 1 {
		t.Fatalf("expected resolved with one attempt, got %+v", resolved)
	}

	// Resolution is terminal: a second replay is a no-op error.
	if err := store.Replay(ctx, letter.ID, replay); !errors.Is(err, deadletter.ErrResolved) {
		t.Fatalf("expected ErrResolved, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("resolved letter must not be replayed again, calls=%d", calls)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("resolved letter still pending: %#v", pending)
	}
}

func TestReplayFailureStaysUnresolved(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ledger := testsupport.MustOpenStore(t, cfg)
	store := deadletter.NewStore(ledger.DB())
	ctx := context.Background()

	letter, err := store.Capture(ctx, "publish", "", []byte(`payload`), errors.New("unknown run"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	replayErr := errors.New("still broken")
	err = store.Replay(ctx, letter.ID, func(context.Context, string, []byte) error { return replayErr })
	if !errors.Is(err, replayErr) {
		t.Fatalf("expected replay error, got %v", err)
	}

	after, err := store.Get(ctx, letter.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.Resolved() {
		t.Fatal("failed replay must not resolve")
	}
	if after.Attempts != 1 || after.LastAttemptAt == nil {
		t.Fatalf("attempt not recorded: %+v", after)
	}
	if after.Error != "still broken" {
		t.Fatalf("latest error not stored: %q", after.Error)
	}
}

func TestReplayUnknownLetter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ledger := testsupport.MustOpenStore(t, cfg)
	store := deadletter.NewStore(ledger.DB())

	err := store.Replay(context.Background(), 999, func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, deadletter.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
