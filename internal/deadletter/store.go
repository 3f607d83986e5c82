// Package deadletter persists ingestion events that exhausted processing,
// keeping them for manual inspection and replay. Letters are never
// auto-deleted; resolution is recorded, not erased.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrResolved indicates a replay was requested for a letter that already
// resolved; its resolution is terminal.
var ErrResolved = errors.New("dead letter already resolved")

// ErrNotFound indicates the requested dead letter does not exist.
var ErrNotFound = errors.New("dead letter not found")

// Letter is a failed ingestion event kept for audit and replay.
type Letter struct {
	ID            int64
	Source        string
	RunID         string
	Payload       []byte
	Error         string
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	ResolvedAt    *time.Time
}

// Resolved reports whether the letter has been successfully replayed.
func (l *Letter) Resolved() bool {
	return l.ResolvedAt != nil
}

// Store manages dead letter persistence. It shares the ledger database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Capture records a failed ingestion event. It is best-effort by contract:
// callers log capture errors rather than propagating them past the ingestion
// boundary.
func (s *Store) Capture(ctx context.Context, source, runID string, payload []byte, cause error) (*Letter, error) {
	if source == "" {
		return nil, errors.New("source is required")
	}
	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dead_letters (source, run_id, payload, error, attempts, created_at)
         VALUES (?, ?, ?, ?, 0, ?)`,
		source,
		nullableString(runID),
		payload,
		errText,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches a dead letter by identifier.
func (s *Store) Get(ctx context.Context, id int64) (*Letter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+letterColumns+` FROM dead_letters WHERE id = ?`, id)
	letter, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return letter, nil
}

// ListPending returns unresolved letters, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*Letter, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+letterColumns+` FROM dead_letters WHERE resolved_at IS NULL ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*Letter
	for rows.Next() {
		letter, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

// ReplayFunc re-invokes the ingestion path with a stored payload.
type ReplayFunc func(ctx context.Context, source string, payload []byte) error

// Replay re-processes a letter through fn. On success resolved_at is set; on
// failure the attempt is recorded and the letter stays unresolved. Replaying
// a resolved letter returns ErrResolved. Downstream idempotency keys make
// repeated replays of one logical event produce at most one side effect.
func (s *Store) Replay(ctx context.Context, id int64, fn ReplayFunc) error {
	letter, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if letter.Resolved() {
		return ErrResolved
	}

	if replayErr := fn(ctx, letter.Source, letter.Payload); replayErr != nil {
		if recordErr := s.recordAttempt(ctx, id, replayErr); recordErr != nil {
			return fmt.Errorf("record replay attempt: %w", recordErr)
		}
		return fmt.Errorf("replay dead letter %d: %w", id, replayErr)
	}
	return s.markResolved(ctx, id)
}

func (s *Store) recordAttempt(ctx context.Context, id int64, cause error) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dead_letters SET attempts = attempts + 1, last_attempt_at = ?, error = ? WHERE id = ?`,
		now,
		cause.Error(),
		id,
	)
	return err
}

func (s *Store) markResolved(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dead_letters SET attempts = attempts + 1, last_attempt_at = ?, resolved_at = ? WHERE id = ?`,
		now,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	return nil
}

const letterColumns = "id, source, run_id, payload, error, attempts, created_at, last_attempt_at, resolved_at"

func scanLetter(scanner interface{ Scan(dest ...any) error }) (*Letter, error) {
	var (
		id          int64
		source      string
		runID       sql.NullString
		payload     []byte
		errText     string
		attempts    int
		createdRaw  sql.NullString
		attemptRaw  sql.NullString
		resolvedRaw sql.NullString
	)

	if err := scanner.Scan(&id, &source, &runID, &payload, &errText, &attempts, &createdRaw, &attemptRaw, &resolvedRaw); err != nil {
		return nil, err
	}

	letter := &Letter{
		ID:       id,
		Source:   source,
		RunID:    runID.String,
		Payload:  payload,
		Error:    errText,
		Attempts: attempts,
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		letter.CreatedAt = t
	}
	if attemptRaw.Valid {
		if t, err := parseTimeString(attemptRaw.String); err == nil {
			letter.LastAttemptAt = &t
		}
	}
	if resolvedRaw.Valid {
		if t, err := parseTimeString(resolvedRaw.String); err == nil {
			letter.ResolvedAt = &t
		}
	}
	return letter, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
