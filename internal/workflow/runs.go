package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound indicates the requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrStaleTransition indicates a compare-and-set status transition lost to a
// concurrent writer; the caller's view of the run is outdated.
var ErrStaleTransition = errors.New("run status changed concurrently")

// RunStore persists runs in the shared ledger database.
type RunStore struct {
	db *sql.DB
}

// NewRunStore wraps the shared database handle.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a pending run with an initialized checkpoint.
func (s *RunStore) Create(ctx context.Context, workflowName string, state State) (*Run, error) {
	if workflowName == "" {
		return nil, errors.New("workflow name is required")
	}
	checkpoint, err := EncodeState(state)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (id, workflow_name, status, checkpoint, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id,
		workflowName,
		StatusPending,
		checkpoint,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches a run by identifier.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns runs filtered by status set (or all runs), oldest first.
func (s *RunStore) List(ctx context.Context, statuses ...Status) ([]*Run, error) {
	baseQuery := `SELECT ` + runColumns + ` FROM runs`
	orderClause := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := ""
		args := make([]any, len(statuses))
		for i, status := range statuses {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveCheckpoint persists the checkpoint and current step after a step
// executes. The write is validated as a superset-compatible merge of the
// previously stored checkpoint.
func (s *RunStore) SaveCheckpoint(ctx context.Context, id string, state State, currentStep string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	merged, err := MergeState(current.State, state)
	if err != nil {
		return err
	}
	checkpoint, err := EncodeState(merged)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE runs SET checkpoint = ?, current_step = ?, updated_at = ? WHERE id = ?`,
		checkpoint,
		nullableString(currentStep),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Transition moves a run from one status to another with compare-and-set
// semantics: when the run is no longer in from, ErrStaleTransition is
// returned and nothing changes.
func (s *RunStore) Transition(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		from,
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// TransitionWithCheckpoint applies a gate decision atomically: the checkpoint
// and the status change land in one compare-and-set write, so a concurrent
// decision or a reaped lease can never leave a half-applied run. Losing the
// compare-and-set returns ErrStaleTransition.
func (s *RunStore) TransitionWithCheckpoint(ctx context.Context, id string, from, to Status, state State, currentStep string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	merged, err := MergeState(current.State, state)
	if err != nil {
		return err
	}
	checkpoint, err := EncodeState(merged)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, checkpoint = ?, current_step = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		to,
		checkpoint,
		nullableString(currentStep),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		from,
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetError records a terminal failure message on the run.
func (s *RunStore) SetError(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET error_message = ?, updated_at = ? WHERE id = ?`,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set run error: %w", err)
	}
	return nil
}

const runColumns = "id, workflow_name, status, current_step, checkpoint, error_message, created_at, updated_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		id           string
		workflowName string
		statusStr    string
		currentStep  sql.NullString
		checkpoint   string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(&id, &workflowName, &statusStr, &currentStep, &checkpoint, &errorMessage, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	state, err := DecodeState(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}

	run := &Run{
		ID:           id,
		WorkflowName: workflowName,
		Status:       Status(statusStr),
		CurrentStep:  currentStep.String,
		State:        state,
		ErrorMessage: errorMessage.String,
	}
	if t, err := time.Parse(time.RFC3339Nano, createdRaw.String); err == nil {
		run.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw.String); err == nil {
		run.UpdatedAt = t
	}
	return run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
