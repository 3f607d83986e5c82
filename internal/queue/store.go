package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"loom/internal/config"
	"loom/internal/telemetry"
)

// Store manages ledger persistence backed by SQLite.
type Store struct {
	db          *sql.DB
	path        string
	maxAttempts int
}

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the ledger database and applies the schema.
// The pragmas ride the DSN so every pooled connection gets them, not just the
// one that happens to execute a PRAGMA statement.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.DatabasePath()
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	maxAttempts := cfg.Queue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	store := &Store{db: db, path: dbPath, maxAttempts: maxAttempts}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared handle for sibling stores (runs, dead letters) that
// live in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the location of the ledger database file.
func (s *Store) Path() string {
	return s.path
}

// EnqueueOptions collects the optional inputs accepted by Enqueue.
type EnqueueOptions struct {
	IdempotencyKey string
	RunID          string
	AvailableAt    time.Time
	MaxAttempts    int
}

// Enqueue inserts a job for the given payload. When IdempotencyKey collides
// with a non-terminal job of the same type the call is a no-op returning the
// existing job and existing=true; duplicate triggers collapse to one job no
// matter which caller arrives first.
func (s *Store) Enqueue(ctx context.Context, payload Payload, opts EnqueueOptions) (*Job, bool, error) {
	if payload == nil {
		return nil, false, errors.New("payload is nil")
	}
	if err := payload.Validate(); err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	availableAt := opts.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	if opts.IdempotencyKey != "" {
		if existing, err := s.FindActiveByKey(ctx, payload.JobType(), opts.IdempotencyKey); err != nil {
			return nil, false, err
		} else if existing != nil {
			telemetry.JobsDeduplicated.Inc()
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, job_type, idempotency_key, run_id, payload, status,
            attempts, max_attempts, available_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id,
		payload.JobType(),
		nullableString(opts.IdempotencyKey),
		nullableString(opts.RunID),
		string(body),
		StatusPending,
		maxAttempts,
		availableAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A racing enqueue beat us to the partial unique index; return the
		// job that won.
		if opts.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, findErr := s.FindActiveByKey(ctx, payload.JobType(), opts.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				telemetry.JobsDeduplicated.Inc()
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	telemetry.JobsEnqueued.Inc()
	return job, false, nil
}

// FindActiveByKey returns the non-terminal job matching (jobType, key), or
// nil when none exists.
func (s *Store) FindActiveByKey(ctx context.Context, jobType, key string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE job_type = ? AND idempotency_key = ? AND status IN (?, ?)
         ORDER BY created_at LIMIT 1`,
		jobType, key, StatusPending, StatusClaimed,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job by key: %w", err)
	}
	return job, nil
}

// Claim atomically selects the oldest eligible pending job, transitions it to
// claimed for workerID, and sets the lease. Returns nil when nothing is
// eligible. The select-and-lock happens in a single UPDATE so two concurrent
// callers can never receive the same job.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if lease <= 0 {
		return nil, errors.New("lease duration must be positive")
	}

	now := time.Now().UTC()
	var job *Job
	// Contended claims can still hit SQLITE_BUSY inside the busy_timeout
	// window under WAL; retry the whole statement rather than surfacing a
	// transient lock to the worker loop.
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, claimed_by = ?, lease_expires_at = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs
                 WHERE status = ? AND available_at <= ?
                 ORDER BY available_at, created_at, id
                 LIMIT 1
             )
             RETURNING `+jobColumns,
			StatusClaimed,
			workerID,
			now.Add(lease).Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			StatusPending,
			now.Format(time.RFC3339Nano),
		)
		scanned, err := scanJob(row)
		if err != nil {
			return err
		}
		job = scanned
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a claimed job succeeded. Returns ErrLeaseLost when the
// worker no longer holds the job.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, claimed_by = NULL, lease_expires_at = NULL,
             last_error = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND claimed_by = ?`,
		StatusSucceeded,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusClaimed,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireHeld(res)
}

// Fail records a handler failure: attempts is incremented, and the job either
// returns to pending after retryDelay or reaches the terminal status once
// attempts are exhausted. A forced failure skips remaining attempts and goes
// terminal immediately; validation errors use this so a malformed payload is
// never retried. The updated job is returned so callers can route exhausted
// ingestion jobs to the dead-letter store.
func (s *Store) Fail(ctx context.Context, id, workerID, failure string, retryDelay time.Duration, terminal Status, force bool) (*Job, error) {
	if terminal != StatusFailed && terminal != StatusDead {
		return nil, fmt.Errorf("invalid terminal status %q", terminal)
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
         SET attempts = attempts + 1,
             status = CASE WHEN ? OR attempts + 1 >= max_attempts THEN ? ELSE ? END,
             available_at = CASE WHEN ? OR attempts + 1 >= max_attempts THEN available_at ELSE ? END,
             claimed_by = NULL, lease_expires_at = NULL,
             last_error = ?, updated_at = ?
         WHERE id = ? AND status = ? AND claimed_by = ?
         RETURNING `+jobColumns,
		force,
		terminal,
		StatusPending,
		force,
		now.Add(retryDelay).Format(time.RFC3339Nano),
		failure,
		now.Format(time.RFC3339Nano),
		id,
		StatusClaimed,
		workerID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// Reschedule returns a claimed job to pending after delay without consuming
// an attempt. Used for expected multi-pass polling, not error retries; the
// reason is carried for logging only.
func (s *Store) Reschedule(ctx context.Context, id, workerID string, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, available_at = ?, claimed_by = NULL,
             lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND claimed_by = ?`,
		StatusPending,
		now.Add(delay).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		StatusClaimed,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return requireHeld(res)
}

// RenewLease extends the lease of a claimed job (heartbeat for handlers that
// legitimately outlive the default lease).
func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND claimed_by = ?`,
		now.Add(lease).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		StatusClaimed,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return requireHeld(res)
}

// ReapExpiredLeases returns claimed jobs with expired leases to pending.
// Attempts are untouched: a crashed worker is not a handler failure.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE status = ? AND lease_expires_at < ?`,
		StatusPending,
		now.Format(time.RFC3339Nano),
		StatusClaimed,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches a job by identifier, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RetryTerminal moves failed or dead jobs back to pending with a fresh
// attempt budget. Operator escape hatch driven from the CLI.
func (s *Store) RetryTerminal(ctx context.Context, ids ...string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, attempts = 0, available_at = ?, updated_at = ?
             WHERE status IN (?, ?)`,
			StatusPending, now, now, StatusFailed, StatusDead,
		)
		if err != nil {
			return 0, fmt.Errorf("retry terminal jobs: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := []any{StatusPending, now, now, StatusFailed, StatusDead}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, attempts = 0, available_at = ?, updated_at = ?
         WHERE status IN (?, ?) AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("retry selected jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearTerminal removes succeeded, failed, and dead jobs from the ledger.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?)`,
		StatusSucceeded, StatusFailed, StatusDead,
	)
	if err != nil {
		return 0, fmt.Errorf("clear terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates ledger state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusClaimed:
			health.Claimed += count
		case StatusSucceeded:
			health.Succeeded += count
		case StatusFailed:
			health.Failed += count
		case StatusDead:
			health.Dead += count
		}
	}
	return health, nil
}

func requireHeld(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

const jobColumns = "id, job_type, idempotency_key, run_id, payload, status, attempts, max_attempts, available_at, claimed_by, lease_expires_at, last_error, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id          string
		jobType     string
		idemKey     sql.NullString
		runID       sql.NullString
		payload     string
		statusStr   string
		attempts    int
		maxAttempts int
		availableAt sql.NullString
		claimedBy   sql.NullString
		leaseRaw    sql.NullString
		lastError   sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobType,
		&idemKey,
		&runID,
		&payload,
		&statusStr,
		&attempts,
		&maxAttempts,
		&availableAt,
		&claimedBy,
		&leaseRaw,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:             id,
		Type:           jobType,
		IdempotencyKey: idemKey.String,
		RunID:          runID.String,
		Payload:        json.RawMessage(payload),
		Status:         Status(statusStr),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		ClaimedBy:      claimedBy.String,
		LastError:      lastError.String,
	}
	if t, err := parseTimeString(availableAt.String); err == nil {
		job.AvailableAt = t
	}
	if leaseRaw.Valid {
		if t, err := parseTimeString(leaseRaw.String); err == nil {
			job.LeaseExpiresAt = &t
		}
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = t
	}
	return job, nil
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
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
