// Package db provides StateStore for persistent indexing progress tracking.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gitpulse.dev/indexer/pipeline"
)

// ErrConflict is returned by Begin when another worker has already claimed
// or modified the row since it was read.
var ErrConflict = errors.New("indexing state changed concurrently")

// Status is the lifecycle of one (repository, entity) pair's indexing
// progress.
type Status string

const (
	StatePending   Status = "pending"
	StateRunning   Status = "running"
	StateCompleted Status = "completed"
	StateError     Status = "error"
)

// IndexingState is the durable record of how far one entity's indexing has
// progressed for one repository, and what it should do next.
type IndexingState struct {
	RepositoryID int64
	Entity       string
	Status       Status
	Direction    pipeline.CursorDirection
	CursorValue  time.Time
	UpdatedAt    time.Time
	RetryCount   int
	TotalIndexed int64
	LastError    string
	LastCategory string
}

// Cursor returns the typed cursor embedded in this state row.
func (s IndexingState) Cursor() pipeline.Cursor {
	return pipeline.Cursor{Direction: s.Direction, Value: s.CursorValue}
}

// StateStore provides persistent indexing state management using
// PostgreSQL. All state is stored in the database - no in-memory caching,
// so every worker process sees the same view and can safely race to claim
// work via compare-and-set.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a new state store.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// EnsureSchema creates the indexing_state table if it does not already
// exist. Called once at daemon startup.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS indexing_state (
	repository_id bigint NOT NULL,
	entity text NOT NULL,
	status text NOT NULL DEFAULT 'pending',
	cursor_direction text NOT NULL,
	cursor_value timestamptz NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	retry_count int NOT NULL DEFAULT 0,
	total_indexed bigint NOT NULL DEFAULT 0,
	last_error text NOT NULL DEFAULT '',
	last_category text NOT NULL DEFAULT '',
	PRIMARY KEY (repository_id, entity)
)`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// GetOrCreate fetches the state row for (repositoryID, entity), inserting
// one seeded at initialCursor if none exists yet.
func (s *StateStore) GetOrCreate(ctx context.Context, repositoryID int64, entity string, initialCursor pipeline.Cursor) (*IndexingState, error) {
	state, err := s.get(ctx, repositoryID, entity)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get indexing state: %w", err)
	}

	const insert = `
INSERT INTO indexing_state (repository_id, entity, status, cursor_direction, cursor_value, updated_at)
VALUES ($1, $2, 'pending', $3, $4, now())
ON CONFLICT (repository_id, entity) DO NOTHING`
	if _, err := s.pool.Exec(ctx, insert, repositoryID, entity, string(initialCursor.Direction), initialCursor.Value); err != nil {
		return nil, fmt.Errorf("insert indexing state: %w", err)
	}
	return s.get(ctx, repositoryID, entity)
}

func (s *StateStore) get(ctx context.Context, repositoryID int64, entity string) (*IndexingState, error) {
	const query = `
SELECT repository_id, entity, status, cursor_direction, cursor_value, updated_at, retry_count, total_indexed, last_error, last_category
FROM indexing_state WHERE repository_id = $1 AND entity = $2`
	row := s.pool.QueryRow(ctx, query, repositoryID, entity)
	var st IndexingState
	var status, direction string
	if err := row.Scan(&st.RepositoryID, &st.Entity, &status, &direction, &st.CursorValue,
		&st.UpdatedAt, &st.RetryCount, &st.TotalIndexed, &st.LastError, &st.LastCategory); err != nil {
		return nil, err
	}
	st.Status = Status(status)
	st.Direction = pipeline.CursorDirection(direction)
	return &st, nil
}

// ShouldRun reports whether a worker may claim state: the row must not
// already be running, must not have exhausted maxRetries while in the error
// state, and must have sat at least minInterval since its last transition.
func (s *StateStore) ShouldRun(state *IndexingState, minInterval time.Duration, maxRetries int, now time.Time) bool {
	if state.Status == StateRunning {
		return false
	}
	if state.Status == StateError && state.RetryCount >= maxRetries {
		return false
	}
	return now.Sub(state.UpdatedAt) >= minInterval
}

// Begin compare-and-set claims the row as running, conditioned on it still
// matching the (status, updated_at) observed when state was read. If the row
// was left in the error state, retry_count is bumped as part of the same
// update. Returns ErrConflict if another worker claimed it first.
func (s *StateStore) Begin(ctx context.Context, state *IndexingState, now time.Time) error {
	const update = `
UPDATE indexing_state SET status = 'running', updated_at = $1,
	retry_count = CASE WHEN status = 'error' THEN retry_count + 1 ELSE retry_count END
WHERE repository_id = $2 AND entity = $3 AND status = $4 AND updated_at = $5`
	tag, err := s.pool.Exec(ctx, update, now, state.RepositoryID, state.Entity, string(state.Status), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("begin indexing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	if state.Status == StateError {
		state.RetryCount++
	}
	state.Status = StateRunning
	state.UpdatedAt = now
	return nil
}

// Complete records a successful run's new cursor, accumulates processed into
// total_indexed, and returns the row to completed, clearing any retry/error
// bookkeeping.
func (s *StateStore) Complete(ctx context.Context, repositoryID int64, entity string, newCursor pipeline.Cursor, processed int, now time.Time) error {
	const update = `
UPDATE indexing_state SET status = 'completed', cursor_direction = $1, cursor_value = $2,
	updated_at = $3, total_indexed = total_indexed + $4, retry_count = 0, last_error = '', last_category = ''
WHERE repository_id = $5 AND entity = $6`
	tag, err := s.pool.Exec(ctx, update, string(newCursor.Direction), newCursor.Value, now, processed, repositoryID, entity)
	if err != nil {
		return fmt.Errorf("complete indexing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("indexing state not found: repository=%d entity=%s", repositoryID, entity)
	}
	return nil
}

// Defer releases a row claimed as running back to pending without touching
// retry_count or the cursor: the run didn't fail, it was deferred ahead of a
// rate limit resetting, and a separate scheduled "_retry" task already
// carries the next attempt's timing.
func (s *StateStore) Defer(ctx context.Context, repositoryID int64, entity string, now time.Time) error {
	const update = `
UPDATE indexing_state SET status = 'pending', updated_at = $1
WHERE repository_id = $2 AND entity = $3`
	tag, err := s.pool.Exec(ctx, update, now, repositoryID, entity)
	if err != nil {
		return fmt.Errorf("defer indexing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("indexing state not found: repository=%d entity=%s", repositoryID, entity)
	}
	return nil
}

// Fail records a failed run: bumps retry_count, stores the error and its
// category, and moves the row to the error state so should_run can weigh it
// against max_retries on the next attempt.
func (s *StateStore) Fail(ctx context.Context, repositoryID int64, entity, errMsg, category string, now time.Time) error {
	const update = `
UPDATE indexing_state SET status = 'error', updated_at = $1,
	retry_count = retry_count + 1, last_error = $2, last_category = $3
WHERE repository_id = $4 AND entity = $5`
	tag, err := s.pool.Exec(ctx, update, now, errMsg, category, repositoryID, entity)
	if err != nil {
		return fmt.Errorf("fail indexing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("indexing state not found: repository=%d entity=%s", repositoryID, entity)
	}
	return nil
}

// StuckRow identifies one (repository_id, entity) pair the sweep reset.
type StuckRow struct {
	RepositoryID int64
	Entity       string
}

// SweepStuck resets any row that has sat in "running" longer than
// threshold, treating it as abandoned (its worker presumably crashed), and
// bumps its retry_count by one, capped at maxRetries. Returns the rows it
// reset.
func (s *StateStore) SweepStuck(ctx context.Context, threshold time.Duration, maxRetries int, now time.Time) ([]StuckRow, error) {
	const query = `
UPDATE indexing_state SET status = 'pending', updated_at = $1,
	retry_count = LEAST(retry_count + 1, $3)
WHERE status = 'running' AND updated_at < $2
RETURNING repository_id, entity`
	rows, err := s.pool.Query(ctx, query, now, now.Add(-threshold), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("sweep stuck indexing state: %w", err)
	}
	defer rows.Close()

	var stuck []StuckRow
	for rows.Next() {
		var r StuckRow
		if err := rows.Scan(&r.RepositoryID, &r.Entity); err != nil {
			return stuck, err
		}
		stuck = append(stuck, r)
	}
	return stuck, rows.Err()
}

// CountStuck reports how many rows are currently stuck in "running" past
// threshold, without resetting them. Satisfies the admin surface's
// StuckCounter interface.
func (s *StateStore) CountStuck(ctx context.Context, threshold time.Duration) (int, error) {
	const query = `SELECT count(*) FROM indexing_state WHERE status = 'running' AND updated_at < $1`
	row := s.pool.QueryRow(ctx, query, time.Now().Add(-threshold))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
