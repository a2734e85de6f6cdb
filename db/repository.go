package db

import (
	"context"
	"fmt"
)

// Repository is a tracked GitHub repository, keyed by its numeric ID. It
// carries the fields the scheduler and pipelines need to do anything useful
// with a bare repository_id: where to clone it from, which credential
// covers it, and whether it's currently in rotation.
type Repository struct {
	ID            int64
	FullName      string // "owner/repo"
	Owner         string
	Name          string
	CloneURL      string
	DefaultBranch string
	OwnerID       string // credential selection key, see auth.Broker
	IsIndexed     bool
}

// EnsureRepositoryTable creates the repositories table if it does not
// already exist. Called alongside EnsureSchema at daemon startup.
func (s *StateStore) EnsureRepositoryTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS repositories (
	repository_id bigint PRIMARY KEY,
	full_name text NOT NULL UNIQUE,
	owner text NOT NULL,
	name text NOT NULL,
	clone_url text NOT NULL,
	default_branch text NOT NULL DEFAULT 'main',
	owner_id text NOT NULL,
	is_indexed boolean NOT NULL DEFAULT true
)`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// UpsertRepository registers or updates a repository's metadata. Full_name
// is treated as immutable for a given ID in practice, but the upsert
// doesn't enforce that — a rename just overwrites in place.
func (s *StateStore) UpsertRepository(ctx context.Context, r Repository) error {
	const upsert = `
INSERT INTO repositories (repository_id, full_name, owner, name, clone_url, default_branch, owner_id, is_indexed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (repository_id) DO UPDATE SET
	full_name = EXCLUDED.full_name,
	owner = EXCLUDED.owner,
	name = EXCLUDED.name,
	clone_url = EXCLUDED.clone_url,
	default_branch = EXCLUDED.default_branch,
	owner_id = EXCLUDED.owner_id,
	is_indexed = EXCLUDED.is_indexed`
	_, err := s.pool.Exec(ctx, upsert, r.ID, r.FullName, r.Owner, r.Name, r.CloneURL, r.DefaultBranch, r.OwnerID, r.IsIndexed)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// GetRepository loads a single repository by ID, the lookup the scheduler
// and processor both need to turn a bare repository_id into clone/owner
// metadata before a pipeline can run.
func (s *StateStore) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	const query = `
SELECT repository_id, full_name, owner, name, clone_url, default_branch, owner_id, is_indexed
FROM repositories WHERE repository_id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	var r Repository
	if err := row.Scan(&r.ID, &r.FullName, &r.Owner, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.OwnerID, &r.IsIndexed); err != nil {
		return nil, fmt.Errorf("get repository %d: %w", id, err)
	}
	return &r, nil
}

// MarkRepositoryIndexed flips is_indexed to true once the commits pipeline's
// backward walk has reached the repository's first commit.
func (s *StateStore) MarkRepositoryIndexed(ctx context.Context, id int64) error {
	const update = `UPDATE repositories SET is_indexed = true WHERE repository_id = $1`
	_, err := s.pool.Exec(ctx, update, id)
	if err != nil {
		return fmt.Errorf("mark repository %d indexed: %w", id, err)
	}
	return nil
}

// ListIndexedRepositories returns every repository currently in rotation,
// ordered by ID for stable pagination-free enumeration. This is what the
// scheduler's recurring fan-out task walks to decide what to enqueue.
func (s *StateStore) ListIndexedRepositories(ctx context.Context) ([]Repository, error) {
	const query = `
SELECT repository_id, full_name, owner, name, clone_url, default_branch, owner_id, is_indexed
FROM repositories WHERE is_indexed = true ORDER BY repository_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list indexed repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.FullName, &r.Owner, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.OwnerID, &r.IsIndexed); err != nil {
			return repos, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}
