package gittree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a tree, file, or branch row does not exist.
var ErrNotFound = errors.New("not found")

// Store owns a single repository's tree cache state.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates the store and its schema idempotently.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database handles.
func (s *Store) Close() error {
	if err := s.ro.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS trees (
		cache_key TEXT PRIMARY KEY,
		branch TEXT NOT NULL DEFAULT '',
		commit_sha TEXT NOT NULL,
		truncated INTEGER NOT NULL DEFAULT 0,
		fetched_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		tree_key TEXT NOT NULL,
		path TEXT NOT NULL,
		type TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		sha TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tree_key, path)
	);

	CREATE TABLE IF NOT EXISTS commits (
		sha TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		name TEXT PRIMARY KEY,
		head_sha TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_changes (
		commit_sha TEXT NOT NULL,
		path TEXT NOT NULL,
		change_type TEXT NOT NULL,
		PRIMARY KEY (commit_sha, path)
	);

	CREATE INDEX IF NOT EXISTS idx_files_tree_path ON files(tree_key, path);
	CREATE INDEX IF NOT EXISTS idx_files_tree_type ON files(tree_key, type);
	CREATE INDEX IF NOT EXISTS idx_commits_branch_ts ON commits(branch, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_trees_branch ON trees(branch, expires_at);
	`)
	return err
}

func scanTree(row interface{ Scan(dest ...interface{}) error }) (*CachedTree, error) {
	t := &CachedTree{}
	err := row.Scan(&t.CacheKey, &t.Branch, &t.CommitSHA, &t.Truncated, &t.FetchedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTree returns the cached tree under the key, or ErrNotFound.
func (s *Store) GetTree(ctx context.Context, cacheKey string) (*CachedTree, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT cache_key, branch, commit_sha, truncated, fetched_at, expires_at
		FROM trees WHERE cache_key = ?
	`, cacheKey)
	t, err := scanTree(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ReplaceTree atomically swaps the cached snapshot under the key: it deletes
// any previous tree row and its files, then inserts the new ones.
func (s *Store) ReplaceTree(ctx context.Context, tree *CachedTree, files []CachedFile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE tree_key = ?`, tree.CacheKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE cache_key = ?`, tree.CacheKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trees (cache_key, branch, commit_sha, truncated, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tree.CacheKey, tree.Branch, tree.CommitSHA, tree.Truncated, tree.FetchedAt, tree.ExpiresAt); err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO files (tree_key, path, type, mode, sha, size)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range files {
		f := &files[i]
		if _, err := stmt.ExecContext(ctx, tree.CacheKey, f.Path, f.Type, f.Mode, f.SHA, f.Size); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExpireTree marks a cached tree stale without deleting it, so reads can
// still serve it until the next refresh.
func (s *Store) ExpireTree(ctx context.Context, cacheKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trees SET expires_at = ? WHERE cache_key = ?`, at, cacheKey)
	return err
}

// ListFiles returns the cached tree's files ordered by path.
func (s *Store) ListFiles(ctx context.Context, cacheKey string) ([]CachedFile, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT tree_key, path, type, mode, sha, size
		FROM files WHERE tree_key = ? ORDER BY path ASC
	`, cacheKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFiles(rows)
}

// GetFile returns one cached file by exact path, or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, cacheKey, path string) (*CachedFile, error) {
	f := &CachedFile{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT tree_key, path, type, mode, sha, size
		FROM files WHERE tree_key = ? AND path = ?
	`, cacheKey, path).Scan(&f.TreeKey, &f.Path, &f.Type, &f.Mode, &f.SHA, &f.Size)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// SearchFiles returns blob paths matching the LIKE pattern within the cached
// tree, ordered by path. The pattern uses backslash escaping for literal
// wildcard characters.
func (s *Store) SearchFiles(ctx context.Context, cacheKey, likePattern string, limit int) ([]CachedFile, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT tree_key, path, type, mode, sha, size
		FROM files
		WHERE tree_key = ? AND type = 'blob' AND path LIKE ? ESCAPE '\'
		ORDER BY path ASC LIMIT ?
	`, cacheKey, likePattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]CachedFile, error) {
	files := []CachedFile{}
	for rows.Next() {
		f := CachedFile{}
		if err := rows.Scan(&f.TreeKey, &f.Path, &f.Type, &f.Mode, &f.SHA, &f.Size); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpsertBranch records or advances a branch pointer.
func (s *Store) UpsertBranch(ctx context.Context, b *Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (name, head_sha, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET head_sha = excluded.head_sha, updated_at = excluded.updated_at
	`, b.Name, b.HeadSHA, b.UpdatedAt)
	return err
}

// GetBranch returns a tracked branch pointer, or ErrNotFound.
func (s *Store) GetBranch(ctx context.Context, name string) (*Branch, error) {
	b := &Branch{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT name, head_sha, updated_at FROM branches WHERE name = ?
	`, name).Scan(&b.Name, &b.HeadSHA, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBranches returns all tracked branches, most recently updated first.
func (s *Store) ListBranches(ctx context.Context) ([]Branch, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT name, head_sha, updated_at FROM branches ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	branches := []Branch{}
	for rows.Next() {
		b := Branch{}
		if err := rows.Scan(&b.Name, &b.HeadSHA, &b.UpdatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// InsertCommit records a commit, ignoring duplicates by SHA.
func (s *Store) InsertCommit(ctx context.Context, c *Commit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (sha, branch, message, author, author_email, timestamp) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha) DO NOTHING
	`, c.SHA, c.Branch, c.Message, c.Author, c.AuthorEmail, c.Timestamp)
	return err
}

// ListCommits returns tracked commits newest first, optionally scoped to a
// branch.
func (s *Store) ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error) {
	query := `SELECT sha, branch, message, author, author_email, timestamp FROM commits`
	args := []interface{}{}
	if branch != "" {
		query += ` WHERE branch = ?`
		args = append(args, branch)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	commits := []Commit{}
	for rows.Next() {
		c := Commit{}
		if err := rows.Scan(&c.SHA, &c.Branch, &c.Message, &c.Author, &c.AuthorEmail, &c.Timestamp); err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// InsertFileChanges records the paths touched by a commit.
func (s *Store) InsertFileChanges(ctx context.Context, changes []FileChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO file_changes (commit_sha, path, change_type) VALUES (?, ?, ?)
		ON CONFLICT(commit_sha, path) DO UPDATE SET change_type = excluded.change_type
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ch := range changes {
		if _, err := stmt.ExecContext(ctx, ch.CommitSHA, ch.Path, ch.ChangeType); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListFileChanges returns the recorded changes for one commit.
func (s *Store) ListFileChanges(ctx context.Context, commitSHA string) ([]FileChange, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT commit_sha, path, change_type FROM file_changes WHERE commit_sha = ? ORDER BY path ASC
	`, commitSHA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	changes := []FileChange{}
	for rows.Next() {
		ch := FileChange{}
		if err := rows.Scan(&ch.CommitSHA, &ch.Path, &ch.ChangeType); err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// Prune drops expired snapshots, trims commit history to keepCommits rows,
// and removes file changes whose commit is gone.
func (s *Store) Prune(ctx context.Context, now time.Time, keepCommits int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM files WHERE tree_key IN (SELECT cache_key FROM trees WHERE expires_at <= ?)
	`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE expires_at <= ?`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM commits WHERE sha NOT IN (
			SELECT sha FROM commits ORDER BY timestamp DESC LIMIT ?
		)
	`, keepCommits); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM file_changes WHERE commit_sha NOT IN (SELECT sha FROM commits)
	`); err != nil {
		return err
	}
	return tx.Commit()
}

// CountCommits returns the number of tracked commits.
func (s *Store) CountCommits(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&n)
	return n, err
}
