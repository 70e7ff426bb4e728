// Package store is the durable persistence layer behind the scheduler's
// single-row state, the commit/pipeline-status table, and the registry
// probe's variance-jittered cache: state, commits, and skopeo_cache. All
// writes are serialized by a process-wide mutex; reads proceed
// concurrently since every operation opens against the shared *sql.DB,
// which is the only shared mutable resource and is safe under a
// single-writer assumption.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// PipelineStatus is the lifecycle state of a pushed commit's CD pipeline.
type PipelineStatus string

const (
	PipelineUnknown PipelineStatus = "UNKNOWN"
	PipelineSuccess PipelineStatus = "SUCCESS"
	PipelineFailure PipelineStatus = "FAILURE"
)

// CommitInfo is a pushed commit's metadata and pipeline status, persisted
// forever once created.
type CommitInfo struct {
	CommitHash        string         `json:"commit_hash"`
	CommitShortHash   string         `json:"commit_short_hash"`
	CommitURL         string         `json:"commit_url,omitempty"`
	CommitTimestamp   time.Time      `json:"commit_timestamp"`
	PipelineURL       string         `json:"pipeline_url,omitempty"`
	PipelineStatus    PipelineStatus `json:"pipeline_status"`
	PipelineTimestamp *time.Time     `json:"pipeline_timestamp,omitempty"`
	PipelineDuration  *float64       `json:"pipeline_duration,omitempty"`
}

// Store is the persistence seam: a single-row scheduler state, a
// reverse-chronological commit log, and the registry cache (satisfying
// registry.Cache).
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			commit_hash TEXT PRIMARY KEY,
			commit_timestamp INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_timestamp ON commits(commit_timestamp DESC, commit_hash ASC)`,
		`CREATE TABLE IF NOT EXISTS skopeo_cache (
			hash TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- scheduler state (single row) ---

const nextRunKey = "next_run_at"

// GetNextRunAt returns the scheduler's next scheduled scan time, or the
// zero value and found=false if unset.
func (s *Store) GetNextRunAt(ctx context.Context) (t time.Time, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, nextRunKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading next_run_at: %w", err)
	}
	unix, parseErr := parseUnixNano(value)
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("decoding next_run_at: %w", parseErr)
	}
	return unix, true, nil
}

// SetNextRunAt persists the scheduler's next scheduled scan time.
func (s *Store) SetNextRunAt(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		nextRunKey, formatUnixNano(t))
	if err != nil {
		return fmt.Errorf("writing next_run_at: %w", err)
	}
	return nil
}

func formatUnixNano(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}

func parseUnixNano(s string) (time.Time, error) {
	var nanos int64
	if _, err := fmt.Sscanf(s, "%d", &nanos); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}

// --- commits ---

type commitRow struct {
	CommitURL         string         `json:"commit_url,omitempty"`
	PipelineURL       string         `json:"pipeline_url,omitempty"`
	PipelineStatus    PipelineStatus `json:"pipeline_status"`
	PipelineTimestamp *int64         `json:"pipeline_timestamp,omitempty"`
	PipelineDuration  *float64       `json:"pipeline_duration,omitempty"`
	CommitShortHash   string         `json:"commit_short_hash"`
}

// InsertCommit records a freshly pushed commit with PipelineStatus=UNKNOWN.
func (s *Store) InsertCommit(ctx context.Context, info CommitInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := commitRow{
		CommitURL:       info.CommitURL,
		PipelineURL:     info.PipelineURL,
		PipelineStatus:  info.PipelineStatus,
		CommitShortHash: info.CommitShortHash,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding commit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commits (commit_hash, commit_timestamp, data) VALUES (?, ?, ?)
		 ON CONFLICT(commit_hash) DO UPDATE SET commit_timestamp = excluded.commit_timestamp, data = excluded.data`,
		info.CommitHash, info.CommitTimestamp.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("inserting commit: %w", err)
	}
	return nil
}

// GetCommit returns the stored commit for hash, or found=false.
func (s *Store) GetCommit(ctx context.Context, hash string) (CommitInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCommitLocked(ctx, hash)
}

func (s *Store) getCommitLocked(ctx context.Context, hash string) (CommitInfo, bool, error) {
	var ts int64
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT commit_timestamp, data FROM commits WHERE commit_hash = ?`, hash).Scan(&ts, &data)
	if err == sql.ErrNoRows {
		return CommitInfo{}, false, nil
	}
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	info, decodeErr := decodeCommit(hash, ts, data)
	if decodeErr != nil {
		return CommitInfo{}, false, decodeErr
	}
	return info, true, nil
}

func decodeCommit(hash string, ts int64, data string) (CommitInfo, error) {
	var row commitRow
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return CommitInfo{}, fmt.Errorf("decoding commit %s: %w", hash, err)
	}
	info := CommitInfo{
		CommitHash:       hash,
		CommitShortHash:  row.CommitShortHash,
		CommitURL:        row.CommitURL,
		CommitTimestamp:  time.Unix(0, ts),
		PipelineURL:      row.PipelineURL,
		PipelineStatus:   row.PipelineStatus,
		PipelineDuration: row.PipelineDuration,
	}
	if row.PipelineTimestamp != nil {
		t := time.Unix(0, *row.PipelineTimestamp)
		info.PipelineTimestamp = &t
	}
	return info, nil
}

// ListCommits returns a page of commits ordered by
// (commit_timestamp DESC, commit_hash ASC), plus the total count. page is
// 1-based; perPage is clamped to [1, 100] by the caller (the HTTP layer),
// not here.
func (s *Store) ListCommits(ctx context.Context, page, perPage int) ([]CommitInfo, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting commits: %w", err)
	}

	offset := (page - 1) * perPage
	rows, err := s.db.QueryContext(ctx,
		`SELECT commit_hash, commit_timestamp, data FROM commits
		 ORDER BY commit_timestamp DESC, commit_hash ASC
		 LIMIT ? OFFSET ?`, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	var out []CommitInfo
	for rows.Next() {
		var hash, data string
		var ts int64
		if err := rows.Scan(&hash, &ts, &data); err != nil {
			return nil, 0, fmt.Errorf("scanning commit: %w", err)
		}
		info, err := decodeCommit(hash, ts, data)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, info)
	}
	return out, total, rows.Err()
}

// UpdatePipelineStatus advances a commit's pipeline status and associated
// fields, per the webhook reconciliation rules. Returns found=false if the
// commit hash is unknown.
func (s *Store) UpdatePipelineStatus(ctx context.Context, hash string, status PipelineStatus, commitURL, pipelineURL string, pipelineTimestamp time.Time, pipelineDuration *float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, found, err := s.getCommitLocked(ctx, hash)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	info.PipelineStatus = status
	if commitURL != "" {
		info.CommitURL = commitURL
	}
	if pipelineURL != "" {
		info.PipelineURL = pipelineURL
	}
	info.PipelineTimestamp = &pipelineTimestamp
	info.PipelineDuration = pipelineDuration

	row := commitRow{
		CommitURL:        info.CommitURL,
		PipelineURL:      info.PipelineURL,
		PipelineStatus:   info.PipelineStatus,
		CommitShortHash:  info.CommitShortHash,
		PipelineDuration: info.PipelineDuration,
	}
	if info.PipelineTimestamp != nil {
		nanos := info.PipelineTimestamp.UnixNano()
		row.PipelineTimestamp = &nanos
	}
	data, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("encoding commit: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE commits SET data = ? WHERE commit_hash = ?`, string(data), hash)
	if err != nil {
		return false, fmt.Errorf("updating commit %s: %w", hash, err)
	}
	return true, nil
}

// --- skopeo cache (implements registry.Cache) ---

// Get satisfies registry.Cache: it applies shrink-on-read itself, deleting
// and reporting a miss for an entry whose stored expiration exceeds
// now+configuredDuration or has already passed.
func (s *Store) Get(ctx context.Context, hash string, configuredDuration time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	var expiresAtNanos int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, expires_at FROM skopeo_cache WHERE hash = ?`, hash).Scan(&payload, &expiresAtNanos)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", hash, err)
	}

	now := time.Now()
	expiresAt := time.Unix(0, expiresAtNanos)
	if now.After(expiresAt) || expiresAt.After(now.Add(configuredDuration)) {
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM skopeo_cache WHERE hash = ?`, hash); delErr != nil {
			return nil, false, fmt.Errorf("deleting expired cache entry %s: %w", hash, delErr)
		}
		return nil, false, nil
	}

	return payload, true, nil
}

// Set stores payload under hash with the given absolute expiration.
func (s *Store) Set(ctx context.Context, hash string, payload []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skopeo_cache (hash, payload, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		hash, payload, expiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing cache entry %s: %w", hash, err)
	}
	return nil
}

// CleanupExpired removes every cache row whose expiration has already
// passed. Not required by any scan-path invariant; exposed for periodic
// housekeeping.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM skopeo_cache WHERE expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired cache entries: %w", err)
	}
	return res.RowsAffected()
}
