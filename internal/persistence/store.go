// Package persistence stores each tenant's task board as a durable document
// in sqlite. All mutations for one tenant run load→mutate→save under that
// tenant's mutex, so concurrent execute/delete/complete calls never
// interleave read-modify-write cycles. Different tenants proceed in parallel.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger, checked on open.
	schemaVersionV1  = 1
	schemaChecksumV1 = "cd-v1-2026-05-02-board-doc"

	// v2 adds the boards.updated_at index used by ListTenants ordering.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cd-v2-2026-05-19-updated-index"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	// ErrNotFound means no column of the tenant's board holds the task id.
	ErrNotFound = errors.New("task not found")
	// ErrNotInProgress means a completion was attempted for a task that has
	// already left the inProgress column. Callers treat it as a no-op signal.
	ErrNotInProgress = errors.New("task not in progress")
	// ErrDuplicateID rejects inserting a task id the board already holds.
	ErrDuplicateID = errors.New("duplicate task id")
)

// Store owns the sqlite handle and the per-tenant serialization locks.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// Open opens (creating if needed) the board database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{
		db:      db,
		logger:  logger,
		tenants: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS boards (
			tenant_id  TEXT PRIMARY KEY,
			doc        TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_boards_updated ON boards(updated_at);
	`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_version (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersionLatest:
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", version, schemaVersionLatest)
	case version < schemaVersionLatest:
		// v1 → v2 only adds an index, already ensured above.
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_version (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema upgrade: %w", err)
		}
		s.logger.Info("schema upgraded", "from", version, "to", schemaVersionLatest)
	}
	return nil
}

// tenantLock returns the mutex serializing one tenant's board mutations.
func (s *Store) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		s.tenants[tenantID] = mu
	}
	return mu
}

// LoadBoard reads the tenant's board. A tenant with no stored document gets
// an empty board. Reads do not take the tenant lock; the board document is
// replaced atomically by SaveBoard so a read sees a consistent snapshot.
func (s *Store) LoadBoard(ctx context.Context, tenantID string) (Board, error) {
	var board Board
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM boards WHERE tenant_id = ?;`, tenantID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		board.normalize()
		return board, nil
	}
	if err != nil {
		return Board{}, fmt.Errorf("load board %s: %w", tenantID, err)
	}
	if err := json.Unmarshal([]byte(doc), &board); err != nil {
		return Board{}, fmt.Errorf("decode board %s: %w", tenantID, err)
	}
	board.normalize()
	return board, nil
}

// SaveBoard writes the tenant's board document.
func (s *Store) SaveBoard(ctx context.Context, tenantID string, board Board) error {
	doc, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("encode board %s: %w", tenantID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (tenant_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at;
	`, tenantID, string(doc), time.Now().UTC()); err != nil {
		return fmt.Errorf("save board %s: %w", tenantID, err)
	}
	return nil
}

// WithBoard runs fn over the tenant's board under the tenant lock and
// persists the result when fn returns nil. This is the only mutation path.
func (s *Store) WithBoard(ctx context.Context, tenantID string, fn func(*Board) error) error {
	mu := s.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	board, err := s.LoadBoard(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := fn(&board); err != nil {
		return err
	}
	return s.SaveBoard(ctx, tenantID, board)
}

// ListTenants returns every tenant id with a stored board, most recently
// updated first.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM boards ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant rows: %w", err)
	}
	return out, nil
}
