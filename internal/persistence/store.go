package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "hg-v1-2026-07-02-pairings-runs"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Pairing statuses.
const (
	PairingPending  = "PENDING"
	PairingApproved = "APPROVED"
	PairingRevoked  = "REVOKED"
)

// Run statuses in the ledger.
const (
	RunDispatched = "DISPATCHED"
	RunCompleted  = "COMPLETED"
	RunFailed     = "FAILED"
	RunAborted    = "ABORTED"
)

// Pairing is one device pairing record.
type Pairing struct {
	ID         string    `json:"pairing_id"`
	DeviceName string    `json:"device_name"`
	Code       string    `json:"code"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunRecord is one row in the agent-run ledger.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Agent      string    `json:"agent"`
	SessionKey string    `json:"session_key"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store wraps the sqlite database holding pairing records and the run ledger.
type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hivegate", "hivegate.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion < schemaVersionV1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS pairings (
				pairing_id TEXT PRIMARY KEY,
				device_name TEXT NOT NULL,
				code TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				agent TEXT NOT NULL,
				session_key TEXT NOT NULL,
				source TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key, created_at);`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v1: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}

	return tx.Commit()
}

// CreatePairing inserts a pending pairing with a short numeric approval code.
func (s *Store) CreatePairing(ctx context.Context, deviceName string) (Pairing, error) {
	p := Pairing{
		ID:         uuid.NewString(),
		DeviceName: deviceName,
		Code:       pairingCode(),
		Status:     PairingPending,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings (pairing_id, device_name, code, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		p.ID, p.DeviceName, p.Code, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Pairing{}, fmt.Errorf("insert pairing: %w", err)
	}
	return p, nil
}

// SetPairingStatus moves a pairing to the given status. Returns false if no
// such pairing exists.
func (s *Store) SetPairingStatus(ctx context.Context, pairingID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairings SET status = ?, updated_at = ? WHERE pairing_id = ?;`,
		status, time.Now().UTC(), pairingID)
	if err != nil {
		return false, fmt.Errorf("update pairing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPairings returns pairings newest-first.
func (s *Store) ListPairings(ctx context.Context, limit int) ([]Pairing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pairing_id, device_name, code, status, created_at, updated_at
		 FROM pairings ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	var out []Pairing
	for rows.Next() {
		var p Pairing
		if err := rows.Scan(&p.ID, &p.DeviceName, &p.Code, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordRun inserts a dispatched run into the ledger.
func (s *Store) RecordRun(ctx context.Context, runID, agent, sessionKey, source string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, agent, session_key, source, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		runID, agent, sessionKey, source, RunDispatched, now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal status.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?;`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns returns runs for a session key newest-first, all sessions when
// sessionKey is empty.
func (s *Store) ListRuns(ctx context.Context, sessionKey string, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if sessionKey == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT run_id, agent, session_key, source, status, created_at, updated_at
			 FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT run_id, agent, session_key, source, status, created_at, updated_at
			 FROM runs WHERE session_key = ? ORDER BY created_at DESC LIMIT ?;`, sessionKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rr RunRecord
		if err := rows.Scan(&rr.RunID, &rr.Agent, &rr.SessionKey, &rr.Source, &rr.Status, &rr.CreatedAt, &rr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// Healthy reports whether the database answers a trivial query.
func (s *Store) Healthy(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one) == nil
}

// pairingCode returns a 6-digit approval code.
func pairingCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}
