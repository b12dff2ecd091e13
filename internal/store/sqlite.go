// Package store provides storage backends for FlowRelay.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/flowrelay/FlowRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions, runs, and flow definitions in SQLite.
// Records are stored as JSON documents with the queryable columns lifted out.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The containing directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(key string) (*models.Session, error) {
	var raw string
	err := s.db.QueryRow(`SELECT session_json FROM sessions WHERE session_key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query session %s: %w", key, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		slog.Error("SQLiteStore GetSession unmarshal failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &sess, nil
}

// SaveSession implements Store.
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.Key, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions (session_key, session_json, updated_at) VALUES (?, ?, ?)`,
		sess.Key, string(raw), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "key", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "key", sess.Key)
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(id string) (*models.FlowRun, error) {
	var raw string
	err := s.db.QueryRow(`SELECT run_json FROM flow_runs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetRun not found", "runID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetRun failed", "error", err, "runID", id)
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return decodeRun(raw, id)
}

// SaveRun implements Store.
func (s *SQLiteStore) SaveRun(r models.FlowRun) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flow_runs (id, session_key, status, run_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.SessionKey, string(r.Status), string(raw), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore SaveRun succeeded", "runID", r.ID, "status", r.Status)
	return nil
}

// ListActiveRuns implements Store.
func (s *SQLiteStore) ListActiveRuns() ([]models.FlowRun, error) {
	rows, err := s.db.Query(`SELECT run_json FROM flow_runs WHERE status = ?`, string(models.RunStatusActive))
	if err != nil {
		slog.Error("SQLiteStore ListActiveRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// SaveFlowDefinition implements Store.
func (s *SQLiteStore) SaveFlowDefinition(def models.FlowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", def.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flow_definitions (flow_id, version, definition_json, updated_at) VALUES (?, ?, ?, ?)`,
		def.ID, def.Version, string(raw), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveFlowDefinition failed", "error", err, "flowID", def.ID, "version", def.Version)
		return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlowDefinition succeeded", "flowID", def.ID, "version", def.Version)
	return nil
}

// ListFlowDefinitions implements Store.
func (s *SQLiteStore) ListFlowDefinitions() ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(`SELECT definition_json FROM flow_definitions ORDER BY flow_id, version`)
	if err != nil {
		slog.Error("SQLiteStore ListFlowDefinitions query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
