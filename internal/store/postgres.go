// Package store provides storage backends for FlowRelay.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/flowrelay/FlowRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions, runs, and flow definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// GetSession implements Store.
func (s *PostgresStore) GetSession(key string) (*models.Session, error) {
	var raw string
	err := s.db.QueryRow(`SELECT session_json FROM sessions WHERE session_key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query session %s: %w", key, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		slog.Error("PostgresStore GetSession unmarshal failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &sess, nil
}

// SaveSession implements Store.
func (s *PostgresStore) SaveSession(sess models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.Key, err)
	}
	_, err = s.db.Exec(`INSERT INTO sessions (session_key, session_json, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (session_key) DO UPDATE SET session_json = EXCLUDED.session_json, updated_at = EXCLUDED.updated_at`,
		sess.Key, string(raw), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "key", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "key", sess.Key)
	return nil
}

// GetRun implements Store.
func (s *PostgresStore) GetRun(id string) (*models.FlowRun, error) {
	var raw string
	err := s.db.QueryRow(`SELECT run_json FROM flow_runs WHERE id = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetRun not found", "runID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetRun failed", "error", err, "runID", id)
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return decodeRun(raw, id)
}

// SaveRun implements Store.
func (s *PostgresStore) SaveRun(r models.FlowRun) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO flow_runs (id, session_key, status, run_json, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET session_key = EXCLUDED.session_key, status = EXCLUDED.status,
		run_json = EXCLUDED.run_json, updated_at = EXCLUDED.updated_at`,
		r.ID, r.SessionKey, string(r.Status), string(raw), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore SaveRun succeeded", "runID", r.ID, "status", r.Status)
	return nil
}

// ListActiveRuns implements Store.
func (s *PostgresStore) ListActiveRuns() ([]models.FlowRun, error) {
	rows, err := s.db.Query(`SELECT run_json FROM flow_runs WHERE status = $1`, string(models.RunStatusActive))
	if err != nil {
		slog.Error("PostgresStore ListActiveRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// SaveFlowDefinition implements Store.
func (s *PostgresStore) SaveFlowDefinition(def models.FlowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", def.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO flow_definitions (flow_id, version, definition_json, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (flow_id, version) DO UPDATE SET definition_json = EXCLUDED.definition_json, updated_at = EXCLUDED.updated_at`,
		def.ID, def.Version, string(raw), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveFlowDefinition failed", "error", err, "flowID", def.ID, "version", def.Version)
		return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
	}
	slog.Debug("PostgresStore SaveFlowDefinition succeeded", "flowID", def.ID, "version", def.Version)
	return nil
}

// ListFlowDefinitions implements Store.
func (s *PostgresStore) ListFlowDefinitions() ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(`SELECT definition_json FROM flow_definitions ORDER BY flow_id, version`)
	if err != nil {
		slog.Error("PostgresStore ListFlowDefinitions query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
