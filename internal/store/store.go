// Package store provides storage backends for FlowRelay.
//
// Sessions and flow runs must be durably persisted between turns so a process
// restart or failover does not lose an in-progress dialogue. Published flow
// definitions are stored as versioned, immutable records.
package store

import (
	"strings"
	"sync"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// Store defines the persistence boundary of the orchestration engine.
// Missing records return (nil, nil), not an error.
type Store interface {
	GetSession(key string) (*models.Session, error)
	SaveSession(s models.Session) error

	GetRun(id string) (*models.FlowRun, error)
	SaveRun(r models.FlowRun) error
	// ListActiveRuns returns every run with status active, for startup recovery.
	ListActiveRuns() ([]models.FlowRun, error)

	SaveFlowDefinition(def models.FlowDefinition) error
	ListFlowDefinitions() ([]models.FlowDefinition, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-looking DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a map-backed Store used in tests and for DSN-less runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	runs     map[string]models.FlowRun
	flows    []models.FlowDefinition
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		runs:     make(map[string]models.FlowRun),
	}
}

// GetSession implements Store.
func (s *InMemoryStore) GetSession(key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// SaveSession implements Store.
func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return nil
}

// GetRun implements Store.
func (s *InMemoryStore) GetRun(id string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// SaveRun implements Store.
func (s *InMemoryStore) SaveRun(r models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

// ListActiveRuns implements Store.
func (s *InMemoryStore) ListActiveRuns() ([]models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowRun
	for _, r := range s.runs {
		if r.Status == models.RunStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// SaveFlowDefinition implements Store. Definitions are append-only per
// (id, version); saving an existing version replaces it (enable toggles).
func (s *InMemoryStore) SaveFlowDefinition(def models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.flows {
		if existing.ID == def.ID && existing.Version == def.Version {
			s.flows[i] = def
			return nil
		}
	}
	s.flows = append(s.flows, def)
	return nil
}

// ListFlowDefinitions implements Store.
func (s *InMemoryStore) ListFlowDefinitions() ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowDefinition, len(s.flows))
	copy(out, s.flows)
	return out, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }
