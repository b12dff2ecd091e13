package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// DefinitionStore is the persistence seam for published flow definitions.
// Flows are authored out of band; the registry only reads at startup and
// appends new versions on publish.
type DefinitionStore interface {
	SaveFlowDefinition(def models.FlowDefinition) error
	ListFlowDefinitions() ([]models.FlowDefinition, error)
}

// Registry holds published flow definitions and resolves the best match for a
// classified intent. Definitions are read-mostly; reads take the shared lock
// and writes (publish, enable/disable) are atomic and visible only to
// subsequently-started runs. In-flight runs keep the version snapshot they
// started with, which the registry retains.
type Registry struct {
	mu        sync.RWMutex
	versions  map[string][]*models.FlowDefinition // flow ID -> ascending versions
	store     DefinitionStore
	executors ExecutorLookup
}

// NewRegistry creates a flow registry backed by the given definition store.
// The executor lookup is used to validate flows at publish time.
func NewRegistry(store DefinitionStore, executors ExecutorLookup) *Registry {
	return &Registry{
		versions:  make(map[string][]*models.FlowDefinition),
		store:     store,
		executors: executors,
	}
}

// Load reads all persisted definitions into the registry. Called once at startup.
func (r *Registry) Load() error {
	defs, err := r.store.ListFlowDefinitions()
	if err != nil {
		slog.Error("Registry Load failed", "error", err)
		return fmt.Errorf("failed to load flow definitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = make(map[string][]*models.FlowDefinition)
	for i := range defs {
		def := defs[i]
		r.insertLocked(&def)
	}
	slog.Info("Registry loaded flow definitions", "flows", len(r.versions), "versions", len(defs))
	return nil
}

// Publish validates the definition, assigns the next version number, persists
// it, and makes it the active version. The stored record is immutable; edits
// publish a new version.
func (r *Registry) Publish(def models.FlowDefinition) (ValidationResult, error) {
	res := Validate(&def, r.executors)
	if !res.OK() {
		slog.Warn("Registry Publish rejected invalid flow", "flowID", def.ID, "errors", len(res.Errors))
		return res, fmt.Errorf("flow %s failed validation: %s", def.ID, res.Errors[0])
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def.Version = len(r.versions[def.ID]) + 1
	def.Enabled = true
	def.UpdatedAt = time.Now()

	if err := r.store.SaveFlowDefinition(def); err != nil {
		slog.Error("Registry Publish persist failed", "error", err, "flowID", def.ID)
		return res, fmt.Errorf("failed to persist flow %s: %w", def.ID, err)
	}
	r.insertLocked(&def)

	slog.Info("Registry published flow", "flowID", def.ID, "version", def.Version, "warnings", len(res.Warnings))
	return res, nil
}

// insertLocked appends a definition version keeping versions ascending.
func (r *Registry) insertLocked(def *models.FlowDefinition) {
	vs := r.versions[def.ID]
	i := len(vs)
	for i > 0 && vs[i-1].Version > def.Version {
		i--
	}
	vs = append(vs, nil)
	copy(vs[i+1:], vs[i:])
	vs[i] = def
	r.versions[def.ID] = vs
}

// Resolve returns the enabled flow whose trigger matches the intent and whose
// module equals the session's module (or general). Lower priority number wins;
// ties break to the most recently updated definition. Returns nil when
// nothing matches.
func (r *Registry) Resolve(intent, module string) *models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.FlowDefinition
	for _, vs := range r.versions {
		def := vs[len(vs)-1]
		if !def.Enabled || !def.MatchesTrigger(intent) {
			continue
		}
		if def.Module != module && def.Module != models.ModuleGeneral {
			continue
		}
		if best == nil || def.Priority < best.Priority ||
			(def.Priority == best.Priority && def.UpdatedAt.After(best.UpdatedAt)) {
			best = def
		}
	}
	if best != nil {
		slog.Debug("Registry resolved flow", "intent", intent, "module", module, "flowID", best.ID, "version", best.Version)
	} else {
		slog.Debug("Registry found no flow for intent", "intent", intent, "module", module)
	}
	return best
}

// Get returns the active (latest) version of a flow, or nil.
func (r *Registry) Get(flowID string) *models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := r.versions[flowID]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

// GetVersion returns the definition snapshot an in-flight run started with.
func (r *Registry) GetVersion(flowID string, version int) *models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.versions[flowID] {
		if def.Version == version {
			return def
		}
	}
	return nil
}

// List returns the active version of every registered flow.
func (r *Registry) List() []*models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.FlowDefinition, 0, len(r.versions))
	for _, vs := range r.versions {
		out = append(out, vs[len(vs)-1])
	}
	return out
}

// SetEnabled enables or disables the active version of a flow. Disabling a
// system-critical flow fails with models.ErrProtectedFlow and changes nothing.
func (r *Registry) SetEnabled(flowID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs := r.versions[flowID]
	if len(vs) == 0 {
		return fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
	}
	def := vs[len(vs)-1]
	if !enabled && def.SystemCritical {
		slog.Warn("Registry refused to disable system-critical flow", "flowID", flowID)
		return fmt.Errorf("%w: %s", models.ErrProtectedFlow, flowID)
	}
	if def.Enabled == enabled {
		return nil
	}

	updated := *def
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now()
	if err := r.store.SaveFlowDefinition(updated); err != nil {
		slog.Error("Registry SetEnabled persist failed", "error", err, "flowID", flowID)
		return fmt.Errorf("failed to persist flow %s: %w", flowID, err)
	}
	vs[len(vs)-1] = &updated

	slog.Info("Registry flow enabled state changed", "flowID", flowID, "enabled", enabled)
	return nil
}
