package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/flowrelay/FlowRelay/internal/models"
)

// fakeDefStore keeps every saved definition version, like the SQL stores do.
type fakeDefStore struct {
	defs []models.FlowDefinition
}

func (s *fakeDefStore) SaveFlowDefinition(def models.FlowDefinition) error {
	for i, existing := range s.defs {
		if existing.ID == def.ID && existing.Version == def.Version {
			s.defs[i] = def
			return nil
		}
	}
	s.defs = append(s.defs, def)
	return nil
}

func (s *fakeDefStore) ListFlowDefinitions() ([]models.FlowDefinition, error) {
	return append([]models.FlowDefinition{}, s.defs...), nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDefStore) {
	t.Helper()
	st := &fakeDefStore{}
	r := NewRegistry(st, newFakeLookup("static-response"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r, st
}

func TestPublishAssignsAscendingVersions(t *testing.T) {
	r, st := newTestRegistry(t)

	def := validDefinition()
	if _, err := r.Publish(def); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if _, err := r.Publish(def); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	if got := r.Get(def.ID).Version; got != 2 {
		t.Errorf("active version = %d, want 2", got)
	}
	if v1 := r.GetVersion(def.ID, 1); v1 == nil || v1.Version != 1 {
		t.Error("first version snapshot should stay retrievable")
	}
	if len(st.defs) != 2 {
		t.Errorf("store holds %d records, want 2", len(st.defs))
	}
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	r, st := newTestRegistry(t)

	def := validDefinition()
	def.InitialState = "nowhere"
	res, err := r.Publish(def)
	if err == nil || res.OK() {
		t.Fatal("invalid definition must be rejected")
	}
	if len(st.defs) != 0 {
		t.Error("rejected definition must not be persisted")
	}
}

func TestResolvePrefersLowerPriorityNumber(t *testing.T) {
	r, _ := newTestRegistry(t)

	low := validDefinition()
	low.ID = "order-low"
	low.Priority = 10
	high := validDefinition()
	high.ID = "order-high"
	high.Priority = 5

	for _, d := range []models.FlowDefinition{low, high} {
		if _, err := r.Publish(d); err != nil {
			t.Fatalf("publish %s failed: %v", d.ID, err)
		}
	}

	got := r.Resolve("order_food", models.ModuleGeneral)
	if got == nil || got.ID != "order-high" {
		t.Errorf("Resolve picked %+v, want order-high", got)
	}
}

func TestResolveScopesToModule(t *testing.T) {
	r, _ := newTestRegistry(t)

	food := validDefinition()
	food.ID = "order-food"
	food.Module = "food"
	booking := validDefinition()
	booking.ID = "order-booking"
	booking.Module = "booking"
	general := validDefinition()
	general.ID = "order-general"
	general.Module = models.ModuleGeneral
	general.Priority = 50

	for _, d := range []models.FlowDefinition{food, booking, general} {
		if _, err := r.Publish(d); err != nil {
			t.Fatalf("publish %s failed: %v", d.ID, err)
		}
	}

	if got := r.Resolve("order_food", "food"); got == nil || got.ID != "order-food" {
		t.Errorf("food module resolved %+v", got)
	}
	// A session in an unrelated module only sees general flows.
	if got := r.Resolve("order_food", "support"); got == nil || got.ID != "order-general" {
		t.Errorf("unrelated module resolved %+v", got)
	}
}

func TestResolveWildcardTrigger(t *testing.T) {
	r, _ := newTestRegistry(t)

	def := validDefinition()
	def.ID = "orders"
	def.Trigger = "order_*"
	if _, err := r.Publish(def); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := r.Resolve("order_pizza", models.ModuleGeneral); got == nil {
		t.Error("wildcard trigger should match order_pizza")
	}
	if got := r.Resolve("track_order", models.ModuleGeneral); got != nil {
		t.Errorf("wildcard trigger matched %q", got.ID)
	}
}

func TestSetEnabledProtectsCriticalFlows(t *testing.T) {
	r, _ := newTestRegistry(t)

	def := validDefinition()
	def.ID = "help"
	def.SystemCritical = true
	if _, err := r.Publish(def); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := r.SetEnabled("help", false); !errors.Is(err, models.ErrProtectedFlow) {
		t.Errorf("disabling critical flow returned %v, want ErrProtectedFlow", err)
	}
	if err := r.SetEnabled("ghost", false); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("unknown flow returned %v, want ErrFlowNotFound", err)
	}
}

func TestDisabledFlowIsNotResolved(t *testing.T) {
	r, _ := newTestRegistry(t)

	def := validDefinition()
	if _, err := r.Publish(def); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := r.SetEnabled(def.ID, false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if got := r.Resolve("order_food", models.ModuleGeneral); got != nil {
		t.Errorf("disabled flow resolved: %q", got.ID)
	}
}

func TestLoadRestoresVersionHistory(t *testing.T) {
	st := &fakeDefStore{}
	now := time.Now()
	for v := 1; v <= 3; v++ {
		def := validDefinition()
		def.Version = v
		def.Enabled = true
		def.UpdatedAt = now.Add(time.Duration(v) * time.Minute)
		st.defs = append(st.defs, def)
	}

	r := NewRegistry(st, newFakeLookup("static-response"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := r.Get("order-food").Version; got != 3 {
		t.Errorf("active version after load = %d, want 3", got)
	}
	if r.GetVersion("order-food", 2) == nil {
		t.Error("historical version lost on load")
	}
}
