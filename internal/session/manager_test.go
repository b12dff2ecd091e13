package session

import (
	"sync"
	"testing"
	"time"

	"github.com/flowrelay/FlowRelay/internal/models"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]models.Session)}
}

func (s *fakeSessionStore) GetSession(key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *fakeSessionStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess
	return nil
}

func TestResolveCreatesSessionOnFirstContact(t *testing.T) {
	m := NewManager(newFakeSessionStore())

	sess, err := m.Resolve("whatsapp:+15551234567", models.PlatformWhatsApp)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sess.Module != models.ModuleGeneral {
		t.Errorf("new session should start in general module, got %s", sess.Module)
	}
	if sess.ActiveRunID != "" {
		t.Errorf("new session should have no active run")
	}

	again, err := m.Resolve("whatsapp:+15551234567", models.PlatformWhatsApp)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if !again.CreatedAt.Equal(sess.CreatedAt) {
		t.Error("second Resolve should return the existing session, not create a new one")
	}
}

func TestResolveRejectsEmptyKey(t *testing.T) {
	m := NewManager(newFakeSessionStore())
	if _, err := m.Resolve("", models.PlatformWebchat); err != models.ErrEmptySessionKey {
		t.Errorf("expected ErrEmptySessionKey, got %v", err)
	}
}

func TestIsDuplicateWithinBucket(t *testing.T) {
	m := NewManager(newFakeSessionStore())
	sess := &models.Session{Key: "webchat:u1"}
	at := time.Unix(1_700_000_000, 0)

	if m.IsDuplicate(sess, "hello there", at) {
		t.Fatal("first delivery flagged as duplicate")
	}
	if !m.IsDuplicate(sess, "hello there", at.Add(2*time.Second)) {
		t.Error("identical message in same bucket not flagged")
	}
	if m.IsDuplicate(sess, "different message", at.Add(2*time.Second)) {
		t.Error("different message flagged as duplicate")
	}
}

func TestIsDuplicateNormalizesText(t *testing.T) {
	m := NewManager(newFakeSessionStore())
	sess := &models.Session{Key: "webchat:u1"}
	at := time.Unix(1_700_000_000, 0)

	m.IsDuplicate(sess, "Hello,   there!", at)
	if !m.IsDuplicate(sess, "hello there", at.Add(time.Second)) {
		t.Error("normalization should make punctuation variants collide")
	}
}

func TestIsDuplicateExpiresAcrossBuckets(t *testing.T) {
	m := NewManager(newFakeSessionStore())
	sess := &models.Session{Key: "webchat:u1"}
	at := time.Unix(1_700_000_000, 0)

	m.IsDuplicate(sess, "hello", at)
	if m.IsDuplicate(sess, "hello", at.Add(30*time.Second)) {
		t.Error("message in a later bucket should not be a duplicate")
	}
	if len(sess.Dedup) != 1 {
		t.Errorf("stale fingerprints should be evicted, have %d", len(sess.Dedup))
	}
}

func TestDetectControlCommand(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"restart", true},
		{"  Restart!  ", true},
		{"START OVER", true},
		{"cancel", true},
		{"cancel my order", false},
		{"please restart the flow", false},
		{"hello", false},
	}
	for _, c := range cases {
		cmd, ok := DetectControlCommand(c.text)
		if ok != c.want {
			t.Errorf("DetectControlCommand(%q) = %v, want %v", c.text, ok, c.want)
		}
		if ok && cmd != CommandRestart {
			t.Errorf("DetectControlCommand(%q) returned command %q", c.text, cmd)
		}
	}
}

func TestLockSerializesSameKey(t *testing.T) {
	m := NewManager(newFakeSessionStore())

	unlock := m.Lock("webchat:u1")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("webchat:u1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestLockEvictsIdleEntries(t *testing.T) {
	m := NewManager(newFakeSessionStore())

	for _, key := range []string{"webchat:u1", "webchat:u2", "whatsapp:+15551234567"} {
		unlock := m.Lock(key)
		unlock()
	}

	m.mu.Lock()
	entries := len(m.locks)
	m.mu.Unlock()
	if entries != 0 {
		t.Errorf("released locks should be evicted, %d entries remain", entries)
	}
}

func TestLockKeepsEntryWhileWaiterQueued(t *testing.T) {
	m := NewManager(newFakeSessionStore())

	unlock := m.Lock("webchat:u1")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("webchat:u1")
		u()
		close(acquired)
	}()

	// Wait until the second caller is queued on the key.
	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		l, ok := m.locks["webchat:u1"]
		queued := ok && l.refs == 2
		m.mu.Unlock()
		if queued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second caller never queued on the lock entry")
		}
		time.Sleep(time.Millisecond)
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("queued caller never acquired the lock")
	}

	m.mu.Lock()
	entries := len(m.locks)
	m.mu.Unlock()
	if entries != 0 {
		t.Errorf("entry should be evicted after the last holder releases, %d remain", entries)
	}
}

func TestLockDistinctKeysDoNotContend(t *testing.T) {
	m := NewManager(newFakeSessionStore())
	unlock := m.Lock("webchat:u1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := m.Lock("webchat:u2")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different key blocked")
	}
}
