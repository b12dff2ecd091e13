// Package session owns the per-user×channel conversational identity: lookup
// and lazy creation, inbound deduplication, control-command detection, and the
// per-session serialization locks that keep concurrent webhook deliveries from
// interleaving inside one conversation.
package session

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/util"
)

// DefaultDedupWindow is the width of one deduplication time bucket. Two
// identical messages from the same session inside one bucket are treated as a
// transport-level redelivery.
const DefaultDedupWindow = 5 * time.Second

// Command is a recognized out-of-band control phrase.
type Command string

// CommandRestart abandons the active run, if any, and returns the session to a
// fresh conversational state. It is matched before any classifier or flow sees
// the message so a stuck flow can always be escaped.
const CommandRestart Command = "restart"

// restartPhrases are matched against the normalized full message text.
// Substring matches are deliberately not command matches: "cancel my order"
// is an intent, not a control phrase.
var restartPhrases = map[string]Command{
	"restart":    CommandRestart,
	"reset":      CommandRestart,
	"start over": CommandRestart,
	"cancel":     CommandRestart,
	"stop":       CommandRestart,
	"nevermind":  CommandRestart,
	"never mind": CommandRestart,
}

// SessionStore is the persistence seam for sessions.
type SessionStore interface {
	GetSession(key string) (*models.Session, error)
	SaveSession(sess models.Session) error
}

// Opts holds the session manager configuration options.
type Opts struct {
	DedupWindow time.Duration
}

// Option configures the session manager.
type Option func(*Opts)

// WithDedupWindow overrides the deduplication bucket width.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// keyedLock is one session's serialization lock plus the count of holders and
// waiters, so idle entries can be evicted from the lock map.
type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Manager resolves sessions and serializes turns per session key.
type Manager struct {
	store  SessionStore
	window time.Duration

	mu    sync.Mutex
	locks map[string]*keyedLock
}

// NewManager creates a session manager backed by the given store.
func NewManager(store SessionStore, opts ...Option) *Manager {
	cfg := Opts{DedupWindow: DefaultDedupWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:  store,
		window: cfg.DedupWindow,
		locks:  make(map[string]*keyedLock),
	}
}

// Resolve returns the session for a key, creating it on first contact.
// Creation is a pure identity operation: no classifier or flow runs here.
func (m *Manager) Resolve(key string, platform models.Platform) (*models.Session, error) {
	if key == "" {
		return nil, models.ErrEmptySessionKey
	}
	sess, err := m.store.GetSession(key)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	now := time.Now()
	sess = &models.Session{
		Key:       key,
		Platform:  platform,
		Module:    models.ModuleGeneral,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveSession(*sess); err != nil {
		return nil, err
	}
	slog.Info("SessionManager created session", "key", key, "platform", platform)
	return sess, nil
}

// Save persists the session with a refreshed UpdatedAt.
func (m *Manager) Save(sess *models.Session) error {
	sess.UpdatedAt = time.Now()
	return m.store.SaveSession(*sess)
}

// IsDuplicate reports whether the message text was already seen for this
// session in the current time bucket, recording the fingerprint when it was
// not. Stale fingerprints are evicted as a side effect. The caller persists
// the session afterwards.
//
// Bucketing means a redelivery straddling a bucket boundary slips through;
// that trade is accepted to keep the fingerprint set tiny and self-pruning.
func (m *Manager) IsDuplicate(sess *models.Session, text string, at time.Time) bool {
	width := int64(m.window / time.Second)
	if width < 1 {
		width = 1
	}
	bucket := at.Unix() - at.Unix()%width
	hash := util.Fingerprint(sess.Key, util.NormalizeText(text), strconv.FormatInt(bucket, 10))

	kept := sess.Dedup[:0]
	seen := false
	for _, fp := range sess.Dedup {
		if fp.Bucket < bucket-width {
			continue
		}
		if fp.Hash == hash {
			seen = true
		}
		kept = append(kept, fp)
	}
	sess.Dedup = kept
	if seen {
		slog.Debug("SessionManager dropped duplicate message", "key", sess.Key, "bucket", bucket)
		return true
	}
	sess.Dedup = append(sess.Dedup, models.DedupFingerprint{Hash: hash, Bucket: bucket})
	return false
}

// DetectControlCommand checks whether the message is a control phrase. Only an
// exact match of the normalized full text counts.
func DetectControlCommand(text string) (Command, bool) {
	cmd, ok := restartPhrases[util.NormalizeText(text)]
	return cmd, ok
}

// Lock acquires the serialization lock for a session key and returns the
// unlock function. Turns for the same session queue here in arrival order;
// distinct sessions never contend. The last holder's unlock evicts the map
// entry so the lock table stays bounded by in-flight sessions.
func (m *Manager) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
