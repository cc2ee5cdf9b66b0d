// Package store provides storage backends for PromptRelay.
//
// It includes the in-memory dialogue state store that owns every user's Session
// and the inbound message deduplication repository.
package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Default limits for session bookkeeping
const (
	// DefaultHistoryLimit is the number of user utterances kept per session.
	DefaultHistoryLimit = 10
	// DefaultRecentResponsesLimit is the number of bot replies kept for repetition checks.
	DefaultRecentResponsesLimit = 5
)

// Opts holds configuration options for the session store.
type Opts struct {
	HistoryLimit         int
	RecentResponsesLimit int
}

// Option defines a configuration option for the session store.
type Option func(*Opts)

// WithHistoryLimit sets the maximum number of user utterances kept per session.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithRecentResponsesLimit sets the maximum number of bot replies kept per session.
func WithRecentResponsesLimit(n int) Option {
	return func(o *Opts) { o.RecentResponsesLimit = n }
}

// SessionStore is an in-memory dialogue state store with per-session locking.
//
// The map itself is guarded by mu; each Session is guarded by its own entry lock,
// which callers hold through Lock for the whole duration of a turn.
type SessionStore struct {
	mu                   sync.RWMutex
	entries              map[string]*sessionEntry
	historyLimit         int
	recentResponsesLimit int
	now                  func() time.Time
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore(opts ...Option) *SessionStore {
	cfg := Opts{
		HistoryLimit:         DefaultHistoryLimit,
		RecentResponsesLimit: DefaultRecentResponsesLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		slog.Warn("NewSessionStore: invalid history limit, using default", "limit", cfg.HistoryLimit, "default", DefaultHistoryLimit)
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.RecentResponsesLimit <= 0 {
		cfg.RecentResponsesLimit = DefaultRecentResponsesLimit
	}
	slog.Debug("NewSessionStore created", "history_limit", cfg.HistoryLimit, "recent_responses_limit", cfg.RecentResponsesLimit)
	return &SessionStore{
		entries:              make(map[string]*sessionEntry),
		historyLimit:         cfg.HistoryLimit,
		recentResponsesLimit: cfg.RecentResponsesLimit,
		now:                  time.Now,
	}
}

// HistoryLimit returns N, the bound on each session's message history.
func (s *SessionStore) HistoryLimit() int {
	return s.historyLimit
}

func (s *SessionStore) entry(userID string) *sessionEntry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[userID]; ok {
		return e
	}
	now := s.now()
	e = &sessionEntry{session: &models.Session{
		UserID:    userID,
		Mode:      models.ModeUnset,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.entries[userID] = e
	slog.Debug("SessionStore created session", "user_id", userID)
	return e
}

// Lock acquires the per-session lock for userID, creating the session if needed.
// The returned function releases it.
func (s *SessionStore) Lock(userID string) (unlock func()) {
	e := s.entry(userID)
	e.mu.Lock()
	return e.mu.Unlock
}

// GetOrCreate returns the session for userID, creating one with default fields
// on first use. Callers mutate the returned session only while holding Lock.
func (s *SessionStore) GetOrCreate(userID string) *models.Session {
	return s.entry(userID).session
}

// AppendMessage appends text to the session history and evicts the oldest
// entries beyond the history limit.
func (s *SessionStore) AppendMessage(session *models.Session, text string) {
	session.MessageHistory = append(session.MessageHistory, text)
	if over := len(session.MessageHistory) - s.historyLimit; over > 0 {
		session.MessageHistory = append([]string(nil), session.MessageHistory[over:]...)
	}
	session.UpdatedAt = s.now()
}

// SetMode assigns the session mode. Transition legality is the caller's concern.
func (s *SessionStore) SetMode(session *models.Session, mode models.Mode) {
	if session.Mode != mode {
		slog.Debug("SessionStore mode change", "user_id", session.UserID, "from", session.Mode, "to", mode)
	}
	session.Mode = mode
	session.UpdatedAt = s.now()
}

// SetAuthenticated marks the session as having passed the passcode gate.
func (s *SessionStore) SetAuthenticated(session *models.Session, authenticated bool) {
	session.Authenticated = authenticated
	session.UpdatedAt = s.now()
}

// RecordImageDescription stores the latest model description of a user image.
func (s *SessionStore) RecordImageDescription(session *models.Session, text string) {
	session.LastImageDescription = text
	session.UpdatedAt = s.now()
}

// RecordResponse appends a bot reply to the bounded recent responses list.
// Blank replies are never recorded.
func (s *SessionStore) RecordResponse(session *models.Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	session.RecentResponses = append(session.RecentResponses, text)
	if over := len(session.RecentResponses) - s.recentResponsesLimit; over > 0 {
		session.RecentResponses = append([]string(nil), session.RecentResponses[over:]...)
	}
	session.UpdatedAt = s.now()
}

// Snapshot returns a copy of the session for userID without creating one.
func (s *SessionStore) Snapshot(userID string) (models.Session, bool) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// Count returns the number of sessions currently held.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
