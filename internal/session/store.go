// Package session owns all per-user conversation state. Nothing outside
// this package retains a Session between calls; every operation looks the
// session up (or creates it) under lock and mutates it in place.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

// Session is the per-user state bundle: selected model, bounded history,
// and an optional attachment waiting for dispatch.
type Session struct {
	Model             string
	History           []domain.Message
	PendingAttachment *domain.Attachment
}

// entry wraps a session with two locks: state guards the fields, pipeline
// serializes whole message pipelines so at most one dispatch per user is
// in flight at a time.
type entry struct {
	state    sync.Mutex
	pipeline sync.Mutex
	sess     Session
}

// Store maps user keys (channel:senderID) to sessions. Sessions are
// created lazily on first contact and live for the process lifetime.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	defaultModel     string
	maxContextLength int
	validModel       func(id string) bool
	logger           *slog.Logger
}

type StoreConfig struct {
	DefaultModel     string
	MaxContextLength int
	// ValidModel reports whether a model id is registered. Injected so the
	// store does not depend on the registry package.
	ValidModel func(id string) bool
	Logger     *slog.Logger
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		sessions:         make(map[string]*entry),
		defaultModel:     cfg.DefaultModel,
		maxContextLength: cfg.MaxContextLength,
		validModel:       cfg.ValidModel,
		logger:           cfg.Logger,
	}
}

func (s *Store) entryFor(userKey string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[userKey]
	if !ok {
		e = &entry{sess: Session{Model: s.defaultModel}}
		s.sessions[userKey] = e
		s.logger.Debug("session created", "user", userKey, "model", s.defaultModel)
	}
	return e
}

// GetOrCreate returns a snapshot of the user's session, creating it with
// the default model and empty history if absent.
func (s *Store) GetOrCreate(userKey string) Session {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	return snapshot(&e.sess)
}

// Append adds a message and then evicts oldest entries until the history
// fits the size budget again. It never fails; the session is created if
// absent.
func (s *Store) Append(userKey, role, content string) {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()

	e.sess.History = append(e.sess.History, domain.Message{Role: role, Content: content})
	s.truncate(&e.sess)
}

// truncate drops the oldest turns while the total content size exceeds the
// budget. A single remaining entry is exempt: it stays even when it alone
// is over budget, since there is nothing older to evict. Eviction counts
// are size-based, so a dangling assistant-only prefix can remain; that is
// accepted behavior.
func (s *Store) truncate(sess *Session) {
	for len(sess.History) > 1 && historySize(sess.History) > s.maxContextLength {
		sess.History = sess.History[1:]
	}
}

func historySize(history []domain.Message) int {
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	return total
}

// SetModel switches the user's selected model. An unregistered id returns
// domain.ErrUnknownModel and leaves the session untouched. A successful
// switch keeps the conversation history.
func (s *Store) SetModel(userKey, modelID string) error {
	if s.validModel != nil && !s.validModel(modelID) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownModel, modelID)
	}
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	e.sess.Model = modelID
	s.logger.Info("model selected", "user", userKey, "model", modelID)
	return nil
}

// ClearHistory empties the history in place. Model choice and any pending
// attachment are untouched.
func (s *Store) ClearHistory(userKey string) {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	e.sess.History = nil
	s.logger.Info("history cleared", "user", userKey)
}

// History returns a copy of the user's history.
func (s *Store) History(userKey string) []domain.Message {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	return copyHistory(e.sess.History)
}

// Model returns the user's selected model id.
func (s *Store) Model(userKey string) string {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	return e.sess.Model
}

// SetPendingAttachment parks a downloaded attachment on the session until
// dispatch picks it up.
func (s *Store) SetPendingAttachment(userKey string, att *domain.Attachment) {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	e.sess.PendingAttachment = att
}

// TakePendingAttachment returns the pending attachment and clears the
// slot.
func (s *Store) TakePendingAttachment(userKey string) *domain.Attachment {
	e := s.entryFor(userKey)
	e.state.Lock()
	defer e.state.Unlock()
	att := e.sess.PendingAttachment
	e.sess.PendingAttachment = nil
	return att
}

// Acquire takes the user's pipeline lock, serializing concurrent events
// for the same user while events for different users run in parallel.
// The returned func releases the lock.
func (s *Store) Acquire(userKey string) (release func()) {
	e := s.entryFor(userKey)
	e.pipeline.Lock()
	return e.pipeline.Unlock
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func snapshot(sess *Session) Session {
	return Session{
		Model:             sess.Model,
		History:           copyHistory(sess.History),
		PendingAttachment: sess.PendingAttachment,
	}
}

func copyHistory(history []domain.Message) []domain.Message {
	if len(history) == 0 {
		return nil
	}
	out := make([]domain.Message, len(history))
	copy(out, history)
	return out
}
