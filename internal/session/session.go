// Package session keeps durable multi-turn conversation state keyed by a
// client-chosen session ID.
package session

import (
	"maps"
	"sync"
	"time"

	gateway "github.com/gonka-ai/gateway/internal"
)

// Session is one conversation's stored state. Messages hold the canonical
// history; Metadata is free-form and carried for the admin surface.
type Session struct {
	ID           string            `json:"session_id"`
	Key          string            `json:"api_key"`
	Messages     []gateway.Message `json:"messages"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store is an in-memory session table with TTL expiry and bounded history.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl        time.Duration
	maxHistory int

	now func() time.Time // test hook
}

// NewStore creates a Store. Sessions idle longer than ttl are expired;
// histories are truncated to maxHistory messages on append.
func NewStore(ttl time.Duration, maxHistory int) *Store {
	return &Store{
		sessions:   make(map[string]*Session),
		ttl:        ttl,
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

func (s *Store) expiredLocked(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastAccessed) >= s.ttl
}

// GetOrCreate returns the session with the given ID, creating it if absent or
// expired. The access time is refreshed either way.
func (s *Store) GetOrCreate(id, key string) *Session {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess, now) {
		sess = &Session{
			ID:        id,
			Key:       key,
			CreatedAt: now,
			Metadata:  map[string]string{},
		}
		s.sessions[id] = sess
	}
	sess.LastAccessed = now
	return s.snapshotLocked(sess)
}

// Get returns a session, or nil when unknown or expired. Expired sessions are
// removed on the spot. Does not refresh the access time.
func (s *Store) Get(id string) *Session {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.expiredLocked(sess, now) {
		delete(s.sessions, id)
		return nil
	}
	return s.snapshotLocked(sess)
}

// Append adds messages to a session's history and truncates it to the
// configured bound. Unknown or expired sessions make Append a no-op.
func (s *Store) Append(id string, msgs ...gateway.Message) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess, now) {
		return
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.Messages = truncate(sess.Messages, s.maxHistory)
	sess.LastAccessed = now
}

// Delete removes a session. Returns false when the session did not exist.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// CleanupExpired removes every expired session and reports how many went.
func (s *Store) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expiredLocked(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// List returns snapshots of live sessions, optionally filtered by API key.
// Expired sessions are skipped but left for CleanupExpired to collect.
func (s *Store) List(key string) []*Session {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if s.expiredLocked(sess, now) {
			continue
		}
		if key != "" && sess.Key != key {
			continue
		}
		out = append(out, s.snapshotLocked(sess))
	}
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !s.expiredLocked(sess, now) {
			n++
		}
	}
	return n
}

// snapshotLocked copies a session so callers can read it without holding the
// store lock. Message values are shared; they are never mutated in place.
func (s *Store) snapshotLocked(sess *Session) *Session {
	cp := *sess
	cp.Messages = append([]gateway.Message(nil), sess.Messages...)
	cp.Metadata = maps.Clone(sess.Metadata)
	return &cp
}

// truncate bounds a history to max messages, keeping all system messages and
// the most recent non-system messages, preserving relative order.
func truncate(msgs []gateway.Message, max int) []gateway.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}

	systemCount := 0
	for _, m := range msgs {
		if m.Role == gateway.RoleSystem {
			systemCount++
		}
	}
	keepNonSystem := max - systemCount
	if keepNonSystem < 0 {
		keepNonSystem = 0
	}

	nonSystemTotal := len(msgs) - systemCount
	drop := nonSystemTotal - keepNonSystem

	out := make([]gateway.Message, 0, max)
	for _, m := range msgs {
		if m.Role != gateway.RoleSystem && drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

// MergeHistory builds the upstream message list for a request carrying a
// session: the incoming request's system messages first, then the stored
// non-system history, then the incoming non-system messages. An empty history
// returns the incoming slice unchanged.
func MergeHistory(history, incoming []gateway.Message) []gateway.Message {
	if len(history) == 0 {
		return incoming
	}

	merged := make([]gateway.Message, 0, len(history)+len(incoming))
	for _, m := range incoming {
		if m.Role == gateway.RoleSystem {
			merged = append(merged, m)
		}
	}
	for _, m := range history {
		if m.Role != gateway.RoleSystem {
			merged = append(merged, m)
		}
	}
	for _, m := range incoming {
		if m.Role != gateway.RoleSystem {
			merged = append(merged, m)
		}
	}
	return merged
}
