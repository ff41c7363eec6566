// Package auth implements API key authentication for the Gonka gateway.
// Keys live in a JSON file on disk and validated lookups are cached in a
// W-TinyLFU cache.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/maypok86/otter/v2"

	gateway "github.com/gonka-ai/gateway/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// keysFile is the on-disk persistence format, shared with the original
// deployment's key files.
type keysFile struct {
	Keys []*gateway.Principal `json:"keys"`
}

// Store holds API keys, persisted as a JSON file. All mutations rewrite the
// file atomically; an empty path keeps the store in-memory only.
type Store struct {
	path string

	mu   sync.RWMutex
	keys map[string]*gateway.Principal

	cache *otter.Cache[string, *gateway.Principal]
}

// NewStore loads keys from path if it exists. A missing file starts an empty
// store; a present but unreadable file is an error.
func NewStore(path string) (*Store, error) {
	cache, err := otter.New(&otter.Options[string, *gateway.Principal]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Principal](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}

	s := &Store{
		path:  path,
		keys:  make(map[string]*gateway.Principal),
		cache: cache,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read keys file: %w", err)
	}

	var file keysFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	for _, p := range file.Keys {
		if p.Key != "" {
			s.keys[p.Key] = p
		}
	}
	return s, nil
}

// Validate checks a raw bearer key and returns its principal. Revoked and
// unknown keys both return ErrUnauthorized so callers cannot distinguish them.
func (s *Store) Validate(key string) (*gateway.Principal, error) {
	if key == "" {
		return nil, gateway.ErrUnauthorized
	}

	if p, ok := s.cache.GetIfPresent(key); ok {
		if !p.Active {
			return nil, gateway.ErrUnauthorized
		}
		return p, nil
	}

	s.mu.RLock()
	p, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok || !p.Active {
		return nil, gateway.ErrUnauthorized
	}

	s.cache.Set(key, p)
	return p, nil
}

// Add registers a key. An existing key is replaced, so re-provisioning with
// new limits takes effect; the original creation time is kept.
func (s *Store) Add(p *gateway.Principal) (*gateway.Principal, error) {
	if p.Key == "" {
		return nil, gateway.ErrBadRequest
	}

	s.mu.Lock()
	if p.CreatedAt == 0 {
		if existing, ok := s.keys[p.Key]; ok {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = float64(time.Now().UnixNano()) / float64(time.Second)
		}
	}
	s.keys[p.Key] = p
	err := s.persistLocked()
	s.mu.Unlock()

	s.cache.Invalidate(p.Key)
	return p, err
}

// Revoke deactivates a key. The key record is kept so usage history stays
// attributable. Returns ErrNotFound for unknown keys.
func (s *Store) Revoke(key string) error {
	s.mu.Lock()
	p, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return gateway.ErrNotFound
	}
	p.Active = false
	err := s.persistLocked()
	s.mu.Unlock()

	s.cache.Invalidate(key)
	return err
}

// List returns all principals sorted by creation time. Callers must mask the
// Key field before exposing it.
func (s *Store) List() []*gateway.Principal {
	s.mu.RLock()
	out := make([]*gateway.Principal, 0, len(s.keys))
	for _, p := range s.keys {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// KeyCount returns the number of active keys.
func (s *Store) KeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.keys {
		if p.Active {
			n++
		}
	}
	return n
}

// persistLocked writes the keys file atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	file := keysFile{Keys: make([]*gateway.Principal, 0, len(s.keys))}
	for _, p := range s.keys {
		file.Keys = append(file.Keys, p)
	}
	sort.Slice(file.Keys, func(i, j int) bool { return file.Keys[i].CreatedAt < file.Keys[j].CreatedAt })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keys file: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	return nil
}

// ExtractBearer pulls the bearer token out of an Authorization header.
// Returns "" when the header is absent or not a Bearer scheme.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		return ""
	}
	return token
}
