package auth

import (
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	gateway "github.com/gonka-ai/gateway/internal"
)

func newPrincipal(key string) *gateway.Principal {
	return &gateway.Principal{
		Key:      key,
		Owner:    "test",
		Tier:     "standard",
		RPMLimit: 60,
		TPMLimit: 100_000,
		Active:   true,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	s, err := NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(newPrincipal("gk-test-key-000001")); err != nil {
		t.Fatal(err)
	}

	p, err := s.Validate("gk-test-key-000001")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Owner != "test" {
		t.Errorf("Owner = %q", p.Owner)
	}

	if _, err := s.Validate("gk-unknown"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("unknown key err = %v", err)
	}
	if _, err := s.Validate(""); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("empty key err = %v", err)
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	s, err := NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(newPrincipal("gk-revoke-me-0001")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate("gk-revoke-me-0001"); err != nil {
		t.Fatal(err)
	}

	if err := s.Revoke("gk-revoke-me-0001"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.Validate("gk-revoke-me-0001"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("revoked key err = %v, want ErrUnauthorized", err)
	}
	if err := s.Revoke("gk-no-such-key"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Revoke unknown err = %v", err)
	}

	// Revoked keys stay listed for usage attribution.
	if got := len(s.List()); got != 1 {
		t.Errorf("List len = %d", got)
	}
	if got := s.KeyCount(); got != 0 {
		t.Errorf("KeyCount = %d, want 0 active", got)
	}
}

func TestAddReplacesExistingKey(t *testing.T) {
	t.Parallel()

	s, err := NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Add(newPrincipal("gk-same-key-00001"))
	if err != nil {
		t.Fatal(err)
	}

	repl := newPrincipal("gk-same-key-00001")
	repl.RPMLimit = 500
	repl.TPMLimit = 5_000_000
	if _, err := s.Add(repl); err != nil {
		t.Fatal(err)
	}

	p, err := s.Validate("gk-same-key-00001")
	if err != nil {
		t.Fatal(err)
	}
	if p.RPMLimit != 500 || p.TPMLimit != 5_000_000 {
		t.Errorf("limits after re-add = %d/%d, want 500/5000000", p.RPMLimit, p.TPMLimit)
	}
	// Replacement keeps the original creation time.
	if p.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, first.CreatedAt)
	}
	if len(s.List()) != 1 {
		t.Errorf("List len = %d", len(s.List()))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(newPrincipal("gk-persist-00001")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(newPrincipal("gk-persist-00002")); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke("gk-persist-00002"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := reloaded.Validate("gk-persist-00001"); err != nil {
		t.Errorf("active key after reload: %v", err)
	}
	if _, err := reloaded.Validate("gk-persist-00002"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("revoked key after reload: %v", err)
	}
}

func TestMaskedKey(t *testing.T) {
	t.Parallel()

	p := newPrincipal("gk-abcdefgh-ijklmnop-qrst")
	if got, want := p.MaskedKey(), "gk-abcde...qrst"; got != want {
		t.Errorf("MaskedKey = %q, want %q", got, want)
	}
	short := newPrincipal("gk-tiny")
	if got := short.MaskedKey(); got != "..." {
		t.Errorf("short MaskedKey = %q", got)
	}
}

func TestExtractBearer(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	if got := ExtractBearer(r); got != "" {
		t.Errorf("no header: %q", got)
	}
	r.Header.Set("Authorization", "Bearer gk-token-1")
	if got := ExtractBearer(r); got != "gk-token-1" {
		t.Errorf("bearer: %q", got)
	}
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := ExtractBearer(r); got != "" {
		t.Errorf("basic scheme: %q", got)
	}
}
