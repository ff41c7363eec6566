package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/gonka-ai/gateway/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", codeBadRequest))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, gateway.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse("not found", codeBadRequest))
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError,
		errorResponse("internal error", codeInternalError))
}

// parseSince resolves the optional since_hours query parameter to a lower
// time bound. Zero means unbounded.
func parseSince(r *http.Request) time.Time {
	hours, _ := strconv.Atoi(r.URL.Query().Get("since_hours"))
	if hours <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
}

// requireLedger writes 503 when the usage ledger is not configured.
func (s *server) requireLedger(w http.ResponseWriter) bool {
	if s.deps.Ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse("usage ledger unavailable", codeBackendUnavailable))
		return false
	}
	return true
}

// --- Usage queries ---

func (s *server) handleGlobalUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	g, err := s.deps.Ledger.Global(r.Context(), parseSince(r))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type keyUsageResponse struct {
	Key string `json:"key"`
	gateway.UsageSummary
	ByModel []gateway.ModelBreakdown `json:"by_model"`
}

func (s *server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	key := chi.URLParam(r, "key")
	since := parseSince(r)

	sum, err := s.deps.Ledger.SummaryByKey(r.Context(), key, since)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	byModel, err := s.deps.Ledger.BreakdownByKey(r.Context(), key, since)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	masked := (&gateway.Principal{Key: key}).MaskedKey()
	writeJSON(w, http.StatusOK, keyUsageResponse{
		Key:          masked,
		UsageSummary: sum,
		ByModel:      byModel,
	})
}

type modelUsageResponse struct {
	Model string `json:"model"`
	gateway.ModelUsage
}

func (s *server) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	model := chi.URLParam(r, "model")
	mu, err := s.deps.Ledger.SummaryByModel(r.Context(), model, parseSince(r))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, modelUsageResponse{Model: model, ModelUsage: mu})
}

type sessionUsageResponse struct {
	SessionID string `json:"session_id"`
	gateway.SessionUsage
}

func (s *server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	id := chi.URLParam(r, "id")
	su, err := s.deps.Ledger.SummaryBySession(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionUsageResponse{SessionID: id, SessionUsage: su})
}

// --- Key management ---

type keyInfo struct {
	Key       string  `json:"key"` // masked
	Owner     string  `json:"owner"`
	Tier      string  `json:"tier"`
	RPMLimit  int     `json:"rpm_limit"`
	TPMLimit  int     `json:"tpm_limit"`
	CreatedAt float64 `json:"created_at"`
	Active    bool    `json:"active"`
}

func (s *server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	principals := s.deps.Auth.List()
	out := make([]keyInfo, len(principals))
	for i, p := range principals {
		out[i] = keyInfo{
			Key:       p.MaskedKey(),
			Owner:     p.Owner,
			Tier:      p.Tier,
			RPMLimit:  p.RPMLimit,
			TPMLimit:  p.TPMLimit,
			CreatedAt: p.CreatedAt,
			Active:    p.Active,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

type createKeyRequest struct {
	Key      string `json:"key"`
	Owner    string `json:"owner"`
	Tier     string `json:"tier"`
	RPMLimit int    `json:"rpm_limit"`
	TPMLimit int    `json:"tpm_limit"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key := req.Key
	if key == "" {
		key = newAPIKey()
	}
	if req.Tier == "" {
		req.Tier = "standard"
	}
	if req.RPMLimit <= 0 {
		req.RPMLimit = s.deps.DefaultRPM
	}
	if req.TPMLimit <= 0 {
		req.TPMLimit = s.deps.DefaultTPM
	}

	p, err := s.deps.Auth.Add(&gateway.Principal{
		Key:      key,
		Owner:    req.Owner,
		Tier:     req.Tier,
		RPMLimit: req.RPMLimit,
		TPMLimit: req.TPMLimit,
		Active:   true,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	// The only response that ever carries the raw key.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       p.Key,
		"owner":     p.Owner,
		"tier":      p.Tier,
		"rpm_limit": p.RPMLimit,
		"tpm_limit": p.TPMLimit,
	})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Revoke(chi.URLParam(r, "key")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newAPIKey generates a fresh "gk-" key with 192 bits of entropy.
func newAPIKey() string {
	var buf [24]byte
	rand.Read(buf[:])
	return "gk-" + hex.EncodeToString(buf[:])
}

// --- Sessions ---

type sessionInfo struct {
	SessionID    string    `json:"session_id"`
	Key          string    `json:"api_key"` // masked
	Messages     int       `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.List(r.URL.Query().Get("api_key"))
	out := make([]sessionInfo, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionInfo{
			SessionID:    sess.ID,
			Key:          (&gateway.Principal{Key: sess.Key}).MaskedKey(),
			Messages:     len(sess.Messages),
			CreatedAt:    sess.CreatedAt,
			LastAccessed: sess.LastAccessed,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Sessions.Delete(chi.URLParam(r, "id")) {
		writeAdminError(w, r, gateway.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSessionCleanup(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.deps.Sessions.CleanupExpired()})
}

// --- Catalog ---

func (s *server) handleModelsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Reload(); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Tiering != nil {
		if err := s.deps.Tiering.Reload(); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"models": s.deps.Registry.Count()})
}

type tieringRuleInfo struct {
	Tier    string `json:"tier"`
	Pattern string `json:"pattern"`
	Model   string `json:"model,omitempty"`
}

func (s *server) handleTieringInfo(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tiering == nil {
		writeJSON(w, http.StatusOK, map[string]any{"models": map[string]string{}, "rules": []tieringRuleInfo{}})
		return
	}
	rules := s.deps.Tiering.Rules()
	out := make([]tieringRuleInfo, len(rules))
	for i, rule := range rules {
		out[i] = tieringRuleInfo{Tier: rule.Tier, Pattern: rule.Pattern(), Model: rule.Model}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.deps.Tiering.Models(),
		"rules":  out,
	})
}
