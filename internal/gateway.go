// Package gateway defines domain types for the Gonka inference gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Chat wire types ---

// Message roles accepted on the OpenAI-compatible surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message. Content is kept raw so that string and
// structured (multimodal) payloads round-trip unchanged through the gateway.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Usage represents token usage statistics as reported by an upstream backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Principals ---

// Principal is an authenticated identity carrying quota limits.
// The key itself is the opaque bearer token a client presents.
type Principal struct {
	Key       string  `json:"key"`
	Owner     string  `json:"owner"`
	Tier      string  `json:"tier"` // "free", "standard", "premium"; informational only
	RPMLimit  int     `json:"rpm_limit"`
	TPMLimit  int     `json:"tpm_limit"`
	CreatedAt float64 `json:"created_at"` // unix seconds, matches the keys-file format
	Active    bool    `json:"active"`
}

// MaskedKey returns the key with its middle bytes elided for display.
func (p *Principal) MaskedKey() string {
	if len(p.Key) < 12 {
		return "..."
	}
	return p.Key[:8] + "..." + p.Key[len(p.Key)-4:]
}

// --- Model catalog ---

// ModelBackend describes one upstream chat-completion backend behind a
// public model name.
type ModelBackend struct {
	Name          string             `json:"name"`
	DisplayName   string             `json:"display_name"`
	Provider      string             `json:"provider"`
	ModelID       string             `json:"model_id"` // identifier the backend expects
	Tier          string             `json:"tier"`
	BackendURL    string             `json:"backend_url"`
	Capabilities  []string           `json:"capabilities"`
	ContextLength int                `json:"context_length"`
	Pricing       map[string]float64 `json:"pricing,omitempty"`
}

// --- Usage ledger ---

// UsageRecord is a single metered API call. Appended once per completed
// call and never mutated.
type UsageRecord struct {
	ID           string    `json:"id"`
	Key          string    `json:"api_key"`
	Model        string    `json:"model"` // public model name
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	LatencyMs    float64   `json:"latency_ms"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary is the aggregate shape shared by the ledger queries.
// All fields are zero (never null) over an empty slice.
type UsageSummary struct {
	RequestCount int64   `json:"request_count"`
	InputTokens  int64   `json:"total_input"`
	OutputTokens int64   `json:"total_output"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ModelUsage is the per-model aggregate (no input/output split).
type ModelUsage struct {
	RequestCount int64   `json:"request_count"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SessionUsage extends the shared aggregate with the session's time bounds.
type SessionUsage struct {
	UsageSummary
	FirstRequest time.Time `json:"first_request"`
	LastRequest  time.Time `json:"last_request"`
}

// ModelBreakdown is one row of a per-key, grouped-by-model breakdown.
type ModelBreakdown struct {
	Model string `json:"model"`
	UsageSummary
}

// GlobalUsage is the gateway-wide aggregate.
type GlobalUsage struct {
	RequestCount int64   `json:"total_requests"`
	ActiveKeys   int64   `json:"active_keys"`
	ActiveModels int64   `json:"active_models"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from ctx, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
