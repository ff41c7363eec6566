package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/auth"
	"github.com/gonka-ai/gateway/internal/ratelimit"
	"github.com/gonka-ai/gateway/internal/registry"
	"github.com/gonka-ai/gateway/internal/session"
	"github.com/gonka-ai/gateway/internal/tiering"
	"github.com/gonka-ai/gateway/internal/upstream"
)

const testKey = "gk-test-key-0000000001"

type captureUsage struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (c *captureUsage) Record(r gateway.UsageRecord) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

func (c *captureUsage) last(t *testing.T) gateway.UsageRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no usage recorded")
	}
	return c.records[len(c.records)-1]
}

type testEnv struct {
	handler  http.Handler
	usage    *captureUsage
	sessions *session.Store
	limiter  *ratelimit.Limiter
	auth     *auth.Store
}

// newTestEnv wires a gateway over the given fake backend. The catalog has
// two models, both pointing at backendURL.
func newTestEnv(t *testing.T, backendURL string) *testEnv {
	t.Helper()

	catalog := fmt.Sprintf(`models:
  qwen-7b:
    model_id: Qwen/Qwen2.5-7B-Instruct
    backend_url: %s
  llama-70b:
    model_id: meta-llama/Llama-3.3-70B-Instruct
    tier: premium
    backend_url: %s
tiering:
  reasoning_model: llama-70b
  rules:
    - tier: reasoning
      pattern: 'step by step'
`, backendURL, backendURL)

	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(path)
	if err := reg.Reload(); err != nil {
		t.Fatal(err)
	}
	router := tiering.New(path)
	if err := router.Reload(); err != nil {
		t.Fatal(err)
	}

	keys, err := auth.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.Add(&gateway.Principal{
		Key: testKey, Owner: "tests", Tier: "standard",
		RPMLimit: 1000, TPMLimit: 1_000_000, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		usage:    &captureUsage{},
		sessions: session.NewStore(time.Hour, 100),
		limiter:  ratelimit.New(),
		auth:     keys,
	}
	env.handler = New(Deps{
		Auth:       keys,
		Registry:   reg,
		Tiering:    router,
		Sessions:   env.sessions,
		Limiter:    env.limiter,
		Forwarder:  upstream.NewForwarder(nil),
		Usage:      env.usage,
		DefaultRPM: 60,
		DefaultTPM: 100_000,
	})
	return env
}

func (e *testEnv) chat(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// echoBackend answers every completion with a fixed response and captures
// the body it received.
type echoBackend struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (b *echoBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.bodies = append(b.bodies, body)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})
}

func (b *echoBackend) lastBody(t *testing.T) map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bodies) == 0 {
		t.Fatal("backend saw no requests")
	}
	return b.bodies[len(b.bodies)-1]
}

func TestChatCompletionHappyPath(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"qwen-7b","temperature":0.2,"messages":[{"role":"user","content":"2+2?"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	// Public name rewritten to the backend's model ID; extra params intact.
	sent := backend.lastBody(t)
	if sent["model"] != "Qwen/Qwen2.5-7B-Instruct" {
		t.Errorf("upstream model = %v", sent["model"])
	}
	if sent["temperature"] != 0.2 {
		t.Errorf("temperature dropped: %v", sent["temperature"])
	}

	// Response passes through.
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] != "chatcmpl-1" {
		t.Errorf("response id = %v", resp["id"])
	}

	// Usage metered.
	u := env.usage.last(t)
	if u.Key != testKey || u.Model != "qwen-7b" {
		t.Errorf("usage = %+v", u)
	}
	if u.InputTokens != 12 || u.OutputTokens != 3 || u.TotalTokens != 15 {
		t.Errorf("tokens = %d/%d/%d", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}
	if _, tokens := env.limiter.Usage(testKey); tokens != 15 {
		t.Errorf("window tokens = %d", tokens)
	}
}

func TestMissingKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var e apiError
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Error.Code != codeInvalidAPIKey {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestUnknownModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"gpt-9","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var e apiError
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Error.Code != codeModelNotFound {
		t.Errorf("code = %q", e.Error.Code)
	}
	if !strings.Contains(e.Error.Message, "qwen-7b") {
		t.Errorf("message does not list available models: %q", e.Error.Message)
	}
}

func TestDefaultModelWhenUnspecified(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	// First catalog entry is the default.
	if got := backend.lastBody(t)["model"]; got != "Qwen/Qwen2.5-7B-Instruct" {
		t.Errorf("upstream model = %v", got)
	}
}

func TestEmptyMessages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"qwen-7b","messages":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTierHintOverridesModel(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`,
		map[string]string{"X-Gonka-Tier": "reasoning"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := backend.lastBody(t)["model"]; got != "meta-llama/Llama-3.3-70B-Instruct" {
		t.Errorf("upstream model = %v", got)
	}
	if got := rec.Header().Get("X-Gonka-Tier"); got != "reasoning" {
		t.Errorf("tier header = %q", got)
	}
	if u := env.usage.last(t); u.Model != "llama-70b" {
		t.Errorf("metered model = %q", u.Model)
	}
}

func TestTierRuleRoutesContent(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"user","content":"explain step by step"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := backend.lastBody(t)["model"]; got != "meta-llama/Llama-3.3-70B-Instruct" {
		t.Errorf("upstream model = %v", got)
	}
}

func TestSessionMergeAcrossTurns(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	headers := map[string]string{"X-Gonka-Session-ID": "conv-1"}

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"2+2?"}]}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn 1 status = %d", rec.Code)
	}

	rec = env.chat(t, `{"model":"qwen-7b","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"and doubled?"}]}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn 2 status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Gonka-Session-ID"); got != "conv-1" {
		t.Errorf("session header = %q", got)
	}

	// Turn 2 upstream: system (incoming), then stored history, then new user.
	sent := backend.lastBody(t)
	msgs := sent["messages"].([]any)
	var roles, contents []string
	for _, m := range msgs {
		mm := m.(map[string]any)
		roles = append(roles, mm["role"].(string))
		if c, ok := mm["content"].(string); ok {
			contents = append(contents, c)
		} else {
			contents = append(contents, "")
		}
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	wantContents := []string{"be brief", "2+2?", "4", "and doubled?"}
	if len(roles) != len(wantRoles) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range wantRoles {
		if roles[i] != wantRoles[i] || contents[i] != wantContents[i] {
			t.Errorf("msg[%d] = {%s %q}, want {%s %q}", i, roles[i], contents[i], wantRoles[i], wantContents[i])
		}
	}

	if u := env.usage.last(t); u.SessionID != "conv-1" {
		t.Errorf("usage session = %q", u.SessionID)
	}
}

func TestSessionStoresTurnPairsOnly(t *testing.T) {
	t.Parallel()

	backend := &echoBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	headers := map[string]string{"X-Gonka-Session-ID": "conv-2"}
	body := `{"model":"qwen-7b","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"q%d"}]}`

	for i := range 2 {
		if rec := env.chat(t, fmt.Sprintf(body, i), headers); rec.Code != http.StatusOK {
			t.Fatalf("turn %d status = %d", i, rec.Code)
		}
	}

	// Each turn stores its (user, assistant) pair; the per-request system
	// prompt never enters the history.
	sess := env.sessions.Get("conv-2")
	if sess == nil {
		t.Fatal("session not stored")
	}
	if len(sess.Messages) != 4 {
		t.Fatalf("stored messages = %d, want 4", len(sess.Messages))
	}
	for i, m := range sess.Messages {
		want := gateway.RoleUser
		if i%2 == 1 {
			want = gateway.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("msg[%d] role = %q, want %q", i, m.Role, want)
		}
	}
}

func TestRequestRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	limited := "gk-limited-key-000001"
	if _, err := env.auth.Add(&gateway.Principal{
		Key: limited, Owner: "tests", RPMLimit: 5, TPMLimit: 1_000_000, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	body := `{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+limited)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	for i := range 5 {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	var e apiError
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Error.Code != codeRateLimitExceeded {
		t.Errorf("code = %q", e.Error.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After = %q", ra)
	}
}

func TestTokenRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	// Exhaust the token window out of band.
	env.limiter.RecordTokens(testKey, 1_000_000)

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	var e apiError
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Error.Code != codeTokenRateLimitExceeded {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestBackendUnavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1")

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var e apiError
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Error.Code != codeBackendUnavailable {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestUpstreamErrorPassThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"message":"context length exceeded"}}`))
	}))
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	rec := env.chat(t, `{"model":"qwen-7b","messages":[{"role":"user","content":"x"}]}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "context length exceeded") {
		t.Errorf("body = %s", rec.Body)
	}
	// Failed calls are not metered.
	env.usage.mu.Lock()
	defer env.usage.mu.Unlock()
	if len(env.usage.records) != 0 {
		t.Errorf("metered %d records for failed call", len(env.usage.records))
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Data[0].ID != "qwen-7b" || resp.Data[1].ID != "llama-70b" {
		t.Errorf("models = %v, %v", resp.Data[0].ID, resp.Data[1].ID)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&echoBackend{}).handler())
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h healthResponse
	json.Unmarshal(rec.Body.Bytes(), &h)
	if h.Status != "ok" || h.Models != 2 || h.APIKeys != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestHealthUpstreamProbe(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	handler := New(Deps{
		Health:      upstream.NewForwarder(nil),
		UpstreamURL: up.URL,
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var h healthResponse
	json.Unmarshal(rec.Body.Bytes(), &h)
	if h.Status != "ok" || h.Upstream != "ok" {
		t.Errorf("health = %+v", h)
	}

	up.Close()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	json.Unmarshal(rec.Body.Bytes(), &h)
	if h.Status != "degraded" || h.Upstream != "unreachable" {
		t.Errorf("health after backend stop = %+v", h)
	}
}
