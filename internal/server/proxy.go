package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/session"
)

// maxChatBody bounds a chat completion request body (10 MB); multimodal
// messages with inline base64 images can be large.
const maxChatBody = 10 << 20

const (
	sessionHeader = "X-Gonka-Session-ID"
	tierHeader    = "X-Gonka-Tier"
)

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	principal := gateway.PrincipalFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid request body: "+err.Error(), codeBadRequest))
		return
	}

	// Decode to raw fields so parameters the gateway does not understand
	// (temperature, tools, response_format, ...) pass through untouched.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("invalid request body: "+err.Error(), codeBadRequest))
		return
	}

	var model string
	if raw, ok := fields["model"]; ok {
		json.Unmarshal(raw, &model)
	}
	var messages []gateway.Message
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &messages); err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse("invalid messages: "+err.Error(), codeBadRequest))
			return
		}
	}
	if len(messages) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("messages must not be empty", codeBadRequest))
		return
	}
	var stream bool
	if raw, ok := fields["stream"]; ok {
		json.Unmarshal(raw, &stream)
	}

	// Content tier routing: an explicit hint wins, then pattern rules over
	// the last user message. The decision may override the requested model.
	if s.deps.Tiering != nil {
		if d := s.deps.Tiering.Resolve(body, r.Header.Get(tierHeader)); d.Tier != "" {
			w.Header().Set(tierHeader, d.Tier)
			if s.deps.Metrics != nil {
				s.deps.Metrics.TierDecisions.WithLabelValues(d.Tier).Inc()
			}
			if d.Model != "" {
				model = d.Model
			}
		}
	}

	if model == "" {
		model = s.deps.Registry.Default()
	}
	if model == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse("no model specified and no default available", codeModelRequired))
		return
	}

	backend, err := s.deps.Registry.Resolve(model)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error(), codeModelNotFound))
		return
	}

	// Session continuity: merge stored history into the outgoing messages.
	sessionID := r.Header.Get(sessionHeader)
	upstreamMsgs := messages
	if sessionID != "" && s.deps.Sessions != nil {
		sess := s.deps.Sessions.GetOrCreate(sessionID, principal.Key)
		upstreamMsgs = session.MergeHistory(sess.Messages, messages)
		w.Header().Set(sessionHeader, sessionID)
	}

	upstreamBody, err := buildUpstreamBody(fields, backend.ModelID, upstreamMsgs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse("internal server error", codeInternalError))
		return
	}

	start := time.Now()
	resp, err := s.deps.Forwarder.ChatCompletions(r.Context(), backend, upstreamBody)
	if err != nil {
		if errors.Is(err, gateway.ErrBackendUnavailable) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.UpstreamErrors.WithLabelValues(model, "unreachable").Inc()
			}
			writeJSON(w, http.StatusServiceUnavailable,
				errorResponse("backend unavailable for model "+model, codeBackendUnavailable))
			return
		}
		writeJSON(w, http.StatusInternalServerError,
			errorResponse("internal server error", codeInternalError))
		return
	}
	defer resp.Body.Close()

	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}

	// Upstream errors pass through verbatim so clients see the backend's
	// own OpenAI-format error. No metering for failed calls.
	if resp.StatusCode != http.StatusOK {
		if s.deps.Metrics != nil {
			label := "unknown"
			if resp.StatusCode >= 0 && resp.StatusCode < len(statusText) {
				label = statusText[resp.StatusCode]
			}
			s.deps.Metrics.UpstreamErrors.WithLabelValues(model, label).Inc()
		}
		passThrough(w, resp)
		return
	}

	if stream {
		s.relayStream(w, r, streamMeta{
			key:       principal.Key,
			model:     model,
			sessionID: sessionID,
			start:     start,
			upstream:  resp.Body,
		})
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway,
			errorResponse("backend response truncated", codeBackendUnavailable))
		return
	}

	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(respBody)

	usage := extractUsage(respBody)
	s.meter(gateway.UsageRecord{
		Key:          principal.Key,
		Model:        model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
		SessionID:    sessionID,
	})

	// Only the completed turn joins the stored history: the last incoming
	// user message and the assistant reply. System prompts arrive with every
	// request and are never stored, or they would accumulate across turns.
	if sessionID != "" && s.deps.Sessions != nil {
		var turn []gateway.Message
		if user, ok := lastUserMessage(messages); ok {
			turn = append(turn, user)
		}
		if assistant, ok := assistantMessage(respBody); ok {
			turn = append(turn, assistant)
		}
		if len(turn) > 0 {
			s.deps.Sessions.Append(sessionID, turn...)
		}
	}
}

// lastUserMessage returns the most recent user-role message.
func lastUserMessage(msgs []gateway.Message) (gateway.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == gateway.RoleUser {
			return msgs[i], true
		}
	}
	return gateway.Message{}, false
}

// meter records one completed call in the usage ledger, the token window,
// and the metrics.
func (s *server) meter(rec gateway.UsageRecord) {
	rec.CreatedAt = time.Now().UTC()
	if s.deps.Usage != nil {
		s.deps.Usage.Record(rec)
	}
	if s.deps.Limiter != nil && rec.TotalTokens > 0 {
		s.deps.Limiter.RecordTokens(rec.Key, rec.TotalTokens)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(rec.Model, "input").Add(float64(rec.InputTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(rec.Model, "output").Add(float64(rec.OutputTokens))
	}
}

// buildUpstreamBody re-marshals the request with the backend's model ID and
// the merged message list, leaving every other field as the client sent it.
func buildUpstreamBody(fields map[string]json.RawMessage, modelID string, msgs []gateway.Message) ([]byte, error) {
	rawModel, err := json.Marshal(modelID)
	if err != nil {
		return nil, err
	}
	rawMsgs, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	fields["model"] = rawModel
	fields["messages"] = rawMsgs
	return json.Marshal(fields)
}

// extractUsage pulls token counts out of an upstream response body.
// gjson keeps this allocation-light; absent fields read as zero.
func extractUsage(body []byte) gateway.Usage {
	u := gjson.GetBytes(body, "usage")
	return gateway.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

// assistantMessage extracts choices[0].message from a completion response.
func assistantMessage(body []byte) (gateway.Message, bool) {
	raw := gjson.GetBytes(body, "choices.0.message")
	if !raw.Exists() {
		return gateway.Message{}, false
	}
	var msg gateway.Message
	if err := json.Unmarshal([]byte(raw.Raw), &msg); err != nil {
		return gateway.Message{}, false
	}
	return msg, true
}

// passThrough relays an upstream response verbatim.
func passThrough(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// --- Error envelope ---

// Error codes surfaced in the OpenAI-style error envelope.
const (
	codeInvalidAPIKey          = "invalid_api_key"
	codeRateLimitExceeded      = "rate_limit_exceeded"
	codeTokenRateLimitExceeded = "token_rate_limit_exceeded"
	codeBadRequest             = "bad_request"
	codeModelRequired          = "model_required"
	codeModelNotFound          = "model_not_found"
	codeBackendUnavailable     = "backend_unavailable"
	codeInternalError          = "internal_error"
)

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func errorResponse(msg, code string) apiError {
	return apiError{Error: apiErrorBody{
		Message: msg,
		Type:    errorType(code),
		Code:    code,
	}}
}

func errorType(code string) string {
	switch code {
	case codeInvalidAPIKey:
		return "authentication_error"
	case codeRateLimitExceeded, codeTokenRateLimitExceeded:
		return "rate_limit_error"
	case codeBackendUnavailable, codeInternalError:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
