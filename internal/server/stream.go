package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/upstream"
)

// streamMeta carries what the relay needs to meter the call once the
// upstream stream ends.
type streamMeta struct {
	key       string
	model     string
	sessionID string
	start     time.Time
	upstream  io.ReadCloser
}

// relayStream re-emits upstream SSE frames to the client verbatim, watching
// for a usage payload along the way. Metering is deferred so the call is
// recorded however the upstream side ends; token counts stay zero when the
// backend never reported usage. A client disconnect skips metering entirely.
func (s *server) relayStream(w http.ResponseWriter, r *http.Request, m streamMeta) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse("internal server error", codeInternalError))
		return
	}

	var usage gateway.Usage
	defer func() {
		// A disconnected client cancelled the pipeline; nothing is metered.
		if r.Context().Err() != nil {
			return
		}
		s.meter(gateway.UsageRecord{
			Key:          m.key,
			Model:        m.model,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
			LatencyMs:    float64(time.Since(m.start).Microseconds()) / 1000,
			SessionID:    m.sessionID,
		})
	}()

	writeSSEHeaders(w)
	flusher.Flush()

	scanner := upstream.NewScanner(m.upstream)
	for scanner.Scan() {
		if r.Context().Err() != nil {
			return // client went away
		}
		_, data, ok := upstream.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			writeSSEDone(w)
			flusher.Flush()
			return
		}
		// Backends that report usage do it in a late chunk; last one wins.
		if u := gjson.Get(data, "usage"); u.IsObject() {
			usage = gateway.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}
		writeSSEData(w, []byte(data))
		flusher.Flush()
	}

	// Upstream ended without [DONE]: tell the client before terminating the
	// stream instead of silently cutting it off.
	if err := scanner.Err(); err != nil && r.Context().Err() == nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream interrupted",
			slog.String("model", m.model),
			slog.String("error", err.Error()),
		)
		frame, _ := json.Marshal(errorResponse("stream interrupted", codeBackendUnavailable))
		writeSSEData(w, frame)
	}
	writeSSEDone(w)
	flusher.Flush()
}
