package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/telemetry"
)

const (
	// completionTimeout bounds one upstream call end to end. Long generations
	// on large models routinely run for minutes.
	completionTimeout = 300 * time.Second
	healthTimeout     = 5 * time.Second
)

// Forwarder sends chat completion requests to backend inference servers.
type Forwarder struct {
	client *http.Client
	health *http.Client
	tracer trace.Tracer
}

// NewForwarder builds a Forwarder over a pooled, DNS-cached transport.
func NewForwarder(resolver *dnscache.Resolver) *Forwarder {
	transport := NewTransport(resolver)
	return &Forwarder{
		client: &http.Client{Transport: transport, Timeout: completionTimeout},
		health: &http.Client{Transport: transport, Timeout: healthTimeout},
		tracer: telemetry.Tracer("gonka.upstream"),
	}
}

// ChatCompletions posts a chat completion body to the backend and returns the
// raw response. The caller owns the response body, including for non-200
// statuses, which pass through to the client verbatim. Transport failures
// map to ErrBackendUnavailable.
func (f *Forwarder) ChatCompletions(ctx context.Context, backend *gateway.ModelBackend, body []byte) (*http.Response, error) {
	ctx, span := f.tracer.Start(ctx, "upstream.chat_completions",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gen_ai.request.model", backend.ModelID)),
	)
	defer span.End()

	url := strings.TrimSuffix(backend.BackendURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, backend.Name, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// CheckHealth probes a backend's health endpoint.
func (f *Forwarder) CheckHealth(ctx context.Context, baseURL string) error {
	url := strings.TrimSuffix(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.health.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", gateway.ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}
