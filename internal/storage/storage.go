// Package storage defines the persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/gonka-ai/gateway/internal"
)

// UsageStore persists the append-only usage ledger and serves its aggregate
// queries. A zero since time means no lower time bound.
type UsageStore interface {
	// InsertUsage batch-appends metered records.
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error

	// SummaryByKey aggregates one API key's usage.
	SummaryByKey(ctx context.Context, key string, since time.Time) (gateway.UsageSummary, error)

	// BreakdownByKey aggregates one API key's usage grouped by model.
	BreakdownByKey(ctx context.Context, key string, since time.Time) ([]gateway.ModelBreakdown, error)

	// SummaryByModel aggregates one model's usage across all keys.
	SummaryByModel(ctx context.Context, model string, since time.Time) (gateway.ModelUsage, error)

	// SummaryBySession aggregates one session's usage with its time bounds.
	SummaryBySession(ctx context.Context, sessionID string) (gateway.SessionUsage, error)

	// Global aggregates usage across the whole gateway.
	Global(ctx context.Context, since time.Time) (gateway.GlobalUsage, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
