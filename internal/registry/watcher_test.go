package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type countingReloader struct{ n atomic.Int32 }

func (c *countingReloader) Reload() error {
	c.n.Add(1)
	return nil
}

func TestWatchReloadsCatalogAndExtras(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, "models:\n  one:\n    model_id: a\n")
	r := New(path)
	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	extra := &countingReloader{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, log, extra) }()

	// Let the watcher register before touching the file.
	time.Sleep(100 * time.Millisecond)
	next := "models:\n  one:\n    model_id: a\n  two:\n    model_id: b\n"
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Count() != 2 || extra.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reload: models = %d, extra reloads = %d", r.Count(), extra.n.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
