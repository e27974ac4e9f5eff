package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxymeter/proxymeter/internal/metering"
	"github.com/proxymeter/proxymeter/internal/upstream"
)

const testReport = `{
	"total_requests": 10,
	"success_count": 9,
	"failure_count": 1,
	"total_tokens": 2000,
	"apis": {
		"claude": {
			"models": {
				"gpt-4": {
					"total_requests": 10,
					"total_tokens": 2000,
					"details": [{"tokens": {"input": 1500, "output": 500}}]
				}
			}
		}
	}
}`

func flatPrice(_ string, in, out int64) float64 {
	return float64(in+out) / 1e6
}

func newTestStack(t *testing.T, handler http.HandlerFunc) (*Coordinator, *metering.Store) {
	t.Helper()

	store, err := metering.OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := upstream.NewClient(srv.URL, "")
	engine := metering.NewEngine(store, flatPrice, metering.EngineOptions{}, zerolog.Nop())
	reconciler := metering.NewReconciler(store, metering.ReconcilerOptions{}, zerolog.Nop())

	coordinator := NewCoordinator(client, engine, reconciler, store, 0, time.Minute, zerolog.Nop())
	return coordinator, store
}

func TestRunOnceIngestsReport(t *testing.T) {
	coordinator, store := newTestStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(testReport))
	})

	if !coordinator.RunOnce(context.Background()) {
		t.Fatal("RunOnce must run when idle")
	}

	snap, err := store.LatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil || snap.TotalRequests != 10 {
		t.Errorf("snapshot = %+v, want 10 requests ingested", snap)
	}
}

func TestRunOnceReconcilesDespiteFetchFailure(t *testing.T) {
	coordinator, store := newTestStack(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	ctx := context.Background()

	cfg := metering.RateLimitConfig{ModelPattern: "gpt", ResetStrategy: metering.ResetDaily, TokenLimit: 1000}
	if err := store.CreateConfig(ctx, &cfg); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}

	if !coordinator.RunOnce(ctx) {
		t.Fatal("RunOnce must run when idle")
	}

	// No snapshot landed, but window rollovers must still surface.
	snap, _ := store.LatestSnapshot(ctx)
	if snap != nil {
		t.Errorf("snapshot = %+v, want none on fetch failure", snap)
	}
	status, err := store.GetStatus(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status == nil {
		t.Fatal("reconciler must run even when the fetch fails")
	}
}

func TestTriggerAsyncCoalesces(t *testing.T) {
	coordinator, _ := newTestStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(testReport))
	})

	// Nothing is draining the channel, so the first trigger queues and the
	// second coalesces into it.
	if !coordinator.TriggerAsync() {
		t.Error("first trigger must queue")
	}
	if coordinator.TriggerAsync() {
		t.Error("second trigger must coalesce")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	coordinator, _ := newTestStack(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(testReport))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
