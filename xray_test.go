package xray

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTracer(t *testing.T, handler http.Handler, opts ...Option) *Tracer {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tempDir := t.TempDir()
	base := []Option{WithBaseURL(srv.URL), WithTempDir(tempDir), WithBatchInterval(50 * time.Millisecond)}
	tr, err := New(Config{APIKey: "k", ProjectID: "p"}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})
	return tr
}

func TestNewRequiresAPIKeyAndProjectID(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing apiKey and projectId")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing projectId")
	}
}

func TestNewDisabledTracerReturnsNoopTrace(t *testing.T) {
	tr, err := New(Config{APIKey: "k", ProjectID: "p"}, WithEnabled(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trace := tr.CreateTrace(nil)
	if trace.ID() != "" {
		t.Fatalf("expected empty traceId for disabled tracer, got %q", trace.ID())
	}

	// None of these should panic or block even though no uploaders exist.
	id := trace.DataID("x", "in", nil)
	if id != "" {
		t.Fatalf("expected empty dataId, got %q", id)
	}
	trace.Step(StepOptions{StepName: "noop"})
	trace.Error(ErrorOptions{})
	trace.Success(EndOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateTraceIDHasProjectPrefix(t *testing.T) {
	var ingestCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		ingestCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	tr := newTestTracer(t, mux)
	trace := tr.CreateTrace(Metadata{"k": "v"})

	if !strings.HasPrefix(trace.ID(), "p-") {
		t.Fatalf("expected traceId to start with projectId prefix, got %q", trace.ID())
	}

	deadline := time.Now().Add(2 * time.Second)
	for ingestCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ingestCalls.Load() == 0 {
		t.Fatal("expected trace-start event to eventually be ingested")
	}
}

func TestStepNumberInvariantRaisesCounter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	tr := newTestTracer(t, mux)
	trace := tr.CreateTrace(nil)

	first := trace.resolveStepNumber(0)
	if first != 1 {
		t.Fatalf("expected first auto-increment to be 1, got %d", first)
	}

	explicit := trace.resolveStepNumber(10)
	if explicit != 10 {
		t.Fatalf("expected explicit stepNumber to be returned as-is, got %d", explicit)
	}

	next := trace.resolveStepNumber(0)
	if next <= 10 {
		t.Fatalf("expected auto-increment after an explicit value to exceed it, got %d", next)
	}
}

func TestSuccessIsIdempotent(t *testing.T) {
	var endEvents atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []struct {
				EventType string `json:"eventType"`
			} `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, e := range body.Events {
			if e.EventType == "trace-success" {
				endEvents.Add(1)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	tr := newTestTracer(t, mux)
	trace := tr.CreateTrace(nil)

	trace.Success(EndOptions{})
	trace.Success(EndOptions{})
	trace.Failure(EndOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if endEvents.Load() != 1 {
		t.Fatalf("expected exactly one trace-success event, got %d", endEvents.Load())
	}
}

func TestEndEventCarriesBothCreationAndEndMetadata(t *testing.T) {
	type endPayload struct {
		Metadata        map[string]any `json:"metadata"`
		SuccessMetadata map[string]any `json:"successMetadata"`
	}
	results := make(chan endPayload, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []struct {
				EventType       string         `json:"eventType"`
				Metadata        map[string]any `json:"metadata"`
				SuccessMetadata map[string]any `json:"successMetadata"`
			} `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, e := range body.Events {
			if e.EventType == "trace-success" {
				select {
				case results <- endPayload{Metadata: e.Metadata, SuccessMetadata: e.SuccessMetadata}:
				default:
				}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	tr := newTestTracer(t, mux)
	trace := tr.CreateTrace(Metadata{"orderId": "o1"})
	trace.Success(EndOptions{Metadata: Metadata{"durationMs": float64(42)}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case p := <-results:
		if p.Metadata["orderId"] != "o1" {
			t.Fatalf("expected trace-success metadata to echo creation-time metadata, got %+v", p.Metadata)
		}
		if p.SuccessMetadata["durationMs"] != float64(42) {
			t.Fatalf("expected trace-success successMetadata to carry the end-call metadata, got %+v", p.SuccessMetadata)
		}
	default:
		t.Fatal("expected a trace-success event to have been ingested")
	}
}

func TestShutdownOnDisabledTracerIsNoop(t *testing.T) {
	tr, err := New(Config{APIKey: "k", ProjectID: "p"}, WithEnabled(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewFallsBackToMemorySpoolOnUnwritableTempDir(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	unwritable := t.TempDir()
	if err := os.Chmod(unwritable, 0o400); err != nil {
		t.Skipf("cannot make dir unwritable on this platform: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(unwritable, 0o700) })

	tr, err := New(Config{APIKey: "k", ProjectID: "p"}, WithBaseURL(srv.URL), WithTempDir(unwritable+"/spool"))
	if err != nil {
		t.Fatalf("expected memory spool fallback, got error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})

	trace := tr.CreateTrace(nil)
	if trace.ID() == "" {
		t.Fatal("expected a usable trace even with a memory spool fallback")
	}
}
