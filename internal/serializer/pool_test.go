package serializer

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSerializeRoundTrips(t *testing.T) {
	p := New(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := p.Serialize(ctx, map[string]any{"x": 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if out["x"].(float64) != 42 {
		t.Fatalf("expected x=42, got %v", out["x"])
	}

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
}

func TestZeroWorkerPoolFallsBackInline(t *testing.T) {
	p := New(0)
	ctx := context.Background()
	data, err := p.Serialize(ctx, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "[1,2,3]" {
		t.Fatalf("unexpected payload: %s", data)
	}
}

func TestUnmarshalableValueReturnsErrorWithoutKillingWorker(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Channels cannot be JSON-marshaled; this must return an error, not
	// panic, and the worker must remain usable afterward.
	if _, err := p.Serialize(ctx, make(chan int)); err == nil {
		t.Fatal("expected error for unserializable value")
	}

	data, err := p.Serialize(ctx, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("expected worker to survive prior failure, got: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", data)
	}

	_ = p.Drain(ctx)
}

func TestSerializeAfterDrainFallsBackInlineInsteadOfPanicking(t *testing.T) {
	p := New(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}

	// A call reaching Serialize after Drain has closed the job channel must
	// fall back to inline encoding, not panic on a send to a closed channel.
	data, err := p.Serialize(ctx, map[string]any{"late": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"late":true}` {
		t.Fatalf("unexpected payload: %s", data)
	}
}
