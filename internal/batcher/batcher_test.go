package batcher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mhetreayush/xray-sdk/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestAddTriggersFlushAtMaxSize(t *testing.T) {
	var flushed atomic.Int32
	flushedCh := make(chan struct{}, 1)
	b := New(2, time.Hour, func(_ context.Context, batch []model.Event) error {
		flushed.Store(int32(len(batch)))
		select {
		case flushedCh <- struct{}{}:
		default:
		}
		return nil
	}, testLogger())
	defer b.Close()

	b.Add(model.Event{EventType: model.EventStep})
	b.Add(model.Event{EventType: model.EventStep})

	select {
	case <-flushedCh:
	case <-time.After(time.Second):
		t.Fatal("expected flush to fire at maxSize")
	}
	if flushed.Load() != 2 {
		t.Fatalf("expected batch of 2, got %d", flushed.Load())
	}
}

func TestAddTriggersFlushOnTimer(t *testing.T) {
	done := make(chan []model.Event, 1)
	b := New(100, 20*time.Millisecond, func(_ context.Context, batch []model.Event) error {
		done <- batch
		return nil
	}, testLogger())
	defer b.Close()

	b.Add(model.Event{EventType: model.EventStep})

	select {
	case batch := <-done:
		if len(batch) != 1 {
			t.Fatalf("expected batch of 1, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("expected timer-triggered flush")
	}
}

func TestFailedFlushReQueuesAndPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	results := make(chan []model.Event, 5)

	b := New(10, 15*time.Millisecond, func(_ context.Context, batch []model.Event) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return context.DeadlineExceeded
		}
		out := make([]model.Event, len(batch))
		copy(out, batch)
		results <- out
		return nil
	}, testLogger())
	defer b.Close()

	b.Add(model.Event{StepName: "first"})
	b.Add(model.Event{StepName: "second"})

	select {
	case batch := <-results:
		if len(batch) != 2 || batch[0].StepName != "first" || batch[1].StepName != "second" {
			t.Fatalf("expected re-queued batch preserving the original events in order, got %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected eventual successful flush after re-queue")
	}
}

func TestDrainFlushesRemainingBuffer(t *testing.T) {
	var flushedCount atomic.Int32
	b := New(100, time.Hour, func(_ context.Context, batch []model.Event) error {
		flushedCount.Add(int32(len(batch)))
		return nil
	}, testLogger())

	b.Add(model.Event{EventType: model.EventStep})
	b.Add(model.Event{EventType: model.EventStep})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if flushedCount.Load() != 2 {
		t.Fatalf("expected 2 events flushed by drain, got %d", flushedCount.Load())
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", b.Len())
	}
	b.Close()
}

func TestDrainGivesUpAfterPersistentFlushFailureInsteadOfHanging(t *testing.T) {
	b := New(10, time.Hour, func(_ context.Context, _ []model.Event) error {
		return context.DeadlineExceeded
	}, testLogger())
	defer b.Close()

	b.Add(model.Event{EventType: model.EventStep})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := b.Drain(ctx)
	elapsed := time.Since(start)

	if err != ErrDrainIncomplete {
		t.Fatalf("expected ErrDrainIncomplete, got %v", err)
	}
	if elapsed >= 5*time.Second {
		t.Fatalf("expected Drain to give up well before its ctx deadline, took %v", elapsed)
	}
	if b.Len() == 0 {
		t.Fatal("expected the failed batch to remain buffered as residue after giving up")
	}
}

func TestDrainHonorsCtxDeadlineDuringPersistentFailure(t *testing.T) {
	b := New(10, time.Hour, func(_ context.Context, _ []model.Event) error {
		return context.DeadlineExceeded
	}, testLogger())
	defer b.Close()

	b.Add(model.Event{EventType: model.EventStep})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Drain(ctx)
	if err == nil {
		t.Fatal("expected an error from a ctx that expires during a persistent flush failure")
	}
}

func TestDrainOnEmptyBufferIsImmediate(t *testing.T) {
	b := New(10, time.Hour, func(_ context.Context, _ []model.Event) error { return nil }, testLogger())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("unexpected error draining empty batcher: %v", err)
	}
}
