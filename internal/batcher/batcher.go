// Package batcher implements the time-or-size triggered event accumulator
// described in §4.4: add is synchronous and cheap, a background timer
// flushes on a schedule, and a flush failure re-queues the batch in front
// of whatever arrived while it was in flight.
package batcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mhetreayush/xray-sdk/internal/model"
	"github.com/mhetreayush/xray-sdk/internal/telemetry"
)

// ErrDrainIncomplete is returned by Drain when forceDrain gave up after
// maxDrainAttempts consecutive flush failures with events still buffered.
// The buffered events remain in memory (and their spooled copies on disk)
// for the next process to recover.
var ErrDrainIncomplete = errors.New("batcher: drain incomplete, retry budget exhausted")

// FlushFunc hands a batch to its owner. An error causes the batch to be
// prepended back into the buffer for the next flush attempt.
type FlushFunc func(ctx context.Context, batch []model.Event) error

// drainRequest carries the caller's ctx into the single background
// goroutine so forceDrain can honor the same deadline Drain was given,
// instead of retrying against context.Background() forever.
type drainRequest struct {
	ctx  context.Context
	done chan struct{}
}

const (
	// maxDrainAttempts bounds how many consecutive flush failures
	// forceDrain tolerates before giving up and leaving the batch as
	// on-disk residue for the next run, rather than spinning forever
	// against an outage.
	maxDrainAttempts  = 5
	drainRetryBackoff = 200 * time.Millisecond
)

// Batcher accumulates events and flushes them on a time-or-size trigger.
// The background timer is armed only while the buffer is non-empty
// (Accumulating), so a quiescent Batcher never ticks.
type Batcher struct {
	maxSize  int
	interval time.Duration
	flush    FlushFunc
	logger   *slog.Logger

	mu           sync.Mutex
	buffer       []model.Event
	isProcessing bool
	timer        *time.Timer

	flushCh   chan struct{}
	drainCh   chan drainRequest
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Batcher and starts its background loop. The loop is idle
// (no timer running) until the first Add.
func New(maxSize int, interval time.Duration, flush FlushFunc, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batcher{
		maxSize:  maxSize,
		interval: interval,
		flush:    flush,
		logger:   logger,
		flushCh:  make(chan struct{}, 1),
		drainCh:  make(chan drainRequest),
		closeCh:  make(chan struct{}),
	}
	b.registerMetrics()
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Batcher) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.flushCh:
			b.doFlush(context.Background())
		case req := <-b.drainCh:
			b.forceDrain(req.ctx)
			close(req.done)
		case <-b.closeCh:
			return
		}
	}
}

// Add appends event to the buffer. It never blocks on the flush handler:
// it only takes the buffer mutex, appends, and signals the background
// loop. If the buffer was empty, the flush timer is armed; if the buffer
// has reached maxSize, a flush is signaled immediately.
func (b *Batcher) Add(event model.Event) {
	b.mu.Lock()
	wasEmpty := len(b.buffer) == 0
	b.buffer = append(b.buffer, event)
	full := len(b.buffer) >= b.maxSize
	if wasEmpty {
		b.armTimerLocked()
	}
	b.mu.Unlock()

	if full {
		b.signalFlush()
	}
}

func (b *Batcher) armTimerLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.interval, b.signalFlush)
}

func (b *Batcher) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

// doFlush is the Flushing state: snapshot-clear-unlock, invoke the flush
// handler outside the lock, then either return to Idle, restart
// Accumulating for events that arrived mid-flush, or re-prepend and retry
// on failure. attempted reports whether a flush was actually invoked
// (false if the buffer was already empty or a flush was already in
// flight); success reports the flush handler's outcome when attempted.
func (b *Batcher) doFlush(ctx context.Context) (attempted, success bool) {
	b.mu.Lock()
	if b.isProcessing || len(b.buffer) == 0 {
		b.mu.Unlock()
		return false, false
	}
	b.isProcessing = true
	batch := b.buffer
	b.buffer = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	err := b.flush(ctx, batch)

	b.mu.Lock()
	b.isProcessing = false
	if err != nil {
		b.logger.Debug("batcher: flush failed, re-queuing batch", "batch_size", len(batch), "error", err)
		b.buffer = append(batch, b.buffer...)
		b.armTimerLocked()
	} else if len(b.buffer) > 0 {
		b.armTimerLocked()
	}
	b.mu.Unlock()
	return true, err == nil
}

// forceDrain repeatedly flushes until the buffer is empty, ctx is done, or
// maxDrainAttempts consecutive flushes have failed. The attempt count
// resets on every success, so an outage that only affects some flushes
// doesn't trip the limit; a persistent outage gives up with the batch left
// as on-disk residue for the next run rather than spinning forever.
func (b *Batcher) forceDrain(ctx context.Context) {
	failures := 0
	for {
		b.mu.Lock()
		empty := len(b.buffer) == 0
		b.mu.Unlock()
		if empty {
			return
		}
		if ctx.Err() != nil {
			return
		}

		attempted, success := b.doFlush(ctx)
		if !attempted {
			return
		}
		if success {
			failures = 0
			continue
		}

		failures++
		if failures >= maxDrainAttempts {
			b.logger.Warn("batcher: drain giving up after repeated flush failures, residue left on disk for next run", "attempts", failures)
			return
		}
		select {
		case <-time.After(drainRetryBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// Drain cancels the timer and repeatedly flushes until the buffer is
// empty, ctx is done, or the retry budget in forceDrain is exhausted. Used
// at shutdown.
func (b *Batcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	req := drainRequest{ctx: ctx, done: done}
	select {
	case b.drainCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeCh:
		return nil
	}
	select {
	case <-done:
		if b.Len() > 0 {
			return ErrDrainIncomplete
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the background loop without attempting a final flush.
// Callers that want queued events flushed first should call Drain before
// Close. Close is idempotent.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	b.wg.Wait()
}

// Len returns the number of events currently buffered.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *Batcher) registerMetrics() {
	meter := telemetry.Meter("xray/batcher")
	_, _ = meter.Int64ObservableGauge("xray.batcher.depth",
		metric.WithDescription("Current number of events buffered in the batcher"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
}
