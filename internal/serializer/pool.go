// Package serializer implements the off-hot-path worker pool that converts
// arbitrary host values to JSON bytes for the blob pipeline, as described
// in §4.2. The pool communicates with callers by message passing over
// channels rather than shared state.
package serializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// errPoolDrained signals that a send raced with Drain closing the job
// channel. Serialize treats it as "no pool available" and falls back to
// inline encoding rather than letting the send-on-closed-channel panic
// escape onto the caller's goroutine.
var errPoolDrained = errors.New("serializer: pool drained")

type job struct {
	value  any
	result chan result
}

type result struct {
	data []byte
	err  error
}

// Pool is a fixed-size set of background goroutines that marshal values to
// JSON. A panic inside a single marshal call is recovered so that one
// pathological value cannot kill a worker — the pool always keeps running
// with the workers it started.
type Pool struct {
	jobs    chan job
	workers int
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New starts a Pool with the given number of workers. A size of 0 disables
// the pool: Serialize falls back to encoding inline on the caller's
// goroutine, matching the "zero live workers" fallback in §4.2.
func New(size int) *Pool {
	p := &Pool{workers: size}
	if size <= 0 {
		return p
	}
	p.jobs = make(chan job, size)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		data, err := safeMarshal(j.value)
		j.result <- result{data: data, err: err}
	}
}

func safeMarshal(v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer: panic marshaling value: %v", r)
		}
	}()
	return json.Marshal(v)
}

// Serialize encodes value to JSON, dispatching to a pool worker when one is
// available and falling back to inline encoding otherwise. It blocks the
// caller until the worker replies or ctx is done — callers on the hot path
// must not call this directly; only the blob pipeline's background
// goroutine does.
func (p *Pool) Serialize(ctx context.Context, value any) ([]byte, error) {
	if p.workers <= 0 || p.closed.Load() {
		return safeMarshal(value)
	}

	resultCh := make(chan result, 1)
	if err := p.trySend(job{value: value, result: resultCh}, ctx); err != nil {
		if errors.Is(err, errPoolDrained) {
			return safeMarshal(value)
		}
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// trySend submits j to the worker queue. closed is only an advance warning —
// Drain can still race a concurrent send past the check and close the
// channel first — so the send itself is recovered: a caller that reaches
// Serialize after (or concurrently with) Drain, which invariant 4 permits
// for dataId calls made after Shutdown, must never panic.
func (p *Pool) trySend(j job, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPoolDrained
		}
	}()
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the job queue and waits for every worker to finish its
// current task and exit. A Pool is not usable after Drain; calling Drain
// again only waits for the workers and never re-closes the queue.
func (p *Pool) Drain(ctx context.Context) error {
	if p.workers <= 0 {
		return nil
	}
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
