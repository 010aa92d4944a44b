// Package blobpipeline implements the per-blob upload state machine from
// §4.6: serialize, spool, presign, PUT, delete — with bounded exponential
// backoff retry on the network-facing steps and startup recovery of any
// blob left on disk by a prior process.
package blobpipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mhetreayush/xray-sdk/internal/ingestclient"
	"github.com/mhetreayush/xray-sdk/internal/model"
	"github.com/mhetreayush/xray-sdk/internal/serializer"
	"github.com/mhetreayush/xray-sdk/internal/spool"
	"github.com/mhetreayush/xray-sdk/internal/telemetry"
)

const (
	backoffBase       = time.Second
	backoffCap        = 10 * time.Second
	maxUploadAttempts = 5
)

// envelope is the self-contained record written to the spool for a blob.
// Because DiskSpool has no sidecar index, a recovered task on restart has
// only the dataId and these bytes to work with; wrapping TraceID/Key/
// Metadata alongside the serialized value lets recovery reconstruct a full
// presign request from the spool entry alone.
type envelope struct {
	TraceID  string         `json:"traceId"`
	Key      string         `json:"key"`
	Metadata model.Metadata `json:"metadata,omitempty"`
	Data     []byte         `json:"data"`
}

// task is an in-flight or resumed blob upload.
type task struct {
	dataID   string
	traceID  string
	key      string
	value    any
	metadata model.Metadata
	resumed  bool // true when reconstructed from spool recovery
	data     []byte
}

// Uploader drives the blob state machine. Any number of blob tasks may be
// in flight simultaneously; each runs on its own goroutine tracked by an
// errgroup so shutdown can bound how long it waits on them.
type Uploader struct {
	client     *ingestclient.Client
	spool      spool.Adapter
	quota      int64
	serializer *serializer.Pool
	logger     *slog.Logger

	group   errgroup.Group
	pending atomic.Int64
}

// New constructs an Uploader. quota is the spool's configured size budget
// (MaxDiskSize or MaxMemorySize, whichever backend sp is); every spooled
// blob is followed by an EvictToFit(quota) so the spool never grows past it.
func New(client *ingestclient.Client, sp spool.Adapter, pool *serializer.Pool, quota int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{client: client, spool: sp, quota: quota, serializer: pool, logger: logger}
	u.registerMetrics()
	return u
}

// Submit starts a new blob task. It returns immediately; the caller already
// has the dataId to embed in subsequent events regardless of whether the
// upload ultimately succeeds.
func (u *Uploader) Submit(dataID, traceID, key string, value any, metadata model.Metadata) {
	t := &task{dataID: dataID, traceID: traceID, key: key, value: value, metadata: metadata}
	u.group.Go(func() error {
		defer u.recoverInto(t.dataID)
		u.run(context.Background(), t)
		return nil
	})
}

// Await blocks until every submitted task has finished (succeeded,
// exhausted its retry budget, or been dropped), or ctx is done first. Each
// task's retry budget is bounded, but during a persistent outage it spans
// tens of seconds of backoff; if ctx ends first, Await returns ctx.Err()
// and the tasks keep running in the background.
func (u *Uploader) Await(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = u.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverFromSpool resynthesizes a resumed task, starting at the presign
// step, for every data-kind entry left behind by a prior process. It does
// not block the caller; recovery runs in the background like any other
// task.
func (u *Uploader) RecoverFromSpool(ctx context.Context) {
	for _, entry := range u.spool.ListKind(spool.KindData) {
		data, ok, err := u.spool.Read(entry.ID)
		if err != nil || !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			u.logger.Debug("blobpipeline: dropping unrecoverable spool entry", "id", entry.ID, "error", err)
			_ = u.spool.Delete(entry.ID)
			continue
		}
		t := &task{
			dataID:   entry.ID,
			traceID:  env.TraceID,
			key:      env.Key,
			metadata: env.Metadata,
			resumed:  true,
			data:     env.Data,
		}
		u.group.Go(func() error {
			defer u.recoverInto(t.dataID)
			u.run(context.Background(), t)
			return nil
		})
	}
}

// recoverInto swallows any panic from a background upload task and routes
// it to the debug sink, matching the never-break-the-host guarantee: a bad
// artifact value, a marshaling panic, or a send racing Pool.Drain must
// never crash the host process from a goroutine the caller never sees.
func (u *Uploader) recoverInto(dataID string) {
	if r := recover(); r != nil {
		u.logger.Error("blobpipeline: recovered panic in background upload task", "dataId", dataID, "panic", r)
	}
}

func (u *Uploader) run(ctx context.Context, t *task) {
	u.pending.Add(1)
	defer u.pending.Add(-1)

	if !t.resumed {
		data, err := u.serializer.Serialize(ctx, t.value)
		if err != nil {
			u.logger.Debug("blobpipeline: dropping blob, value could not be serialized", "dataId", t.dataID, "error", err)
			return
		}
		t.data = data

		if !u.spoolWithRetry(ctx, t) {
			u.logger.Debug("blobpipeline: dropping blob, persistent spool failure", "dataId", t.dataID)
			return
		}
	}

	u.uploadWithRetry(ctx, t)
}

func (u *Uploader) spoolWithRetry(ctx context.Context, t *task) bool {
	env := envelope{TraceID: t.traceID, Key: t.key, Metadata: t.metadata, Data: t.data}
	raw, err := json.Marshal(env)
	if err != nil {
		u.logger.Debug("blobpipeline: dropping blob, envelope could not be encoded", "dataId", t.dataID, "error", err)
		return false
	}

	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		if err := u.spool.Write(t.dataID, raw, spool.KindData); err == nil {
			u.evictToFit(t.dataID)
			return true
		}
		if !sleepBackoff(ctx, attempt) {
			return false
		}
	}
	return false
}

// evictToFit enforces the spool's configured quota after a write, per the
// Adapter.Write contract in spool.go. If the write just made (id) is itself
// among the evicted entries, the upload continues from the in-memory task —
// only the crash-recovery copy is lost.
func (u *Uploader) evictToFit(id string) {
	if u.quota <= 0 {
		return
	}
	evicted := u.spool.EvictToFit(u.quota)
	if len(evicted) == 0 {
		return
	}
	for _, e := range evicted {
		if e.ID == id {
			u.logger.Warn("blobpipeline: quota eviction reclaimed the blob just spooled; crash recovery for it is lost", "dataId", id)
		}
	}
	u.logger.Debug("blobpipeline: evicted spool entries to fit quota", "count", len(evicted), "quota", u.quota)
}

// uploadWithRetry drives presigned → uploading → done, returning to
// presigned after a backoff on any failure, per the state diagram in §4.6.
func (u *Uploader) uploadWithRetry(ctx context.Context, t *task) {
	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		resp, err := u.client.Presign(ctx, ingestclient.PresignRequest{
			DataID:   t.dataID,
			TraceID:  t.traceID,
			Key:      t.key,
			Metadata: t.metadata,
		})
		if err == nil {
			err = u.client.PutObject(ctx, resp.PresignedURL, t.data)
		}
		if err == nil {
			if delErr := u.spool.Delete(t.dataID); delErr != nil {
				u.logger.Debug("blobpipeline: uploaded blob but failed to clear spool entry", "dataId", t.dataID, "error", delErr)
			}
			return
		}

		u.logger.Debug("blobpipeline: upload attempt failed, backing off", "dataId", t.dataID, "attempt", attempt, "error", err)
		if !sleepBackoff(ctx, attempt) {
			return
		}
	}
	u.logger.Debug("blobpipeline: exhausted retry budget, leaving blob for FIFO eviction", "dataId", t.dataID)
}

// sleepBackoff sleeps for min(cap, base*2^attempt) plus jitter, returning
// false if ctx is done before the sleep completes.
func sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d/2 + 1)))
	select {
	case <-time.After(d + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

func (u *Uploader) registerMetrics() {
	meter := telemetry.Meter("xray/blobpipeline")
	_, _ = meter.Int64ObservableGauge("xray.blobpipeline.pending",
		metric.WithDescription("Number of blob tasks currently in flight"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(u.pending.Load())
			return nil
		}),
	)
}
