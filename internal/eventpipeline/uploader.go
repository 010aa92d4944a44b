// Package eventpipeline wires the batcher to the ingest backend (§4.5): it
// owns the only batcher.Batcher in the tracer and is the sole writer/reader
// of the spool's events kind.
package eventpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mhetreayush/xray-sdk/internal/batcher"
	"github.com/mhetreayush/xray-sdk/internal/ingestclient"
	"github.com/mhetreayush/xray-sdk/internal/model"
	"github.com/mhetreayush/xray-sdk/internal/spool"
)

// Uploader batches events and ships them to the ingest backend, spooling
// each batch to disk before the network call so a crash mid-flush leaves a
// durable record recoverable on the next startup.
type Uploader struct {
	client *ingestclient.Client
	spool  spool.Adapter
	quota  int64
	logger *slog.Logger
	batch  *batcher.Batcher
}

// New constructs an Uploader and starts its background batcher. quota is
// the spool's configured size budget (MaxDiskSize or MaxMemorySize,
// whichever backend sp is); every spooled batch is followed by an
// EvictToFit(quota) so the spool never grows past it.
func New(client *ingestclient.Client, sp spool.Adapter, maxBatchSize int, batchInterval time.Duration, quota int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{client: client, spool: sp, quota: quota, logger: logger}
	u.batch = batcher.New(maxBatchSize, batchInterval, u.onFlush, logger)
	return u
}

// Add enqueues an event for the next batch.
func (u *Uploader) Add(evt model.Event) {
	u.batch.Add(evt)
}

// Drain force-flushes any buffered events, bounded by ctx.
func (u *Uploader) Drain(ctx context.Context) error {
	return u.batch.Drain(ctx)
}

// Close stops the background batcher goroutine.
func (u *Uploader) Close() {
	u.batch.Close()
}

// RecoverFromSpool re-ingests any event batches left on disk by a prior
// process that crashed or was killed mid-flush.
func (u *Uploader) RecoverFromSpool(ctx context.Context) error {
	entries := u.spool.ListKind(spool.KindEvents)
	for _, entry := range entries {
		data, ok, err := u.spool.Read(entry.ID)
		if err != nil {
			u.logger.Warn("eventpipeline: skipping unreadable spooled batch", "id", entry.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		var events []model.Event
		if err := json.Unmarshal(data, &events); err != nil {
			u.logger.Warn("eventpipeline: dropping malformed spooled batch", "id", entry.ID, "error", err)
			_ = u.spool.Delete(entry.ID)
			continue
		}
		if _, err := u.client.Ingest(ctx, ingestclient.IngestRequest{Events: events}); err != nil {
			u.logger.Warn("eventpipeline: recovery ingest failed, will retry later", "id", entry.ID, "error", err)
			continue
		}
		if err := u.spool.Delete(entry.ID); err != nil {
			u.logger.Warn("eventpipeline: failed to delete recovered spool entry", "id", entry.ID, "error", err)
		}
	}
	return nil
}

// onFlush is the batcher.FlushFunc: spool the batch, ingest it, then drop
// the spool entry. Returning an error causes the batcher to re-queue the
// batch in memory; the spooled copy remains for crash recovery either way.
func (u *Uploader) onFlush(ctx context.Context, batch []model.Event) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("eventpipeline: encode batch: %w", err)
	}

	id := uuid.NewString()
	if err := u.spool.Write(id, data, spool.KindEvents); err != nil {
		u.logger.Warn("eventpipeline: failed to spool batch before ingest", "error", err)
	} else {
		u.evictToFit(id)
	}

	if _, err := u.client.Ingest(ctx, ingestclient.IngestRequest{Events: batch}); err != nil {
		return fmt.Errorf("eventpipeline: ingest: %w", err)
	}

	if err := u.spool.Delete(id); err != nil {
		u.logger.Warn("eventpipeline: failed to delete spooled batch after successful ingest", "id", id, "error", err)
	}
	return nil
}

// evictToFit enforces the spool's configured quota after a write, per the
// Adapter.Write contract in spool.go. If the write just made (id) is itself
// among the evicted entries, the in-flight ingest still has the batch in
// memory and proceeds normally — only the crash-recovery copy is lost.
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
			u.logger.Warn("eventpipeline: quota eviction reclaimed the batch just spooled; crash recovery for it is lost", "id", id)
		}
	}
	u.logger.Debug("eventpipeline: evicted spool entries to fit quota", "count", len(evicted), "quota", u.quota)
}
