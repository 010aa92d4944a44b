// Package xray is an embeddable, in-process telemetry client for
// multi-step pipeline traces. A host program constructs a Tracer, asks it
// for a Trace per pipeline run, and calls the Trace's methods to record
// steps, errors, and data blobs as the run progresses. Every method is
// non-blocking and never-break-the-host: failures are logged through the
// debug sink and absorbed, never raised into caller code.
//
//	t, err := xray.New(xray.Config{APIKey: apiKey, ProjectID: "checkout"},
//	    xray.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer t.Shutdown(context.Background())
//
//	trace := t.CreateTrace(nil)
//	defer trace.Success(xray.EndOptions{})
//	trace.Step(xray.StepOptions{StepName: "validate"})
//
// The import graph enforces a strict no-cycle rule: xray (root) imports
// internal/*, but internal/* never imports xray (root). Public types
// (Artifact, Metadata, StepOptions, ...) are standalone — no internal
// package leaks into the public API.
package xray

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mhetreayush/xray-sdk/internal/blobpipeline"
	"github.com/mhetreayush/xray-sdk/internal/config"
	"github.com/mhetreayush/xray-sdk/internal/eventpipeline"
	"github.com/mhetreayush/xray-sdk/internal/ingestclient"
	"github.com/mhetreayush/xray-sdk/internal/model"
	"github.com/mhetreayush/xray-sdk/internal/serializer"
	"github.com/mhetreayush/xray-sdk/internal/spool"
)

// Config carries the two required, non-defaultable fields. Everything else
// — Enabled, Debug, BaseURL, quotas, batch tuning — has a sensible default
// and lives behind an Option instead, so a bare Config{} literal can never
// silently disable the tracer or zero out a quota.
type Config struct {
	// APIKey is sent as x-api-key on every ingest/presign request.
	APIKey string
	// ProjectID prefixes every traceId and is echoed into every event.
	ProjectID string
}

// Tracer is the root of the client SDK. Construct with New, shut down with
// Shutdown. A disabled Tracer (WithEnabled(false) or XRAY_ENABLED=false) still
// satisfies the full API — CreateTrace returns a no-op Trace — so host code
// never needs to branch on whether tracing is active.
type Tracer struct {
	cfg    config.Config
	logger *slog.Logger

	spool      spool.Adapter
	serializer *serializer.Pool
	client     *ingestclient.Client
	events     *eventpipeline.Uploader
	blobs      *blobpipeline.Uploader
}

// New validates configuration, wires the spool/serializer/ingest client and
// the two uploaders, kicks off background startup recovery, and returns a
// ready-to-use Tracer. It does not block on recovery or start any network
// call synchronously.
func New(cfg Config, opts ...Option) (*Tracer, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load a .env file if present (non-fatal; most hosts won't have one).
	_ = godotenv.Load()

	resolved := config.Defaults()
	resolved.APIKey = cfg.APIKey
	resolved.ProjectID = cfg.ProjectID
	if o.hasEnabled {
		resolved.Enabled = o.enabled
	}
	if o.hasDebug {
		resolved.Debug = o.debug
	}

	if o.hasBaseURL {
		resolved.BaseURL = o.baseURL
	}
	if o.hasTempDir {
		resolved.TempDir = o.tempDir
	}
	if o.hasMaxDisk {
		resolved.MaxDiskSize = o.maxDiskSize
	}
	if o.hasMaxMemory {
		resolved.MaxMemorySize = o.maxMemorySize
	}
	if o.hasInterval {
		resolved.BatchInterval = o.batchInterval
	}
	if o.hasBatchSize {
		resolved.MaxBatchSize = o.maxBatchSize
	}
	if o.hasWorkerPool {
		resolved.WorkerPoolSize = o.workerPoolSize
	}

	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("xray: %w", err)
	}

	logger := o.logger
	if logger == nil {
		level := resolved.ParseLogLevel()
		if resolved.Debug {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	if !resolved.Debug {
		logger = logger.With("debug", false)
	}
	logger.Info("xray tracer initializing", "projectId", resolved.ProjectID, "enabled", resolved.Enabled)

	if !resolved.Enabled {
		return &Tracer{cfg: resolved, logger: logger}, nil
	}

	adapter, quota, err := newSpoolAdapter(resolved, logger)
	if err != nil {
		return nil, fmt.Errorf("xray: %w", err)
	}

	pool := serializer.New(resolved.WorkerPoolSize)

	client, err := ingestclient.New(ingestclient.Config{
		BaseURL:    resolved.BaseURL,
		APIKey:     resolved.APIKey,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("xray: %w", err)
	}

	events := eventpipeline.New(client, adapter, resolved.MaxBatchSize, resolved.BatchInterval, quota, logger)
	blobs := blobpipeline.New(client, adapter, pool, quota, logger)

	t := &Tracer{
		cfg:        resolved,
		logger:     logger,
		spool:      adapter,
		serializer: pool,
		client:     client,
		events:     events,
		blobs:      blobs,
	}

	// Startup recovery replays residue left by a prior process. It runs in
	// the background and must not block CreateTrace (§4.6).
	go t.recoverFromSpool()

	return t, nil
}

// newSpoolAdapter constructs a DiskSpool, falling back to a MemorySpool if
// disk initialization fails (unwritable root, missing permission). The
// fallback is logged at Warn regardless of the debug setting (§4.1). The
// returned quota is whichever of MaxDiskSize/MaxMemorySize matches the
// backend actually constructed, for the uploaders to enforce via
// Adapter.EvictToFit after every write.
func newSpoolAdapter(cfg config.Config, logger *slog.Logger) (spool.Adapter, int64, error) {
	disk, err := spool.NewDiskSpool(cfg.ResolveTempDir(), logger)
	if err != nil {
		logger.Warn("xray: disk spool init failed, falling back to memory spool", "tempDir", cfg.ResolveTempDir(), "error", err)
		return spool.NewMemorySpool(), cfg.MaxMemorySize, nil
	}
	return disk, cfg.MaxDiskSize, nil
}

func (t *Tracer) recoverFromSpool() {
	ctx := context.Background()
	if err := t.events.RecoverFromSpool(ctx); err != nil {
		t.logger.Warn("xray: event batch recovery failed", "error", err)
	}
	t.blobs.RecoverFromSpool(ctx)
}

// CreateTrace starts a new Trace. If the tracer is disabled, it returns a
// sentinel no-op Trace whose ID is empty and whose methods are all no-ops.
// Otherwise it allocates traceId = "{projectId}-{uuid}" and synchronously
// enqueues a trace-start event — no network round trip has occurred by the
// time CreateTrace returns (invariant 1).
func (t *Tracer) CreateTrace(metadata Metadata) *Trace {
	if !t.cfg.Enabled {
		return &Trace{noop: true}
	}

	id := fmt.Sprintf("%s-%s", t.cfg.ProjectID, uuid.NewString())
	tr := &Trace{
		id:        id,
		projectID: t.cfg.ProjectID,
		metadata:  metadata,
		tracer:    t,
	}
	t.events.Add(model.NewTraceStartEvent(id, t.cfg.ProjectID, model.Metadata(metadata), time.Now()))
	return tr
}

// Shutdown performs the three-phase, non-throwing drain from §4.7 and §5:
// (1) force-drain the batcher, (2) await in-flight blob tasks, (3) drain
// the serializer pool. All three phases share ctx as their bound; a phase
// that fails or times out is logged and the next phase still runs against
// the same ctx. Shutdown on a disabled Tracer is a no-op.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}

	t.logger.Info("xray tracer shutting down")

	if err := t.events.Drain(ctx); err != nil {
		t.logger.Warn("xray: batcher drain incomplete, residue left on disk for next run", "error", err)
	}
	t.events.Close()

	if err := t.blobs.Await(ctx); err != nil {
		t.logger.Warn("xray: blob task await incomplete, residue left on disk for next run", "error", err)
	}

	if err := t.serializer.Drain(ctx); err != nil {
		t.logger.Warn("xray: serializer pool drain incomplete", "error", err)
	}

	t.logger.Info("xray tracer stopped")
	return nil
}
