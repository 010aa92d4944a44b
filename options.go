package xray

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Tracer beyond what Config carries. Options exist for
// the extension points that don't belong on a literal-constructible Config
// struct — a logger, an HTTP client override for testing against a fake
// backend, and the rare env-var-shaped defaults a caller wants to pin
// without touching the process environment.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after defaults are applied.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger         *slog.Logger
	httpClient     *http.Client
	enabled        bool
	debug          bool
	baseURL        string
	tempDir        string
	maxDiskSize    int64
	maxMemorySize  int64
	batchInterval  time.Duration
	maxBatchSize   int
	workerPoolSize int
	hasEnabled     bool
	hasDebug       bool
	hasBaseURL     bool
	hasTempDir     bool
	hasMaxDisk     bool
	hasMaxMemory   bool
	hasInterval    bool
	hasBatchSize   bool
	hasWorkerPool  bool
}

// WithEnabled overrides Config.Enabled / the XRAY_ENABLED environment
// variable. When false, CreateTrace returns a no-op Trace and nothing is
// ever written to disk or the network.
func WithEnabled(enabled bool) Option {
	return func(o *resolvedOptions) { o.enabled = enabled; o.hasEnabled = true }
}

// WithDebug overrides Config.Debug / the XRAY_DEBUG environment variable.
// When true, the default logger (see WithLogger) logs at debug level and up
// instead of at the XRAY_LOG_LEVEL level (warn unless set). A logger passed
// through WithLogger keeps its own level.
func WithDebug(debug bool) Option {
	return func(o *resolvedOptions) { o.debug = debug; o.hasDebug = true }
}

// WithLogger sets the structured logger used for the debug sink (§7).
// If not set, a JSON logger writing to stderr is used, at the level given
// by XRAY_LOG_LEVEL, or at debug level when debug is enabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithHTTPClient overrides the HTTP client used for presign/ingest/PUT
// requests. Primarily useful in tests that point BaseURL at an
// httptest.Server and want control over timeouts or transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithBaseURL overrides Config.BaseURL / the XRAY_BASE_URL environment
// variable.
func WithBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.baseURL = url; o.hasBaseURL = true }
}

// WithTempDir overrides Config.TempDir / auto-detection.
func WithTempDir(dir string) Option {
	return func(o *resolvedOptions) { o.tempDir = dir; o.hasTempDir = true }
}

// WithMaxDiskSize overrides the disk spool quota in bytes.
func WithMaxDiskSize(bytes int64) Option {
	return func(o *resolvedOptions) { o.maxDiskSize = bytes; o.hasMaxDisk = true }
}

// WithMaxMemorySize overrides the memory spool quota in bytes.
func WithMaxMemorySize(bytes int64) Option {
	return func(o *resolvedOptions) { o.maxMemorySize = bytes; o.hasMaxMemory = true }
}

// WithBatchInterval overrides the batcher's flush period.
func WithBatchInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.batchInterval = d; o.hasInterval = true }
}

// WithMaxBatchSize overrides the batcher's size-triggered flush threshold.
func WithMaxBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.maxBatchSize = n; o.hasBatchSize = true }
}

// WithWorkerPoolSize overrides the serializer pool's worker count. 0
// disables the pool and falls back to inline encoding (§4.2).
func WithWorkerPoolSize(n int) Option {
	return func(o *resolvedOptions) { o.workerPoolSize = n; o.hasWorkerPool = true }
}
