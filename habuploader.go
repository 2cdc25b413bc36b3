// Package habuploader is a client library for uploading amateur
// high-altitude-balloon telemetry to a CouchDB-compatible document
// database. It exposes a synchronous Uploader and a threaded
// QueuedUploader built on the same core (internal/uploader), matching
// spec.md §2's split between the synchronous and background-queue
// variants.
package habuploader

import (
	"context"
	"log"
	"time"

	"github.com/ukhas/habuploader/internal/dbclient"
	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/idpool"
	"github.com/ukhas/habuploader/internal/queue"
	"github.com/ukhas/habuploader/internal/telemetry"
	"github.com/ukhas/habuploader/internal/types"
	"github.com/ukhas/habuploader/internal/uploader"
)

// Config is the set of options recognised at construction and re_init
// time (spec.md §6).
type Config = types.Config

// Defaults for Config fields left zero-valued.
const (
	DefaultCouchURI         = types.DefaultCouchURI
	DefaultCouchDB          = types.DefaultCouchDB
	DefaultMaxMergeAttempts = types.DefaultMaxMergeAttempts
)

// Sentinel errors, re-exported so callers can use errors.Is(err,
// habuploader.ErrNotInitialised) without importing internal/errs.
var (
	ErrNotInitialised    = errs.ErrNotInitialised
	ErrInvalidArgument   = errs.ErrInvalidArgument
	ErrNetworkError      = errs.ErrNetworkError
	ErrMalformedResponse = errs.ErrMalformedResponse
	ErrUnmergeable       = errs.ErrUnmergeable
)

type options struct {
	logger          *log.Logger
	clock           func() int64
	dbClientConfig  dbclient.Config
	telemetryConfig telemetry.Config
}

func defaultOptions() *options {
	return &options{
		logger:          log.Default(),
		dbClientConfig:  dbclient.DefaultConfig(),
		telemetryConfig: telemetry.DefaultConfig(),
	}
}

// Option configures construction of an Uploader or QueuedUploader.
type Option func(*options)

// WithLogger overrides the default *log.Logger (log.Default()).
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPTimeout overrides the per-request HTTP timeout applied by the
// database client (default 10s).
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) { o.dbClientConfig.Timeout = d }
}

// WithDBClientConfig replaces the whole database-client configuration
// (timeout and retry/backoff bounds for transport-level 5xx/timeouts).
func WithDBClientConfig(cfg dbclient.Config) Option {
	return func(o *options) { o.dbClientConfig = cfg }
}

// WithTelemetry enables OpenTelemetry metrics/tracing. Telemetry is
// disabled (no-op) unless this option is supplied with cfg.Enabled true.
func WithTelemetry(cfg telemetry.Config) Option {
	return func(o *options) { o.telemetryConfig = cfg }
}

func build(cfg Config, opts []Option) (*dbclient.Client, *idpool.Pool, *telemetry.Telemetry, *options, error) {
	cfg = cfg.WithDefaults()
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	client := dbclient.New(cfg.CouchURI, cfg.CouchDB, o.dbClientConfig)
	pool := idpool.New(client, o.logger)
	telem, err := telemetry.New(context.Background(), o.telemetryConfig)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return client, pool, telem, o, nil
}

// Uploader is the synchronous variant (spec.md §4.4-4.6, §5): every call
// blocks on the network round trips it needs and touches no shared state
// outside itself.
type Uploader struct {
	core  *uploader.Uploader
	telem *telemetry.Telemetry
}

// New builds and initialises a synchronous Uploader.
func New(cfg Config, opts ...Option) (*Uploader, error) {
	client, pool, telem, o, err := build(cfg, opts)
	if err != nil {
		return nil, err
	}
	core, err := uploader.New(client, pool, telem, o.logger, o.clock, cfg)
	if err != nil {
		return nil, err
	}
	return &Uploader{core: core, telem: telem}, nil
}

// ListenerTelemetry uploads a listener_telemetry document and returns its id.
func (u *Uploader) ListenerTelemetry(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return u.core.ListenerTelemetry(ctx, data, timeCreated)
}

// ListenerInformation uploads a listener_information document and returns its id.
func (u *Uploader) ListenerInformation(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return u.core.ListenerInformation(ctx, data, timeCreated)
}

// PayloadTelemetry runs the merge loop (spec.md §4.5) and returns the
// content-addressed id of raw.
func (u *Uploader) PayloadTelemetry(ctx context.Context, raw []byte, metadata map[string]interface{}, timeCreated *string) (string, error) {
	return u.core.PayloadTelemetry(ctx, raw, metadata, timeCreated)
}

// Flights returns the flight/payload-configuration join (spec.md §4.6).
func (u *Uploader) Flights(ctx context.Context) ([]types.Doc, error) {
	return u.core.Flights(ctx)
}

// Payloads returns every payload-configuration document.
func (u *Uploader) Payloads(ctx context.Context) ([]types.Doc, error) {
	return u.core.Payloads(ctx)
}

// Reinit swaps session parameters; see Config. Only Callsign and
// MaxMergeAttempts take effect: the database client keeps the CouchURI
// and CouchDB the Uploader was constructed with.
func (u *Uploader) Reinit(cfg Config) error {
	return u.core.Init(cfg)
}

// Reset clears session state; subsequent operations fail with
// ErrNotInitialised until Reinit is called.
func (u *Uploader) Reset() {
	u.core.Reset()
}

// Close flushes telemetry. The synchronous Uploader owns no worker
// goroutine, so Close has nothing else to wait on.
func (u *Uploader) Close(ctx context.Context) error {
	if u.telem == nil {
		return nil
	}
	return u.telem.Shutdown(ctx)
}

// QueuedUploader is the threaded variant (spec.md §4.7, §5): one worker
// goroutine drains a FIFO against a single shared core, so callers never
// block each other on the database client directly.
type QueuedUploader struct {
	q     *queue.Queue
	telem *telemetry.Telemetry
}

// NewQueued builds a QueuedUploader and starts its worker goroutine. The
// returned value is usable immediately; if cfg.Callsign is empty the
// worker stays uninitialised until Reinit supplies one.
func NewQueued(cfg Config, opts ...Option) (*QueuedUploader, error) {
	client, pool, telem, o, err := build(cfg, opts)
	if err != nil {
		return nil, err
	}
	core := uploader.NewUninitialised(client, pool, telem, o.logger, o.clock)
	if cfg.Callsign != "" {
		if err := core.Init(cfg); err != nil {
			return nil, err
		}
	}
	return &QueuedUploader{q: queue.New(core, o.logger), telem: telem}, nil
}

func asString(v interface{}, err error) (string, error) {
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func asDocs(v interface{}, err error) ([]types.Doc, error) {
	if err != nil {
		return nil, err
	}
	docs, _ := v.([]types.Doc)
	return docs, nil
}

// ListenerTelemetry enqueues a listener_telemetry upload and blocks for
// the result. Use ListenerTelemetryAsync for the non-blocking form.
func (q *QueuedUploader) ListenerTelemetry(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return asString(q.q.ListenerTelemetry(data, timeCreated).Wait(ctx))
}

// ListenerTelemetryAsync enqueues without blocking; call Wait on the
// returned Future when the result is needed.
func (q *QueuedUploader) ListenerTelemetryAsync(data map[string]interface{}, timeCreated *string) *queue.Future {
	return q.q.ListenerTelemetry(data, timeCreated)
}

// ListenerInformation enqueues a listener_information upload and blocks
// for the result.
func (q *QueuedUploader) ListenerInformation(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return asString(q.q.ListenerInformation(data, timeCreated).Wait(ctx))
}

// ListenerInformationAsync enqueues without blocking.
func (q *QueuedUploader) ListenerInformationAsync(data map[string]interface{}, timeCreated *string) *queue.Future {
	return q.q.ListenerInformation(data, timeCreated)
}

// PayloadTelemetry enqueues a merge-loop run and blocks for the result.
func (q *QueuedUploader) PayloadTelemetry(ctx context.Context, raw []byte, metadata map[string]interface{}, timeCreated *string) (string, error) {
	return asString(q.q.PayloadTelemetry(raw, metadata, timeCreated).Wait(ctx))
}

// PayloadTelemetryAsync enqueues without blocking.
func (q *QueuedUploader) PayloadTelemetryAsync(raw []byte, metadata map[string]interface{}, timeCreated *string) *queue.Future {
	return q.q.PayloadTelemetry(raw, metadata, timeCreated)
}

// Flights enqueues a flights() view join and blocks for the result.
func (q *QueuedUploader) Flights(ctx context.Context) ([]types.Doc, error) {
	return asDocs(q.q.Flights().Wait(ctx))
}

// Payloads enqueues a payloads() view read and blocks for the result.
func (q *QueuedUploader) Payloads(ctx context.Context) ([]types.Doc, error) {
	return asDocs(q.q.Payloads().Wait(ctx))
}

// Reinit atomically swaps session parameters for all subsequent
// requests; in-flight work completes under the old settings (spec.md
// §4.7). Only Callsign and MaxMergeAttempts take effect: the database
// client keeps the CouchURI and CouchDB the QueuedUploader was
// constructed with.
func (q *QueuedUploader) Reinit(cfg Config) {
	q.q.Reinit(cfg)
}

// Reset clears not-yet-started requests and returns the uploader to
// uninitialised state (spec.md §4.7).
func (q *QueuedUploader) Reset() {
	q.q.Reset()
}

// Close drains the queue, stops the worker, and flushes telemetry. No
// request is abandoned mid-flight.
func (q *QueuedUploader) Close(ctx context.Context) error {
	q.q.Close()
	if q.telem == nil {
		return nil
	}
	return q.telem.Shutdown(ctx)
}
