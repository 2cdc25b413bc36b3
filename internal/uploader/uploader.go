// Package uploader implements the synchronous uploader core described in
// spec.md §4.4-4.6: listener uploads, the payload-telemetry merge loop,
// and the flight/payload-configuration view joins. It holds no
// concurrency primitives of its own — spec.md §5 describes the
// synchronous variant as single-threaded from the caller's perspective;
// internal/queue is what adds a worker and a mutex around this type.
package uploader

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"log"
	"net/url"

	jsoniter "github.com/json-iterator/go"

	"github.com/ukhas/habuploader/internal/dbclient"
	"github.com/ukhas/habuploader/internal/docbuilder"
	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/idpool"
	"github.com/ukhas/habuploader/internal/rfc3339"
	"github.com/ukhas/habuploader/internal/telemetry"
	"github.com/ukhas/habuploader/internal/types"
)

// json is the same jsoniter codec internal/dbclient uses, kept consistent
// across both packages that decode view-row and document JSON. stdjson is
// kept solely for the RawMessage type, which json-iterator aliases from it
// anyway.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is the subset of dbclient.Client the uploader core depends on,
// so tests can substitute a fake without starting an HTTP server.
type Client interface {
	PutDoc(ctx context.Context, id string, doc interface{}) (*types.PutDocResult, error)
	UpdateHandler(ctx context.Context, design, name, id string, body interface{}) ([]byte, error)
	View(ctx context.Context, design, name string, params url.Values) (*types.ViewResponse, error)
}

var _ Client = (*dbclient.Client)(nil)

// Uploader is the synchronous uploader core for one session. Construct
// with New, or NewUninitialised followed by Init if the caller wants to
// build the struct before it has callsign/database configuration (the
// pattern internal/queue uses across re_init/reset).
type Uploader struct {
	client Client
	pool   *idpool.Pool
	telem  *telemetry.Telemetry
	logger *log.Logger
	clock  func() int64

	state   types.SessionState
	builder *docbuilder.Builder
}

// NewUninitialised builds an Uploader with no session configured; every
// operation fails with errs.NotInitialised until Init succeeds.
func NewUninitialised(client Client, pool *idpool.Pool, telem *telemetry.Telemetry, logger *log.Logger, clock func() int64) *Uploader {
	if logger == nil {
		logger = log.Default()
	}
	if clock == nil {
		clock = defaultClock
	}
	return &Uploader{client: client, pool: pool, telem: telem, logger: logger, clock: clock}
}

// New builds and immediately initialises an Uploader.
func New(client Client, pool *idpool.Pool, telem *telemetry.Telemetry, logger *log.Logger, clock func() int64, cfg types.Config) (*Uploader, error) {
	u := NewUninitialised(client, pool, telem, logger, clock)
	if err := u.Init(cfg); err != nil {
		return nil, err
	}
	return u, nil
}

// Init validates cfg and (re)configures the session, the same eager
// validation internal/session.NewManager performs in the teacher: a bad
// configuration fails here rather than on the first upload.
func (u *Uploader) Init(cfg types.Config) error {
	if cfg.Callsign == "" {
		return errs.New("init", errs.InvalidArgument, fmt.Errorf("callsign is required"))
	}
	cfg = cfg.WithDefaults()
	if cfg.MaxMergeAttempts < 1 {
		return errs.New("init", errs.InvalidArgument, fmt.Errorf("max_merge_attempts must be >= 1"))
	}

	u.state = types.SessionState{
		Callsign:         cfg.Callsign,
		CouchURI:         cfg.CouchURI,
		CouchDB:          cfg.CouchDB,
		MaxMergeAttempts: cfg.MaxMergeAttempts,
		Initialised:      true,
	}
	u.builder = &docbuilder.Builder{
		Callsign: cfg.Callsign,
		NextID:   u.pool.Next,
		Now:      u.clock,
	}
	return nil
}

// Reset clears session configuration; subsequent operations fail with
// errs.NotInitialised until Init runs again.
func (u *Uploader) Reset() {
	u.state = types.SessionState{}
	u.builder = nil
}

func (u *Uploader) requireInitialised(op string) error {
	if !u.state.Initialised {
		return errs.New(op, errs.NotInitialised, nil)
	}
	return nil
}

// ListenerTelemetry implements spec.md §4.4 for the listener_telemetry
// kind.
func (u *Uploader) ListenerTelemetry(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return u.uploadListener(ctx, types.ListenerTelemetry, data, timeCreated)
}

// ListenerInformation implements spec.md §4.4 for the
// listener_information kind.
func (u *Uploader) ListenerInformation(ctx context.Context, data map[string]interface{}, timeCreated *string) (string, error) {
	return u.uploadListener(ctx, types.ListenerInformation, data, timeCreated)
}

func (u *Uploader) uploadListener(ctx context.Context, kind types.ListenerKind, data map[string]interface{}, timeCreated *string) (string, error) {
	op := string(kind)
	if err := u.requireInitialised(op); err != nil {
		return "", err
	}

	doc, err := u.builder.BuildListener(ctx, kind, data, timeCreated)
	if err != nil {
		return "", err
	}

	if _, err := u.client.PutDoc(ctx, doc.ID, doc); err != nil {
		if errs.IsConflict(err) {
			// A freshly minted id colliding is not supposed to happen; the
			// spec treats it as unmergeable rather than retryable.
			return "", errs.New(op, errs.UnmergeableError, err)
		}
		return "", err
	}

	switch kind {
	case types.ListenerTelemetry:
		u.state.LatestListenerTelemetry = doc.ID
	case types.ListenerInformation:
		u.state.LatestListenerInformation = doc.ID
	}

	if u.telem != nil {
		u.telem.RecordUpload(ctx, op)
	}
	return doc.ID, nil
}

// PayloadTelemetry implements the merge loop from spec.md §4.5: content
// address the raw frame, submit the receiver slot to the update handler,
// and retry on conflict up to MaxMergeAttempts, re-stamping only
// time_uploaded between attempts.
func (u *Uploader) PayloadTelemetry(ctx context.Context, raw []byte, metadata map[string]interface{}, timeCreated *string) (string, error) {
	const op = "payload_telemetry"
	if err := u.requireInitialised(op); err != nil {
		return "", err
	}

	id, proto, err := u.builder.BuildProtoPTLM(raw, metadata, timeCreated,
		u.state.LatestListenerTelemetry, u.state.LatestListenerInformation)
	if err != nil {
		return "", err
	}

	var spanCtx = ctx
	var endSpan func()
	if u.telem != nil {
		sc, sp := u.telem.StartMergeLoop(ctx, id)
		spanCtx, endSpan = sc, func() { sp.End() }
	}
	if endSpan != nil {
		defer endSpan()
	}

	attempts := 0
	for {
		attempts++
		_, sendErr := u.client.UpdateHandler(spanCtx, "payload_telemetry", "add_listener", id, proto)
		if sendErr == nil {
			if u.telem != nil {
				u.telem.RecordUpload(spanCtx, op)
				u.telem.RecordMergeAttempts(spanCtx, attempts)
			}
			u.logger.Printf("[uploader] payload_telemetry %s merged after %d attempt(s)", id, attempts)
			return id, nil
		}

		if !errs.IsConflict(sendErr) {
			return "", errs.New(op, errs.UnmergeableError, sendErr)
		}

		if u.telem != nil {
			u.telem.RecordConflict(spanCtx)
		}
		if attempts >= u.state.MaxMergeAttempts {
			return "", errs.New(op, errs.UnmergeableError,
				fmt.Errorf("gave up after %d conflicting attempts: %w", attempts, sendErr))
		}

		u.logger.Printf("[uploader] payload_telemetry %s conflict, retrying (attempt %d/%d)", id, attempts, u.state.MaxMergeAttempts)
		proto = u.builder.RestampRetry(proto)
	}
}

// Flights implements spec.md §4.6: join the flight/payload view so each
// result carries its referenced payload-configuration documents under
// _payload_docs.
func (u *Uploader) Flights(ctx context.Context) ([]types.Doc, error) {
	const op = "flights"
	if err := u.requireInitialised(op); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("include_docs", "true")
	params.Set("startkey", fmt.Sprintf("[%d]", u.clock()))

	resp, err := u.client.View(ctx, "flight", "end_start_including_payloads", params)
	if err != nil {
		return nil, err
	}

	var result []types.Doc
	var current types.Doc
	var currentPayloads []types.Doc

	flush := func() {
		if current != nil {
			if len(currentPayloads) > 0 {
				current[types.PayloadDocsKey] = currentPayloads
			} else {
				current[types.PayloadDocsKey] = []types.Doc{}
			}
			result = append(result, current)
		}
	}

	for _, row := range resp.Rows {
		var key []interface{}
		if err := json.Unmarshal(row.Key, &key); err != nil || len(key) < 4 {
			return nil, errs.New(op, errs.MalformedResponse, fmt.Errorf("unexpected view key: %s", row.Key))
		}
		kind, _ := key[3].(float64)

		if kind == 0 {
			flush()
			current = types.Doc{}
			currentPayloads = nil
			if err := json.Unmarshal(row.Doc, &current); err != nil {
				return nil, errs.New(op, errs.MalformedResponse, err)
			}
			continue
		}

		if isNullDoc(row.Doc) {
			continue
		}
		var payloadDoc types.Doc
		if err := json.Unmarshal(row.Doc, &payloadDoc); err != nil {
			return nil, errs.New(op, errs.MalformedResponse, err)
		}
		currentPayloads = append(currentPayloads, payloadDoc)
	}
	flush()

	return result, nil
}

// Payloads implements spec.md §4.6's payload_configuration view.
func (u *Uploader) Payloads(ctx context.Context) ([]types.Doc, error) {
	const op = "payloads"
	if err := u.requireInitialised(op); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("include_docs", "true")

	resp, err := u.client.View(ctx, "payload_configuration", "name_time_created", params)
	if err != nil {
		return nil, err
	}

	docs := make([]types.Doc, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if isNullDoc(row.Doc) {
			continue
		}
		var doc types.Doc
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			return nil, errs.New("payloads", errs.MalformedResponse, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func isNullDoc(raw stdjson.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func defaultClock() int64 { return rfc3339.SystemClock() }
