// Package queue implements the threaded variant from spec.md §4.7: a
// single worker goroutine draining a FIFO of requests against one
// internal/uploader.Uploader, so callers never block the database client
// directly. It is modeled on the teacher's internal/worker.TelemetryShipper
// (buffered work, a dedicated run loop, explicit Close draining the
// buffer) and internal/retention.Manager (stopCh/stoppedCh goroutine
// lifecycle), combined into one request/response FIFO instead of a
// fire-and-forget batch shipper, since every uploader operation here has
// a caller waiting on a result.
package queue

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/types"
	"github.com/ukhas/habuploader/internal/uploader"
)

// result is what one queued operation produced.
type result struct {
	value interface{}
	err   error
}

// Future is the handle a caller gets back from each of the Queue's
// operation methods (ListenerTelemetry, PayloadTelemetry, ...). Whether the
// caller blocks on it immediately or stashes it and checks back later is
// entirely up to the caller — the queue itself never decides that for a
// given operation kind, per spec.md §4.7.
type Future struct {
	done   chan result
	id     uuid.UUID
}

// Wait blocks until the operation completes or ctx is done. Waiting does
// not cancel the underlying request: spec.md §4.7 and §5 both rule out
// cancelling in-flight work.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case r := <-f.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CorrelationID returns the id tagging this request, for the caller's own
// log lines (the queue itself does not log it); never sent to the
// database (see SPEC_FULL.md §13, "Correlation id").
func (f *Future) CorrelationID() uuid.UUID { return f.id }

type queueItem struct {
	id   uuid.UUID
	run  func(ctx context.Context, u *uploader.Uploader) (interface{}, error)
	done chan result
}

// Queue is the background worker and its FIFO. The single mutex below
// guards exactly the state spec.md §5 calls out: the pending slice, the
// pending re_init/reset flags, the closed flag, and nothing else — it is never held while
// a request is executing against the database.
type Queue struct {
	logger *log.Logger

	mu            sync.Mutex
	pending       []*queueItem
	pendingConfig *types.Config
	pendingReset  bool
	closed        bool
	wake          chan struct{}

	up *uploader.Uploader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue wrapping up (initially uninitialised or not, caller's
// choice) and starts its worker goroutine.
func New(up *uploader.Uploader, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		up:     up,
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// enqueue appends run to the FIFO and returns a Future for its result.
func (q *Queue) enqueue(run func(ctx context.Context, u *uploader.Uploader) (interface{}, error)) *Future {
	item := &queueItem{id: uuid.New(), run: run, done: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		item.done <- result{err: errs.New("enqueue", errs.NotInitialised, nil)}
		return &Future{done: item.done, id: item.id}
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.notify()

	return &Future{done: item.done, id: item.id}
}

// ListenerTelemetry enqueues spec.md §4.4's listener_telemetry operation.
func (q *Queue) ListenerTelemetry(data map[string]interface{}, timeCreated *string) *Future {
	return q.enqueue(func(ctx context.Context, u *uploader.Uploader) (interface{}, error) {
		return u.ListenerTelemetry(ctx, data, timeCreated)
	})
}

// ListenerInformation enqueues spec.md §4.4's listener_information
// operation.
func (q *Queue) ListenerInformation(data map[string]interface{}, timeCreated *string) *Future {
	return q.enqueue(func(ctx context.Context, u *uploader.Uploader) (interface{}, error) {
		return u.ListenerInformation(ctx, data, timeCreated)
	})
}

// PayloadTelemetry enqueues spec.md §4.5's merge loop.
func (q *Queue) PayloadTelemetry(raw []byte, metadata map[string]interface{}, timeCreated *string) *Future {
	return q.enqueue(func(ctx context.Context, u *uploader.Uploader) (interface{}, error) {
		return u.PayloadTelemetry(ctx, raw, metadata, timeCreated)
	})
}

// Flights enqueues spec.md §4.6's flight join.
func (q *Queue) Flights() *Future {
	return q.enqueue(func(ctx context.Context, u *uploader.Uploader) (interface{}, error) {
		return u.Flights(ctx)
	})
}

// Payloads enqueues spec.md §4.6's payload-configuration view.
func (q *Queue) Payloads() *Future {
	return q.enqueue(func(ctx context.Context, u *uploader.Uploader) (interface{}, error) {
		return u.Payloads(ctx)
	})
}

// Reinit swaps session parameters for all subsequent requests: it never
// touches the Uploader directly (only the worker goroutine is allowed
// to), it just leaves a pending configuration that is applied, by the
// worker, immediately before the next request runs. Whatever request is
// currently in flight keeps running under the old configuration.
func (q *Queue) Reinit(cfg types.Config) {
	q.mu.Lock()
	cfg2 := cfg
	q.pendingConfig = &cfg2
	q.mu.Unlock()
	q.notify()
}

// Reset drops every not-yet-started request (each fails its caller with
// errs.NotInitialised), discards any not-yet-applied Reinit made before
// it, and leaves a pending reset that the worker applies before its next
// request (and before any Reinit made after it) — it affects only
// not-yet-started work, per
// spec.md §4.7.
func (q *Queue) Reset() {
	q.mu.Lock()
	drained := q.pending
	q.pending = nil
	q.pendingReset = true
	q.pendingConfig = nil
	q.mu.Unlock()

	for _, item := range drained {
		item.done <- result{err: errs.New("reset", errs.NotInitialised, nil)}
	}
	q.notify()
}

// Close drains the queue and waits for the worker to exit; no request is
// abandoned mid-flight. Not-yet-started requests still run to completion
// first — Close is not Reset.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.pendingReset {
			q.pendingReset = false
			q.mu.Unlock()
			q.up.Reset()
			continue
		}
		if q.pendingConfig != nil {
			cfg := *q.pendingConfig
			q.pendingConfig = nil
			q.mu.Unlock()
			if err := q.up.Init(cfg); err != nil {
				q.logger.Printf("[queue] re_init failed: %v", err)
			}
			continue
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		// item.run gets context.Background(), never q.ctx: q.ctx is
		// cancelled by Close to unblock the idle wait above, and must
		// never abort a request that already left the queue. Spec.md
		// §5/§4.7 guarantee in-flight work completes.
		value, err := item.run(context.Background(), q.up)
		item.done <- result{value: value, err: err}
	}
}
