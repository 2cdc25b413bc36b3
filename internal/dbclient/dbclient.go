// Package dbclient implements the typed CouchDB-compatible operations
// described in spec.md §4.3: fetching a batch of server-minted ids,
// PUTting a document, submitting a body to an update handler, and
// reading a view with include_docs. It is the one package in this repo
// that speaks HTTP; internal/uploader and internal/queue depend only on
// its exported methods, never on net/http directly.
package dbclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxResponseBodyBytes = 1 << 20

// Config controls the HTTP client's retry behaviour for transient
// failures (connection errors, 5xx). It does not govern the
// payload-telemetry merge loop's conflict retries, which are counted in
// attempts (max_merge_attempts), not wall-clock backoff.
type Config struct {
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig mirrors the constants the teacher collects in
// internal/config/defaults.go: a finite per-request timeout and a small,
// bounded number of retries on transient transport errors.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Client is a typed HTTP client scoped to one {couch_uri}/{couch_db}/.
type Client struct {
	baseURL string
	http    *http.Client
	config  Config
}

// New builds a Client rooted at couchURI/couchDB/, collapsing any
// duplicate slashes the caller's couchURI already carries (spec.md §9:
// "the source sometimes writes a database URL that already ends in
// /habitat/"; this implementation always treats couchDB as a name).
func New(couchURI, couchDB string, cfg Config) *Client {
	base := strings.TrimRight(couchURI, "/") + "/" + strings.Trim(couchDB, "/") + "/"
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		config:  cfg,
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// FetchUUIDs performs GET /_uuids?count=n against the database server
// (an absolute, server-rooted path, unlike every other operation here).
func (c *Client) FetchUUIDs(ctx context.Context, n int) ([]string, error) {
	// _uuids is a server-level endpoint, not scoped to /{db}/; derive it
	// from the scheme+host of baseURL rather than joining onto the db path.
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errs.New("fetch_uuids", errs.MalformedResponse, err)
	}
	u.Path = "/_uuids"
	u.RawQuery = "count=" + strconv.Itoa(n)

	resp, body, err := c.doWithRetry(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.New("fetch_uuids", errs.NetworkError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("fetch_uuids", errs.NetworkError,
			statusError(resp.StatusCode, body))
	}

	var parsed types.UUIDsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.New("fetch_uuids", errs.MalformedResponse, err)
	}
	if len(parsed.UUIDs) != n {
		return nil, errs.New("fetch_uuids", errs.MalformedResponse,
			fmt.Errorf("expected %d uuids, got %d", n, len(parsed.UUIDs)))
	}
	return parsed.UUIDs, nil
}

// PutDoc PUTs doc (any JSON-marshalable value carrying its own _id) at
// path id. 409 maps to the internal conflict kind; any other non-201
// status maps to NetworkError.
func (c *Client) PutDoc(ctx context.Context, id string, doc interface{}) (*types.PutDocResult, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.New("put_doc", errs.InvalidArgument, err)
	}

	resp, body, err := c.doWithRetry(ctx, http.MethodPut, c.url(id), payload)
	if err != nil {
		return nil, errs.New("put_doc", errs.NetworkError, err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		var result types.PutDocResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, errs.New("put_doc", errs.MalformedResponse, err)
		}
		return &result, nil
	case http.StatusConflict:
		return nil, errs.NewConflict("put_doc", statusError(resp.StatusCode, body))
	default:
		return nil, errs.New("put_doc", errs.NetworkError, statusError(resp.StatusCode, body))
	}
}

// UpdateHandler PUTs body to _design/{design}/_update/{name}/{id}. A 2xx
// response returns its raw body; 409 maps to the internal conflict kind
// so the merge loop can retry; every other status (401, 403, other 4xx,
// 5xx) is immediately unmergeable, per spec.md §4.3 — the update handler
// path never retries on anything but a conflict.
func (c *Client) UpdateHandler(ctx context.Context, design, name, id string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New("update_handler", errs.InvalidArgument, err)
	}

	path := fmt.Sprintf("_design/%s/_update/%s/%s", design, name, id)
	resp, respBody, err := c.doWithRetry(ctx, http.MethodPut, c.url(path), payload)
	if err != nil {
		return nil, errs.New("update_handler", errs.NetworkError, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, errs.NewConflict("update_handler", statusError(resp.StatusCode, respBody))
	default:
		return nil, errs.New("update_handler", errs.UnmergeableError, statusError(resp.StatusCode, respBody))
	}
}

// View performs GET _design/{design}/_view/{name}?{params}.
func (c *Client) View(ctx context.Context, design, name string, params url.Values) (*types.ViewResponse, error) {
	path := fmt.Sprintf("_design/%s/_view/%s", design, name)
	full := c.url(path)
	if encoded := params.Encode(); encoded != "" {
		full += "?" + encoded
	}

	resp, body, err := c.doWithRetry(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, errs.New("view", errs.NetworkError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("view", errs.NetworkError, statusError(resp.StatusCode, body))
	}

	var parsed types.ViewResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.New("view", errs.MalformedResponse, err)
	}
	return &parsed, nil
}

// doWithRetry issues one logical request, retrying transient transport
// errors and 5xx responses with exponential backoff bounded by
// c.config.MaxRetries — the same shape as the teacher's RetryHTTPClient,
// rebuilt on github.com/cenkalti/backoff/v4 instead of a hand-rolled
// doubling loop. It never retries 409 or 4xx; those are returned to the
// caller to interpret (conflict vs. unmergeable vs. malformed).
func (c *Client) doWithRetry(ctx context.Context, method, rawURL string, payload []byte) (*http.Response, []byte, error) {
	var resp *http.Response
	var body []byte

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.InitialBackoff
	policy.MaxInterval = c.config.MaxBackoff
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, c.config.MaxRetries), ctx)

	operation := func() error {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		// The server and test harness reject a 100-continue expectation
		// header; net/http never sends one for these short bodies, but we
		// make the intent explicit rather than relying on that default.
		req.Header.Del("Expect")

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}

		b, readErr := readLimited(r.Body)
		r.Body.Close()
		if readErr != nil {
			return readErr
		}

		if r.StatusCode >= 500 {
			resp, body = r, b
			return fmt.Errorf("server error: status %d", r.StatusCode)
		}

		resp, body = r, b
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil && resp == nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, maxResponseBodyBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(b) > maxResponseBodyBytes {
		b = b[:maxResponseBodyBytes]
	}
	return b, nil
}

func statusError(status int, body []byte) error {
	return fmt.Errorf("unexpected status %d: %s", status, truncate(body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
