package uploader

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/idpool"
	"github.com/ukhas/habuploader/internal/types"
)

// fakeClient is a hand-rolled stand-in for dbclient.Client, letting these
// tests drive the merge loop and view joins without an HTTP server.
type fakeClient struct {
	uuidBatches [][]string
	uuidCalls   int

	putDocs map[string]interface{}
	putErr  error

	updateResponses []error // one entry consumed per UpdateHandler call; nil means success
	updateCalls     int
	updateBodies    []*types.ProtoPayloadTelemetry

	viewResponses map[string]*types.ViewResponse
	viewErr       error
}

func (f *fakeClient) FetchUUIDs(ctx context.Context, n int) ([]string, error) {
	if f.uuidCalls >= len(f.uuidBatches) {
		return nil, fmt.Errorf("no more uuid batches configured")
	}
	b := f.uuidBatches[f.uuidCalls]
	f.uuidCalls++
	if len(b) != n {
		return nil, fmt.Errorf("asked for %d, batch has %d", n, len(b))
	}
	return b, nil
}

func (f *fakeClient) PutDoc(ctx context.Context, id string, doc interface{}) (*types.PutDocResult, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	if f.putDocs == nil {
		f.putDocs = map[string]interface{}{}
	}
	f.putDocs[id] = doc
	return &types.PutDocResult{ID: id, Rev: "1-abc"}, nil
}

func (f *fakeClient) UpdateHandler(ctx context.Context, design, name, id string, body interface{}) ([]byte, error) {
	proto, _ := body.(*types.ProtoPayloadTelemetry)
	f.updateBodies = append(f.updateBodies, proto)

	idx := f.updateCalls
	f.updateCalls++
	if idx >= len(f.updateResponses) {
		return []byte(`{}`), nil
	}
	if err := f.updateResponses[idx]; err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func (f *fakeClient) View(ctx context.Context, design, name string, params url.Values) (*types.ViewResponse, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	resp, ok := f.viewResponses[design+"/"+name]
	if !ok {
		return nil, fmt.Errorf("no fake view response for %s/%s", design, name)
	}
	return resp, nil
}

func batchOfSize(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func newTestUploader(t *testing.T, client Client, cfg types.Config) *Uploader {
	t.Helper()
	pool := idpool.New(client.(idpool.Fetcher), nil)
	u, err := New(client, pool, nil, nil, func() int64 { return 1000 }, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u
}

func TestOperationsFailBeforeInit(t *testing.T) {
	client := &fakeClient{}
	pool := idpool.New(client, nil)
	u := NewUninitialised(client, pool, nil, nil, nil)

	_, err := u.ListenerTelemetry(context.Background(), map[string]interface{}{}, nil)
	if !errors.Is(err, errs.ErrNotInitialised) {
		t.Errorf("ListenerTelemetry before Init: got %v, want NotInitialised", err)
	}

	_, err = u.PayloadTelemetry(context.Background(), []byte("x"), nil, nil)
	if !errors.Is(err, errs.ErrNotInitialised) {
		t.Errorf("PayloadTelemetry before Init: got %v, want NotInitialised", err)
	}

	_, err = u.Flights(context.Background())
	if !errors.Is(err, errs.ErrNotInitialised) {
		t.Errorf("Flights before Init: got %v, want NotInitialised", err)
	}
}

func TestInitRejectsEmptyCallsign(t *testing.T) {
	client := &fakeClient{}
	pool := idpool.New(client, nil)
	u := NewUninitialised(client, pool, nil, nil, nil)
	err := u.Init(types.Config{})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("Init with empty callsign: got %v, want InvalidArgument", err)
	}
}

func TestListenerTelemetryUploadsAndRecordsLatestID(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	id, err := u.ListenerTelemetry(context.Background(), map[string]interface{}{"latitude": 3.12}, nil)
	if err != nil {
		t.Fatalf("ListenerTelemetry: %v", err)
	}
	if id != "id-0" {
		t.Errorf("id = %q, want id-0 (first of pool)", id)
	}
	if u.state.LatestListenerTelemetry != id {
		t.Errorf("LatestListenerTelemetry = %q, want %q", u.state.LatestListenerTelemetry, id)
	}

	doc, ok := client.putDocs[id].(*types.ListenerDoc)
	if !ok {
		t.Fatalf("PUT body was not a *types.ListenerDoc: %T", client.putDocs[id])
	}
	if doc.Data["callsign"] != "PROXYCALL" {
		t.Errorf("PUT body callsign = %v, want PROXYCALL", doc.Data["callsign"])
	}
}

func TestListenerUploadLeavesStateUnchangedOnFailure(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}, putErr: fmt.Errorf("connection reset")}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})
	u.state.LatestListenerTelemetry = "previous-id"

	_, err := u.ListenerTelemetry(context.Background(), map[string]interface{}{}, nil)
	if err == nil {
		t.Fatal("expected error from failing PutDoc")
	}
	if u.state.LatestListenerTelemetry != "previous-id" {
		t.Errorf("state was updated despite failure: %q", u.state.LatestListenerTelemetry)
	}
}

func TestPayloadTelemetryFirstAttemptSucceeds(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	raw := []byte("asdf blah \x12 binar\x04\x01 asdfasdfsz")
	id, err := u.PayloadTelemetry(context.Background(), raw, map[string]interface{}{"frequency": 434075000, "misc": "Hi"}, nil)
	if err != nil {
		t.Fatalf("PayloadTelemetry: %v", err)
	}
	const want = "c0be13b259acfd2fe23cd0d1e70555d68f83926278b23f5b813bdc75f6b9cdd6"
	if id != want {
		t.Errorf("id = %s, want %s", id, want)
	}
	if client.updateCalls != 1 {
		t.Errorf("updateCalls = %d, want 1", client.updateCalls)
	}
}

func TestPayloadTelemetryRetriesOnConflictAndRestampsOnly(t *testing.T) {
	client := &fakeClient{
		uuidBatches:     [][]string{batchOfSize(100, "id")},
		updateResponses: []error{errs.NewConflict("update_handler", fmt.Errorf("409")), nil},
	}
	clock := 1000
	pool := idpool.New(client, nil)
	u, err := New(client, pool, nil, nil, func() int64 { v := clock; clock += 5; return int64(v) }, types.Config{Callsign: "PROXYCALL"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw := []byte("frame-bytes")
	_, err = u.PayloadTelemetry(context.Background(), raw, map[string]interface{}{"misc": "hi"}, nil)
	if err != nil {
		t.Fatalf("PayloadTelemetry: %v", err)
	}

	if client.updateCalls != 2 {
		t.Fatalf("updateCalls = %d, want 2 (one conflict, one success)", client.updateCalls)
	}

	first := client.updateBodies[0].Receivers["PROXYCALL"]
	second := client.updateBodies[1].Receivers["PROXYCALL"]
	if first.TimeCreated != second.TimeCreated {
		t.Errorf("time_created changed between retries: %s -> %s", first.TimeCreated, second.TimeCreated)
	}
	if first.TimeUploaded == second.TimeUploaded {
		t.Errorf("time_uploaded did not change between retries")
	}
	if first.Metadata["misc"] != second.Metadata["misc"] {
		t.Errorf("metadata changed between retries")
	}
}

func TestPayloadTelemetryGivesUpAfterMaxMergeAttempts(t *testing.T) {
	const maxAttempts = 3
	responses := make([]error, maxAttempts)
	for i := range responses {
		responses[i] = errs.NewConflict("update_handler", fmt.Errorf("409"))
	}
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}, updateResponses: responses}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL", MaxMergeAttempts: maxAttempts})

	_, err := u.PayloadTelemetry(context.Background(), []byte("frame"), nil, nil)
	if !errors.Is(err, errs.ErrUnmergeable) {
		t.Fatalf("expected UnmergeableError after %d conflicts, got %v", maxAttempts, err)
	}
	if client.updateCalls != maxAttempts {
		t.Errorf("updateCalls = %d, want %d", client.updateCalls, maxAttempts)
	}
}

func TestPayloadTelemetryNonConflictFailsImmediately(t *testing.T) {
	client := &fakeClient{
		uuidBatches:     [][]string{batchOfSize(100, "id")},
		updateResponses: []error{errs.New("update_handler", errs.UnmergeableError, fmt.Errorf("403"))},
	}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	_, err := u.PayloadTelemetry(context.Background(), []byte("frame"), nil, nil)
	if !errors.Is(err, errs.ErrUnmergeable) {
		t.Fatalf("expected UnmergeableError, got %v", err)
	}
	if client.updateCalls != 1 {
		t.Errorf("updateCalls = %d, want 1 (no retry on non-conflict)", client.updateCalls)
	}
}

func TestPayloadTelemetryRejectsReservedMetadataKeys(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	_, err := u.PayloadTelemetry(context.Background(), []byte("frame"), map[string]interface{}{"time_created": "now"}, nil)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for reserved metadata key, got %v", err)
	}
}

func TestPayloadTelemetryCarriesLatestListenerIDs(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	l1, err := u.ListenerTelemetry(context.Background(), map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("ListenerTelemetry: %v", err)
	}
	l2, err := u.ListenerInformation(context.Background(), map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("ListenerInformation: %v", err)
	}

	_, err = u.PayloadTelemetry(context.Background(), []byte("frame"), nil, nil)
	if err != nil {
		t.Fatalf("PayloadTelemetry: %v", err)
	}

	slot := client.updateBodies[0].Receivers["PROXYCALL"]
	if slot.LatestListenerTelemetry != l1 {
		t.Errorf("latest_listener_telemetry = %q, want %q", slot.LatestListenerTelemetry, l1)
	}
	if slot.LatestListenerInformation != l2 {
		t.Errorf("latest_listener_information = %q, want %q", slot.LatestListenerInformation, l2)
	}
}

func rawMsg(t *testing.T, v interface{}) stdjson.RawMessage {
	t.Helper()
	b, err := stdjson.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestFlightsJoinsPayloadDocsAndDropsNullRefs(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	client.viewResponses = map[string]*types.ViewResponse{
		"flight/end_start_including_payloads": {
			Rows: []types.ViewRow{
				{Key: rawMsg(t, []interface{}{1, 2, 3, 0}), Doc: rawMsg(t, map[string]interface{}{"name": "flight-a"})},
				{Key: rawMsg(t, []interface{}{1, 2, 3, 1}), Doc: rawMsg(t, map[string]interface{}{"name": "payload-1"})},
				{Key: rawMsg(t, []interface{}{1, 2, 3, 1}), Doc: stdjson.RawMessage("null")},
				{Key: rawMsg(t, []interface{}{4, 5, 6, 0}), Doc: rawMsg(t, map[string]interface{}{"name": "flight-b"})},
			},
		},
	}

	flights, err := u.Flights(context.Background())
	if err != nil {
		t.Fatalf("Flights: %v", err)
	}
	if len(flights) != 2 {
		t.Fatalf("len(flights) = %d, want 2", len(flights))
	}

	payloadsA, ok := flights[0][types.PayloadDocsKey].([]types.Doc)
	if !ok || len(payloadsA) != 1 {
		t.Fatalf("flight[0]._payload_docs = %#v, want one non-null entry", flights[0][types.PayloadDocsKey])
	}
	if payloadsA[0]["name"] != "payload-1" {
		t.Errorf("unexpected payload doc: %+v", payloadsA[0])
	}

	payloadsB, ok := flights[1][types.PayloadDocsKey].([]types.Doc)
	if !ok || len(payloadsB) != 0 {
		t.Errorf("flight[1]._payload_docs = %#v, want empty", flights[1][types.PayloadDocsKey])
	}
}

func TestPayloadsReturnsNonNullDocsInOrder(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})

	client.viewResponses = map[string]*types.ViewResponse{
		"payload_configuration/name_time_created": {
			Rows: []types.ViewRow{
				{Doc: rawMsg(t, map[string]interface{}{"name": "p1"})},
				{Doc: stdjson.RawMessage("null")},
				{Doc: rawMsg(t, map[string]interface{}{"name": "p2"})},
			},
		},
	}

	docs, err := u.Payloads(context.Background())
	if err != nil {
		t.Fatalf("Payloads: %v", err)
	}
	if len(docs) != 2 || docs[0]["name"] != "p1" || docs[1]["name"] != "p2" {
		t.Errorf("unexpected docs: %+v", docs)
	}
}

func TestResetReturnsToUninitialised(t *testing.T) {
	client := &fakeClient{uuidBatches: [][]string{batchOfSize(100, "id")}}
	u := newTestUploader(t, client, types.Config{Callsign: "PROXYCALL"})
	u.Reset()

	_, err := u.ListenerTelemetry(context.Background(), map[string]interface{}{}, nil)
	if !errors.Is(err, errs.ErrNotInitialised) {
		t.Errorf("expected NotInitialised after Reset, got %v", err)
	}
}
