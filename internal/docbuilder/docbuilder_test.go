package docbuilder

import (
	"context"
	"errors"
	"testing"

	"github.com/ukhas/habuploader/internal/types"
)

func fixedClock(unix int64) func() int64 {
	return func() int64 { return unix }
}

func sequentialIDs(ids ...string) func(ctx context.Context) (string, error) {
	i := 0
	return func(ctx context.Context) (string, error) {
		if i >= len(ids) {
			return "", errors.New("out of ids")
		}
		id := ids[i]
		i++
		return id, nil
	}
}

func TestBuildListenerOverwritesCallsign(t *testing.T) {
	b := &Builder{
		Callsign: "PROXYCALL",
		NextID:   sequentialIDs("id-1"),
		Now:      fixedClock(851043597),
	}

	data := map[string]interface{}{"latitude": 3.12, "longitude": -123.1, "callsign": "SOMEONE_ELSE"}
	doc, err := b.BuildListener(context.Background(), types.ListenerTelemetry, data, nil)
	if err != nil {
		t.Fatalf("BuildListener: %v", err)
	}

	if doc.Data["callsign"] != "PROXYCALL" {
		t.Errorf("callsign = %v, want PROXYCALL (overwritten)", doc.Data["callsign"])
	}
	if data["callsign"] != "SOMEONE_ELSE" {
		t.Errorf("caller's original map was mutated: %v", data["callsign"])
	}
	if doc.ID != "id-1" {
		t.Errorf("ID = %q, want id-1", doc.ID)
	}
	if doc.TimeCreated != doc.TimeUploaded {
		t.Errorf("time_created (%s) != time_uploaded (%s) with no explicit time_created", doc.TimeCreated, doc.TimeUploaded)
	}
}

func TestBuildListenerHonoursExplicitTimeCreated(t *testing.T) {
	b := &Builder{Callsign: "X", NextID: sequentialIDs("id-1"), Now: fixedClock(851043597)}
	explicit := "1990-01-01T00:00:00Z"
	doc, err := b.BuildListener(context.Background(), types.ListenerInformation, map[string]interface{}{}, &explicit)
	if err != nil {
		t.Fatalf("BuildListener: %v", err)
	}
	if doc.TimeCreated != explicit {
		t.Errorf("TimeCreated = %q, want %q", doc.TimeCreated, explicit)
	}
	if doc.Type != types.ListenerInformation {
		t.Errorf("Type = %q, want listener_information", doc.Type)
	}
}

func TestBuildProtoPTLMContentAddressed(t *testing.T) {
	b := &Builder{Callsign: "PROXYCALL", Now: fixedClock(851043597)}
	raw := []byte("asdf blah \x12 binar\x04\x01 asdfasdfsz")

	id, proto, err := b.BuildProtoPTLM(raw, map[string]interface{}{"frequency": 434075000, "misc": "Hi"}, nil, "", "")
	if err != nil {
		t.Fatalf("BuildProtoPTLM: %v", err)
	}

	const want = "c0be13b259acfd2fe23cd0d1e70555d68f83926278b23f5b813bdc75f6b9cdd6"
	if id != want {
		t.Errorf("id = %s, want %s", id, want)
	}

	const wantRaw = "YXNkZiBibGFoIBIgYmluYXIEASBhc2RmYXNkZnN6"
	if proto.Data.Raw != wantRaw {
		t.Errorf("Data.Raw = %s, want %s", proto.Data.Raw, wantRaw)
	}

	slot, ok := proto.Receivers["PROXYCALL"]
	if !ok {
		t.Fatal("no receiver slot for callsign")
	}
	if slot.Metadata["frequency"] != 434075000 {
		t.Errorf("metadata not carried through: %+v", slot.Metadata)
	}
	if slot.LatestListenerTelemetry != "" || slot.LatestListenerInformation != "" {
		t.Errorf("latest_listener_* should be empty when not supplied")
	}
}

func TestBuildProtoPTLMSameBytesSameID(t *testing.T) {
	b := &Builder{Callsign: "X", Now: fixedClock(0)}
	raw := []byte("identical frame")
	id1, _, _ := b.BuildProtoPTLM(raw, nil, nil, "", "")
	id2, _, _ := b.BuildProtoPTLM(raw, nil, nil, "", "")
	if id1 != id2 {
		t.Errorf("same bytes produced different ids: %s != %s", id1, id2)
	}
}

func TestBuildProtoPTLMRejectsReservedMetadataKeys(t *testing.T) {
	b := &Builder{Callsign: "X", Now: fixedClock(0)}
	for key := range types.ReservedReceiverKeys {
		_, _, err := b.BuildProtoPTLM([]byte("x"), map[string]interface{}{key: "anything"}, nil, "", "")
		if err == nil {
			t.Errorf("reserved key %q was not rejected", key)
		}
	}
}

func TestBuildProtoPTLMCarriesLatestListenerIDs(t *testing.T) {
	b := &Builder{Callsign: "PROXYCALL", Now: fixedClock(0)}
	_, proto, err := b.BuildProtoPTLM([]byte("x"), nil, nil, "L1", "L2")
	if err != nil {
		t.Fatalf("BuildProtoPTLM: %v", err)
	}
	slot := proto.Receivers["PROXYCALL"]
	if slot.LatestListenerTelemetry != "L1" || slot.LatestListenerInformation != "L2" {
		t.Errorf("latest_listener_* not carried: %+v", slot)
	}
}

func TestRestampRetryOnlyChangesTimeUploaded(t *testing.T) {
	b := &Builder{Callsign: "PROXYCALL", Now: fixedClock(100)}
	_, proto, err := b.BuildProtoPTLM([]byte("frame"), map[string]interface{}{"misc": "hi"}, nil, "L1", "L2")
	if err != nil {
		t.Fatalf("BuildProtoPTLM: %v", err)
	}
	before := proto.Receivers["PROXYCALL"]

	b.Now = fixedClock(105)
	retried := b.RestampRetry(proto)
	after := retried.Receivers["PROXYCALL"]

	if after.TimeUploaded == before.TimeUploaded {
		t.Errorf("time_uploaded was not re-stamped")
	}
	if after.TimeCreated != before.TimeCreated {
		t.Errorf("time_created changed on retry: %s -> %s", before.TimeCreated, after.TimeCreated)
	}
	if after.Metadata["misc"] != before.Metadata["misc"] {
		t.Errorf("metadata changed on retry")
	}
	if after.LatestListenerTelemetry != before.LatestListenerTelemetry || after.LatestListenerInformation != before.LatestListenerInformation {
		t.Errorf("latest_listener_* changed on retry")
	}
	if retried.Data.Raw != proto.Data.Raw {
		t.Errorf("data._raw changed on retry")
	}
}

func TestContentIDIsLowercaseHex64(t *testing.T) {
	id := ContentID([]byte("anything"))
	if len(id) != 64 {
		t.Errorf("len(id) = %d, want 64", len(id))
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Errorf("id contains non-lowercase-hex character: %q", r)
		}
	}
}
