// Package docbuilder assembles the canonical documents described in
// spec.md §3-4.2. It is pure and stateless: every function takes
// whatever state it needs (callsign, clock, id) as arguments and returns
// a new document: two uploader instances sharing a Builder never share
// mutable state (see DESIGN NOTES, spec.md §9).
package docbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/ukhas/habuploader/internal/errs"
	"github.com/ukhas/habuploader/internal/rfc3339"
	"github.com/ukhas/habuploader/internal/types"
)

// Builder assembles documents for one uploader session. It holds no
// network state; NextID is injected so callers (uploader, queue) control
// when and how ids are minted.
type Builder struct {
	Callsign string
	NextID   func(ctx context.Context) (string, error)
	Now      func() int64
}

// deepCopyData clones a caller-supplied data map one level deep, which is
// sufficient here since document data values are JSON scalars, arrays, or
// flat maps in every caller in this codebase.
func deepCopyData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BuildListener assembles a listener_telemetry or listener_information
// document. If timeCreated is non-nil it is honoured verbatim (it is not
// validated here or by the uploader); otherwise time_created is stamped at b.Now().
// data.callsign is always overwritten from b.Callsign.
func (b *Builder) BuildListener(ctx context.Context, kind types.ListenerKind, data map[string]interface{}, timeCreated *string) (*types.ListenerDoc, error) {
	id, err := b.NextID(ctx)
	if err != nil {
		return nil, errs.New("build_listener", errs.NetworkError, err)
	}

	now := rfc3339.FormatLocal(b.Now())

	created := now
	if timeCreated != nil {
		created = *timeCreated
	}

	clone := deepCopyData(data)
	clone["callsign"] = b.Callsign

	return &types.ListenerDoc{
		ID:           id,
		Type:         kind,
		TimeCreated:  created,
		TimeUploaded: now,
		Data:         clone,
	}, nil
}

// BuildProtoPTLM computes the content-addressed id for raw and assembles
// the proto document submitted to the update handler. metadata must not
// contain any of types.ReservedReceiverKeys.
func (b *Builder) BuildProtoPTLM(raw []byte, metadata map[string]interface{}, timeCreated *string, latestListenerTelemetry, latestListenerInformation string) (string, *types.ProtoPayloadTelemetry, error) {
	for k := range metadata {
		if _, reserved := types.ReservedReceiverKeys[k]; reserved {
			return "", nil, errs.New("build_proto_ptlm", errs.InvalidArgument,
				invalidMetadataKeyError(k))
		}
	}

	id := ContentID(raw)

	now := rfc3339.FormatLocal(b.Now())
	created := now
	if timeCreated != nil {
		created = *timeCreated
	}

	slot := types.ReceiverSlot{
		Metadata:                  deepCopyData(metadata),
		TimeCreated:               created,
		TimeUploaded:              now,
		LatestListenerTelemetry:   latestListenerTelemetry,
		LatestListenerInformation: latestListenerInformation,
	}

	proto := &types.ProtoPayloadTelemetry{
		Receivers: map[string]types.ReceiverSlot{b.Callsign: slot},
	}
	proto.Data.Raw = base64.StdEncoding.EncodeToString(raw)

	return id, proto, nil
}

// RestampRetry returns a copy of proto with only the receiver slot's
// time_uploaded updated to now; _id, data._raw, time_created, and every
// metadata/latest_listener_* field are left exactly as they were, per the
// merge-loop invariant in spec.md §4.5.
func (b *Builder) RestampRetry(proto *types.ProtoPayloadTelemetry) *types.ProtoPayloadTelemetry {
	slot := proto.Receivers[b.Callsign]
	slot.TimeUploaded = rfc3339.FormatLocal(b.Now())

	out := &types.ProtoPayloadTelemetry{
		Receivers: map[string]types.ReceiverSlot{b.Callsign: slot},
	}
	out.Data.Raw = proto.Data.Raw
	return out
}

// ContentID is the document id for a received frame: lowercase hex
// SHA-256 of the base64 encoding of the raw bytes (spec.md §4.2 hashes
// the wire representation, not the raw bytes themselves). Exported so
// callers needing the id ahead of a build (e.g. logging, queue
// correlation) don't duplicate the hash.
func ContentID(raw []byte) string {
	encoded := base64.StdEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:])
}

type metadataKeyError struct{ key string }

func (e *metadataKeyError) Error() string {
	return "metadata contains reserved key: " + e.key
}

func invalidMetadataKeyError(key string) error {
	return &metadataKeyError{key: key}
}
