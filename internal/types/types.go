// Package types holds the canonical document shapes and session
// configuration shared by docbuilder, dbclient, uploader, and queue.
package types

import "encoding/json"

// ListenerKind distinguishes the two listener document kinds; both share
// the same shape and only differ in their "type" field and the session
// pointer they update on success.
type ListenerKind string

const (
	ListenerTelemetry   ListenerKind = "listener_telemetry"
	ListenerInformation ListenerKind = "listener_information"
)

// ListenerDoc is a complete listener_telemetry or listener_information
// document as it is PUT to the database.
type ListenerDoc struct {
	ID           string                 `json:"_id"`
	Type         ListenerKind           `json:"type"`
	TimeCreated  string                 `json:"time_created"`
	TimeUploaded string                 `json:"time_uploaded"`
	Data         map[string]interface{} `json:"data"`
}

// ReceiverSlot is the sub-object a single client writes under
// receivers.{callsign} of a payload-telemetry document.
type ReceiverSlot struct {
	// Metadata holds the caller-supplied fields (frequency, misc, ...).
	// Marshalled flat alongside the reserved keys below, so ReceiverSlot
	// implements custom JSON (un)marshalling.
	Metadata map[string]interface{}

	TimeCreated               string `json:"time_created"`
	TimeUploaded              string `json:"time_uploaded"`
	LatestListenerTelemetry   string `json:"latest_listener_telemetry,omitempty"`
	LatestListenerInformation string `json:"latest_listener_information,omitempty"`
}

// ReservedReceiverKeys are metadata keys build_proto_ptlm must reject,
// since they are always set by the builder itself.
var ReservedReceiverKeys = map[string]struct{}{
	"time_created":                {},
	"time_uploaded":               {},
	"latest_listener_telemetry":   {},
	"latest_listener_information": {},
}

// MarshalJSON flattens Metadata alongside the reserved fields, matching
// the wire shape `{"frequency":...,"misc":...,"time_created":...}`.
func (r ReceiverSlot) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["time_created"] = r.TimeCreated
	out["time_uploaded"] = r.TimeUploaded
	if r.LatestListenerTelemetry != "" {
		out["latest_listener_telemetry"] = r.LatestListenerTelemetry
	}
	if r.LatestListenerInformation != "" {
		out["latest_listener_information"] = r.LatestListenerInformation
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: the reserved keys fill
// their fields and every other key goes into Metadata.
func (r *ReceiverSlot) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Metadata = make(map[string]interface{})
	for k, v := range raw {
		switch k {
		case "time_created":
			r.TimeCreated, _ = v.(string)
		case "time_uploaded":
			r.TimeUploaded, _ = v.(string)
		case "latest_listener_telemetry":
			r.LatestListenerTelemetry, _ = v.(string)
		case "latest_listener_information":
			r.LatestListenerInformation, _ = v.(string)
		default:
			r.Metadata[k] = v
		}
	}
	return nil
}

// ProtoPayloadTelemetry is the partial document submitted to the
// payload_telemetry/add_listener update handler.
type ProtoPayloadTelemetry struct {
	Data struct {
		Raw string `json:"_raw"`
	} `json:"data"`
	Receivers map[string]ReceiverSlot `json:"receivers"`
}

// UUIDsResponse is the body of GET /_uuids?count=n.
type UUIDsResponse struct {
	UUIDs []string `json:"uuids"`
}

// PutDocResult is the body of a successful PUT on a document id.
type PutDocResult struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// ViewRow is one row of a CouchDB view response with include_docs=true.
type ViewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc"`
}

// ViewResponse is the body of GET _design/.../_view/....
type ViewResponse struct {
	Rows []ViewRow `json:"rows"`
}

// Doc is a generic document body: every flight, payload-configuration,
// and joined-flight result is represented this way since their shape is
// caller/server defined, not fixed by this package.
type Doc = map[string]interface{}

// PayloadDocsKey is the key the flights join attaches to a copy of the
// flight document, holding the referenced payload-configuration docs.
const PayloadDocsKey = "_payload_docs"

// SessionState is the uploader's per-instance mutable configuration and
// bookkeeping; both the synchronous and queued uploaders hold one.
type SessionState struct {
	Callsign          string
	CouchURI          string
	CouchDB           string
	MaxMergeAttempts  int
	Initialised       bool

	LatestListenerTelemetry   string
	LatestListenerInformation string
}

// Config is the set of caller-supplied options recognised at
// construction and at re_init time.
type Config struct {
	Callsign         string
	CouchURI         string
	CouchDB          string
	MaxMergeAttempts int
}

// DefaultCouchURI, DefaultCouchDB, and DefaultMaxMergeAttempts are the
// option defaults from spec.md §6.
const (
	DefaultCouchURI         = "http://localhost:5984"
	DefaultCouchDB          = "habitat"
	DefaultMaxMergeAttempts = 20
)

// WithDefaults returns a copy of c with zero-valued fields replaced by
// their documented defaults, the way internal/retention.Config.WithDefaults
// works in the teacher.
func (c Config) WithDefaults() Config {
	if c.CouchURI == "" {
		c.CouchURI = DefaultCouchURI
	}
	if c.CouchDB == "" {
		c.CouchDB = DefaultCouchDB
	}
	if c.MaxMergeAttempts == 0 {
		c.MaxMergeAttempts = DefaultMaxMergeAttempts
	}
	return c
}
