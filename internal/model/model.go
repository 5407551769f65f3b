package model

// Envelope is the generic container for any inbound payload emitted by receivers.
// It carries the raw, undecoded bytes plus minimal metadata so the pipeline can
// decode note events lazily and processors can inspect attributes.
type Envelope struct {
	// Kind identifies the payload type.
	// Supported values:
	//   "note_json" - one JSON-encoded Event (raw JSON bytes)
	//   "otlp_logs" - OTLP ExportLogsServiceRequest (protobuf bytes); each log record is one event
	Kind string `json:"kind"`

	// Bytes holds the raw payload for the given Kind.
	Bytes []byte `json:"-"`

	// Attrs is an optional bag of transport attributes (headers, properties).
	// The caller credentials of a note are read from AttrCallerUID / AttrCallerPID.
	Attrs map[string]string `json:"attrs,omitempty"`

	// TSUnix is the receiver-observed arrival time in Unix seconds.
	TSUnix int64 `json:"ts_unix"`
}

// Known Envelope.Kind constants to help avoid typos.
const (
	KindNoteJSON = "note_json"
	KindOTLPLogs = "otlp_logs"
)

// Attribute keys receivers use to carry caller credentials.
const (
	AttrCallerUID = "caller_uid"
	AttrCallerPID = "caller_pid"
)

// Caller identifies who issued a request. It stands in for the binder
// calling identity.
type Caller struct {
	UID int `json:"uid"`
	PID int `json:"pid"`
}

// Note is a decoded event together with the identity that reported it.
type Note struct {
	Caller Caller `json:"caller"`
	Event  Event  `json:"event"`
	// Source names the receiver that produced the note, for logs and metrics.
	Source string `json:"source,omitempty"`
}

// CheckinPayload is a rendered checkin handed to exporters.
type CheckinPayload struct {
	ID            string `json:"id"`
	CreatedWallMs int64  `json:"created_wall_ms"`
	// Format is the body encoding, "checkin" (CSV rows) or "proto".
	Format string `json:"format"`
	Body   []byte `json:"body"`
}
