// Package codec decodes note events carried by receiver envelopes.
//
// Two payloads are understood:
//
//	note_json  one JSON object (or newline-delimited objects) in the Event
//	           wire shape: {"kind":"wakelock_start","uid":10050,"name":"sync"}
//	otlp_logs  an OTLP ExportLogsServiceRequest; each log record is one event
//	           whose fields are record attributes (see attrKind and friends)
//
// The reporting identity comes from the envelope's caller_uid / caller_pid
// attributes, or from an explicit "caller" object in JSON, and otherwise
// falls back to the receiver's default.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

var (
	// ErrUnsupportedKind is returned for envelopes this package cannot decode.
	ErrUnsupportedKind = errors.New("codec: unsupported envelope kind")
	// ErrMalformed is returned when the payload cannot be parsed at all.
	ErrMalformed = errors.New("codec: malformed payload")
)

// Result is the outcome of decoding one envelope.
type Result struct {
	Notes []model.Note
	// Dropped counts records that were skipped: unknown kinds or bad fields.
	Dropped int
}

// Decode turns env into notes. Individual bad records are dropped and
// counted; only an unparseable payload is an error.
func Decode(env model.Envelope, def model.Caller, source string) (Result, error) {
	caller := CallerFromAttrs(env.Attrs, def)
	switch env.Kind {
	case model.KindNoteJSON, "":
		return decodeJSON(env.Bytes, caller, source)
	case model.KindOTLPLogs:
		return decodeOTLPLogs(env.Bytes, caller, source)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, env.Kind)
	}
}

// CallerFromAttrs reads caller credentials from transport attributes.
func CallerFromAttrs(attrs map[string]string, def model.Caller) model.Caller {
	c := def
	if v, ok := attrs[model.AttrCallerUID]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.UID = n
		}
	}
	if v, ok := attrs[model.AttrCallerPID]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.PID = n
		}
	}
	return c
}

// jsonNote is the JSON wire shape: an Event with an optional caller.
type jsonNote struct {
	model.Event
	Caller *model.Caller `json:"caller,omitempty"`
}

func decodeJSON(b []byte, caller model.Caller, source string) (Result, error) {
	var res Result
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return res, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if b[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return res, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for _, raw := range arr {
			res.add(decodeOne(raw, caller, source))
		}
		return res, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		res.add(decodeOne(line, caller, source))
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if lines == 1 && len(res.Notes) == 0 {
		return res, fmt.Errorf("%w: not a note event", ErrMalformed)
	}
	return res, nil
}

func decodeOne(raw []byte, caller model.Caller, source string) (model.Note, bool) {
	var jn jsonNote
	if err := json.Unmarshal(raw, &jn); err != nil {
		return model.Note{}, false
	}
	kind, ok := model.ParseEventKind(string(jn.Kind))
	if !ok {
		return model.Note{}, false
	}
	ev := jn.Event
	ev.Kind = kind
	c := caller
	if jn.Caller != nil {
		c = *jn.Caller
	}
	return model.Note{Caller: c, Event: ev, Source: source}, true
}

func (r *Result) add(n model.Note, ok bool) {
	if !ok {
		r.Dropped++
		return
	}
	r.Notes = append(r.Notes, n)
}
