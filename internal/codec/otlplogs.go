package codec

import (
	"fmt"
	"strconv"
	"strings"

	colllog "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	com "go.opentelemetry.io/proto/otlp/common/v1"
	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Log record attribute keys. The kind may also be carried as the record body.
const (
	attrKind          = "batterystats.kind"
	attrUID           = "batterystats.uid"
	attrPID           = "batterystats.pid"
	attrName          = "batterystats.name"
	attrNewName       = "batterystats.new_name"
	attrType          = "batterystats.type"
	attrNewType       = "batterystats.new_type"
	attrState         = "batterystats.state"
	attrValue         = "batterystats.value"
	attrValue2        = "batterystats.value2"
	attrWorkSource    = "batterystats.work_source"
	attrNewWorkSource = "batterystats.new_work_source"
	attrBattery       = "battery."

	resCallerUID = "caller.uid"
	resCallerPID = "caller.pid"
)

func decodeOTLPLogs(b []byte, caller model.Caller, source string) (Result, error) {
	var req colllog.ExportLogsServiceRequest
	if err := proto.Unmarshal(b, &req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromLogs(&req, caller, source), nil
}

// FromLogs converts every log record of req into a note.
func FromLogs(req *colllog.ExportLogsServiceRequest, caller model.Caller, source string) Result {
	var res Result
	for _, rl := range req.GetResourceLogs() {
		c := caller
		rattrs := attrMap(rl.GetResource().GetAttributes())
		if v, ok := intAttr(rattrs, resCallerUID); ok {
			c.UID = int(v)
		}
		if v, ok := intAttr(rattrs, resCallerPID); ok {
			c.PID = int(v)
		}
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				ev, ok := eventFromRecord(rec)
				res.add(model.Note{Caller: c, Event: ev, Source: source}, ok)
			}
		}
	}
	return res
}

func eventFromRecord(rec *logs.LogRecord) (model.Event, bool) {
	attrs := attrMap(rec.GetAttributes())
	kindText, ok := attrs[attrKind]
	if !ok {
		kindText = anyString(rec.GetBody())
	}
	kind, ok := model.ParseEventKind(kindText)
	if !ok {
		return model.Event{}, false
	}
	ev := model.Event{Kind: kind}
	setInt := func(key string, dst *int) {
		if v, ok := intAttr(attrs, key); ok {
			*dst = int(v)
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := intAttr(attrs, key); ok {
			*dst = v
		}
	}
	setInt(attrUID, &ev.UID)
	setInt(attrPID, &ev.PID)
	setInt(attrType, &ev.Type)
	setInt(attrNewType, &ev.NewType)
	setInt(attrState, &ev.State)
	setInt64(attrValue, &ev.Value)
	setInt64(attrValue2, &ev.Value2)
	ev.Name = attrs[attrName]
	ev.NewName = attrs[attrNewName]
	ev.WorkSource = parseWorkSource(attrs[attrWorkSource])
	ev.NewWorkSource = parseWorkSource(attrs[attrNewWorkSource])

	if kind == model.EventBatteryState {
		b := &model.BatteryState{}
		setInt(attrBattery+"status", &b.Status)
		setInt(attrBattery+"health", &b.Health)
		setInt(attrBattery+"plug_type", &b.PlugType)
		setInt(attrBattery+"level", &b.Level)
		setInt(attrBattery+"temperature", &b.Temperature)
		setInt(attrBattery+"voltage_mv", &b.VoltageMv)
		setInt64(attrBattery+"charge_uah", &b.ChargeUAh)
		setInt64(attrBattery+"charge_full_uah", &b.ChargeFullUAh)
		ev.Battery = b
	}
	return ev, true
}

// parseWorkSource reads "uid[:tag],uid[:tag]".
func parseWorkSource(s string) model.WorkSource {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var ws model.WorkSource
	for _, part := range strings.Split(s, ",") {
		uidText, tag, _ := strings.Cut(strings.TrimSpace(part), ":")
		uid, err := strconv.Atoi(uidText)
		if err != nil {
			continue
		}
		ws = append(ws, model.Attribution{UID: uid, Tag: tag})
	}
	return ws
}

// attrMap flattens attributes to strings; integers keep their decimal form.
func attrMap(kvs []*com.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.GetKey()] = anyString(kv.GetValue())
	}
	return m
}

func anyString(v *com.AnyValue) string {
	switch x := v.GetValue().(type) {
	case *com.AnyValue_StringValue:
		return x.StringValue
	case *com.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *com.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	case *com.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *com.AnyValue_ArrayValue:
		parts := make([]string, 0, len(x.ArrayValue.GetValues()))
		for _, e := range x.ArrayValue.GetValues() {
			parts = append(parts, anyString(e))
		}
		return strings.Join(parts, ",")
	}
	return ""
}

func intAttr(m map[string]string, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}
