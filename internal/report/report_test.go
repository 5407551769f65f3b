package report

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	collmet "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	com "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/proto"

	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

func sample() *stats.Store {
	s := stats.New(stats.Config{})
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 80}, 0, 1_700_000_000_000)
	s.Apply(model.Event{Kind: model.EventWakelockStart, UID: 10050, PID: 1, Name: "lock", Type: model.WakeTypePartial, ElapsedMs: 0})
	s.Apply(model.Event{Kind: model.EventWakelockStop, UID: 10050, PID: 1, Name: "lock", Type: model.WakeTypePartial, ElapsedMs: 500})
	s.Apply(model.Event{Kind: model.EventGpsOn, UID: 10051, ElapsedMs: 100})
	s.Apply(model.Event{Kind: model.EventGpsOff, UID: 10051, ElapsedMs: 200})
	return s.Snapshot(1000)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestTextIncludesBothWindows(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sample(), Options{NowMs: 1000}); err != nil {
		t.Fatalf("text: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Statistics since last charge:",
		"Statistics since last unplugged:",
		"u0a50:",
		"wakelock/partial/lock: 500ms (1 times)",
		"u0a51:",
		"Battery: level 80%, status discharging, plug none",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestTextChargedOnlyAndFilter(t *testing.T) {
	var buf bytes.Buffer
	o := Options{NowMs: 1000, ChargedOnly: true, Uids: map[int]bool{10050: true}}
	if err := Text(&buf, sample(), o); err != nil {
		t.Fatalf("text: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "since last unplugged") {
		t.Fatalf("charged-only output has unplugged section")
	}
	if strings.Contains(out, "u0a51") {
		t.Fatalf("filtered uid leaked into output")
	}
}

func TestTextReportsWriteErrors(t *testing.T) {
	if err := Text(failWriter{}, sample(), Options{}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestCheckinRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Checkin(&buf, sample(), Options{NowMs: 1000, Uids: map[int]bool{10050: true}}); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	rows, err := ParseCheckin(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var got []CheckinRow
	for _, r := range rows {
		if r.UID != 0 {
			got = append(got, r)
		}
	}
	want := []CheckinRow{
		{UID: 10050, Which: "l", Section: "wakelock", Name: "partial/lock", TimeMs: 500, Count: 1},
		{UID: 10050, Which: "u", Section: "wakelock", Name: "partial/lock", TimeMs: 500, Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("checkin rows mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCheckinSkipsJunk(t *testing.T) {
	in := "9,0,i,vers,batterystatsd,1,0,0\n9,5,l,job,x,10,1,0\nnot,a,row\n9,x,l,job,y,1,1,0\n"
	rows, err := ParseCheckin(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 || rows[0].UID != 5 || rows[0].TimeMs != 10 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestProtoCarriesTimers(t *testing.T) {
	b, err := Proto(sample(), Options{NowMs: 1000, WallMs: 1_700_000_001_000, ChargedOnly: true})
	if err != nil {
		t.Fatalf("proto: %v", err)
	}
	var req collmet.ExportMetricsServiceRequest
	if err := proto.Unmarshal(b, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var found bool
	for _, rm := range req.GetResourceMetrics() {
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				if m.GetName() != "batterystats.timer.time" {
					continue
				}
				for _, dp := range m.GetSum().GetDataPoints() {
					if attr(dp.GetAttributes(), "uid") == "10051" && attr(dp.GetAttributes(), "section") == "gps" {
						found = true
						if dp.GetAsInt() != 100 {
							t.Fatalf("gps time = %d, want 100", dp.GetAsInt())
						}
						if dp.GetTimeUnixNano() < dp.GetStartTimeUnixNano() {
							t.Fatalf("end before start")
						}
					}
				}
			}
		}
	}
	if !found {
		t.Fatalf("gps data point not found")
	}
}

func TestStepSummary(t *testing.T) {
	steps := make([]stats.LevelStep, 8)
	for i := range steps {
		steps[i] = stats.LevelStep{DurationMs: 30_000, Level: 80 - i}
	}
	sum := SummarizeSteps(steps)
	if sum.Count != 8 || sum.MedianMs != 30_000 || sum.P90Ms != 30_000 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := sum.Estimate(50); got != 1_500_000 {
		t.Fatalf("estimate = %d", got)
	}
	if SummarizeSteps(nil).Estimate(10) != 0 {
		t.Fatalf("empty summary should not estimate")
	}
}

func TestCpuSortedByTotal(t *testing.T) {
	s := stats.New(stats.Config{})
	s.Apply(model.Event{Kind: model.EventCpuTime, UID: 10001, Value: 10, Value2: 10})
	s.Apply(model.Event{Kind: model.EventCpuTime, UID: 10002, Value: 100, Value2: 5})
	var buf bytes.Buffer
	if err := Cpu(&buf, s, Options{}); err != nil {
		t.Fatalf("cpu: %v", err)
	}
	out := buf.String()
	if strings.Index(out, "u0a2") > strings.Index(out, "u0a1") {
		t.Fatalf("cpu rows not sorted:\n%s", out)
	}
}

func TestFormatUid(t *testing.T) {
	for uid, want := range map[int]string{
		1000:   "uid 1000",
		10050:  "u0a50",
		110050: "u1a50",
		101000: "u1s1000",
	} {
		if got := formatUid(uid); got != want {
			t.Fatalf("formatUid(%d) = %q, want %q", uid, got, want)
		}
	}
}

func attr(kvs []*com.KeyValue, key string) string {
	for _, kv := range kvs {
		if kv.GetKey() != key {
			continue
		}
		switch v := kv.GetValue().GetValue().(type) {
		case *com.AnyValue_StringValue:
			return v.StringValue
		case *com.AnyValue_IntValue:
			return strconv.FormatInt(v.IntValue, 10)
		}
	}
	return ""
}
