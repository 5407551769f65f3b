package report

import (
	collmet "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	com "go.opentelemetry.io/proto/otlp/common/v1"
	met "go.opentelemetry.io/proto/otlp/metrics/v1"
	res "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/platformbuilds/batterystatsd/internal/stats"
)

const scopeName = "batterystatsd.report"

// Proto encodes the snapshot as an OTLP metrics export request. Timers become
// two cumulative sums (time and count), counters one.
func Proto(s *stats.Store, o Options) ([]byte, error) {
	return proto.Marshal(Metrics(s, o))
}

// Metrics builds the export request Proto marshals.
func Metrics(s *stats.Store, o Options) *collmet.ExportMetricsServiceRequest {
	start := uint64(s.Epoch.StartWallMs) * 1e6
	end := uint64(o.WallMs) * 1e6
	if end < start {
		end = start
	}

	timeMs := sumMetric("batterystats.timer.time", "Accumulated timer time", "ms")
	count := sumMetric("batterystats.timer.count", "Timer activations", "1")
	value := sumMetric("batterystats.counter.value", "Accumulated counter value", "1")

	add := func(uid int, which stats.Which, entries []stats.Entry) {
		for _, e := range entries {
			labels := []*com.KeyValue{
				intKV("uid", int64(uid)),
				strKV("which", which.String()),
				strKV("section", e.Section),
				strKV("name", e.Name),
			}
			if e.IsTimer {
				appendPoint(timeMs, start, end, e.TimeMs, labels)
				appendPoint(count, start, end, e.Count, labels)
			} else {
				appendPoint(value, start, end, e.Value, labels)
			}
		}
	}
	for _, which := range o.windows() {
		add(0, which, s.GlobalEntries(o.NowMs, which))
		for _, uid := range s.SortedUids() {
			if o.wants(uid) {
				add(uid, which, s.UidEntries(uid, o.NowMs, which))
			}
		}
	}

	sm := &met.ScopeMetrics{Scope: &com.InstrumentationScope{Name: scopeName}}
	for _, m := range []*met.Metric{timeMs, count, value} {
		if len(m.GetSum().GetDataPoints()) > 0 {
			sm.Metrics = append(sm.Metrics, m)
		}
	}
	attrs := []*com.KeyValue{strKV("service.name", "batterystatsd")}
	if s.BatteryKnown {
		attrs = append(attrs,
			intKV("battery.level", int64(s.Battery.Level)),
			strKV("battery.plug", plugName(s.Battery.PlugType)))
	}
	return &collmet.ExportMetricsServiceRequest{
		ResourceMetrics: []*met.ResourceMetrics{{
			Resource:     &res.Resource{Attributes: attrs},
			ScopeMetrics: []*met.ScopeMetrics{sm},
		}},
	}
}

func sumMetric(name, desc, unit string) *met.Metric {
	return &met.Metric{
		Name:        name,
		Description: desc,
		Unit:        unit,
		Data: &met.Metric_Sum{
			Sum: &met.Sum{
				AggregationTemporality: met.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				IsMonotonic:            true,
			},
		},
	}
}

func appendPoint(m *met.Metric, start, end uint64, v int64, labels []*com.KeyValue) {
	sum := m.GetSum()
	sum.DataPoints = append(sum.DataPoints, &met.NumberDataPoint{
		StartTimeUnixNano: start,
		TimeUnixNano:      end,
		Attributes:        labels,
		Value:             &met.NumberDataPoint_AsInt{AsInt: v},
	})
}

func strKV(k, v string) *com.KeyValue {
	return &com.KeyValue{
		Key: k,
		Value: &com.AnyValue{
			Value: &com.AnyValue_StringValue{StringValue: v},
		},
	}
}

func intKV(k string, v int64) *com.KeyValue {
	return &com.KeyValue{
		Key: k,
		Value: &com.AnyValue{
			Value: &com.AnyValue_IntValue{IntValue: v},
		},
	}
}
