package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

type stubReceiver struct {
	envelopes []model.Envelope
}

func (sr *stubReceiver) Start(ctx context.Context, out chan<- model.Envelope) error {
	for _, e := range sr.envelopes {
		select {
		case <-ctx.Done():
			return nil
		case out <- e:
		}
	}
	<-ctx.Done()
	return nil
}

type stubSink struct {
	mu     sync.Mutex
	notes  []model.Note
	reject func(model.Note) bool
	got    chan struct{}
}

func newStubSink(reject func(model.Note) bool) *stubSink {
	return &stubSink{reject: reject, got: make(chan struct{}, 16)}
}

func (s *stubSink) HandleNote(_ context.Context, n model.Note) error {
	defer func() { s.got <- struct{}{} }()
	if s.reject != nil && s.reject(n) {
		return errors.New("permission denied")
	}
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
	return nil
}

func (s *stubSink) all() []model.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Note(nil), s.notes...)
}

func waitN(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d notes", i, n)
		}
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &config.Config{
		Receivers:  map[string]config.ReceiverCfg{},
		Processors: map[string]config.ProcessorCfg{},
		Pipelines:  map[string]config.PipelineCfg{},
	}
	if err := New(cfg, newStubSink(nil), nil, nil).Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestRunSingleDecodesFiltersAndApplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := "{\"kind\":\"wakelock_start\",\"uid\":10050,\"name\":\"sync\"}\n" +
		"{\"kind\":\"gps_on\",\"uid\":10051}\n" +
		"{\"kind\":\"bogus\"}\n" +
		"{\"kind\":\"wakelock_stop\",\"uid\":10050,\"name\":\"sync\"}\n"
	rx := &stubReceiver{envelopes: []model.Envelope{
		{Kind: model.KindNoteJSON, Bytes: []byte(body), Attrs: map[string]string{model.AttrCallerUID: "1001"}},
		{Kind: model.KindNoteJSON, Bytes: []byte("garbage")},
	}}
	cfg := &config.Config{
		Receivers: map[string]config.ReceiverCfg{"jsonhttp/phone": {Type: "jsonhttp", Extra: map[string]any{"caller_uid": 1000}}},
		Processors: map[string]config.ProcessorCfg{
			"filter/wakelocks": {Type: "filter", Expr: `kind.startsWith("wakelock_")`},
		},
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := newStubSink(func(n model.Note) bool { return n.Event.Kind == model.EventWakelockStop })
	r := New(cfg, sink, m, nil)
	procs, err := r.buildProcessors()
	if err != nil {
		t.Fatalf("buildProcessors: %v", err)
	}

	pl := config.PipelineCfg{Receivers: []string{"jsonhttp/phone"}, Processors: []string{"filter/wakelocks"}}
	done := make(chan error, 1)
	go func() {
		done <- r.runSingle(ctx, "test", pl, map[string]Receiver{"jsonhttp/phone": rx}, procs)
	}()

	waitN(t, sink.got, 2)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runSingle error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after context cancel")
	}

	want := []model.Note{{
		Caller: model.Caller{UID: 1001},
		Event:  model.Event{Kind: model.EventWakelockStart, UID: 10050, Name: "sync"},
		Source: "jsonhttp/phone",
	}}
	if diff := cmp.Diff(want, sink.all()); diff != "" {
		t.Fatalf("applied notes mismatch (-want +got):\n%s", diff)
	}

	counts := map[string]float64{"applied": 1, "rejected": 1, "filtered": 1, "malformed": 2}
	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range mf {
		if f.GetName() != "batterystats_pipeline_notes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	if diff := cmp.Diff(counts, got); diff != "" {
		t.Fatalf("pipeline counters (-want +got):\n%s", diff)
	}
}

func TestDefaultCaller(t *testing.T) {
	if c := defaultCaller(config.ReceiverCfg{}); c != (model.Caller{UID: 1000}) {
		t.Fatalf("default caller %+v", c)
	}
	c := defaultCaller(config.ReceiverCfg{Extra: map[string]any{"caller_uid": 10050, "caller_pid": 9}})
	if c != (model.Caller{UID: 10050, PID: 9}) {
		t.Fatalf("caller %+v", c)
	}
}

func TestRunSingleMissingComponents(t *testing.T) {
	r := New(&config.Config{}, newStubSink(nil), nil, nil)

	err := r.runSingle(context.Background(), "test", config.PipelineCfg{Receivers: []string{"missing"}}, map[string]Receiver{}, map[string]Processor{})
	if err == nil || !strings.Contains(err.Error(), "receiver \"missing\" not found") {
		t.Fatalf("unexpected error: %v", err)
	}
	err = r.runSingle(context.Background(), "test", config.PipelineCfg{Processors: []string{"nope"}}, map[string]Receiver{}, map[string]Processor{})
	if err == nil || !strings.Contains(err.Error(), "processor \"nope\" not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildReceivers(t *testing.T) {
	cfg := &config.Config{Receivers: map[string]config.ReceiverCfg{
		"jsonhttp": {Type: "jsonhttp"},
		"kafka":    {Type: "kafka"},
		"pulsar":   {Type: "pulsar"},
		"otlpgrpc": {Type: "otlpgrpc"},
		"otlphttp": {Type: "otlphttp"},
		"mqtt":     {Type: "mqtt"},
	}}
	rx, err := buildReceivers(cfg)
	if err != nil || len(rx) != 6 {
		t.Fatalf("got %d receivers, err=%v", len(rx), err)
	}

	cfg.Receivers["bad"] = config.ReceiverCfg{Type: "does-not-exist"}
	if _, err := buildReceivers(cfg); err == nil {
		t.Fatal("expected error for unknown receiver")
	}
}

func TestBuildProcessorsUnknownType(t *testing.T) {
	cfg := &config.Config{Processors: map[string]config.ProcessorCfg{
		"bad": {Type: "nope"},
	}}
	if _, err := New(cfg, nil, nil, nil).buildProcessors(); err == nil {
		t.Fatal("expected error for unknown processor")
	}
}
