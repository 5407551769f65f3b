package exporters

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/persist"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

type fakeSource struct {
	created, taken int
	err            error
}

func (f *fakeSource) CreateCheckin(model.Caller) (*persist.Checkin, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	s := stats.New(stats.Config{})
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 80}, 0, 1_700_000_000_000)
	s.Apply(model.Event{Kind: model.EventGpsOn, UID: 10051, ElapsedMs: 100})
	s.Apply(model.Event{Kind: model.EventGpsOff, UID: 10051, ElapsedMs: 300})
	return &persist.Checkin{ID: "chk-1", CreatedWallMs: 1_700_000_000_000, Stats: s.Snapshot(400)}, nil
}

func (f *fakeSource) TakePendingCheckin(model.Caller) (*persist.Checkin, error) {
	f.taken++
	return nil, nil
}

type fakeExporter struct {
	got    []model.CheckinPayload
	err    error
	closed bool
}

func (f *fakeExporter) Export(_ context.Context, p model.CheckinPayload) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, p)
	return nil
}

func (f *fakeExporter) Close() error { f.closed = true; return nil }

func TestRunOnceExportsAndConsumes(t *testing.T) {
	src := &fakeSource{}
	a, b := &fakeExporter{}, &fakeExporter{}
	s := NewScheduler(src, map[string]Exporter{"a": a, "b": b}, 0, "checkin", nil, nil)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if src.created != 1 || src.taken != 1 {
		t.Fatalf("created=%d taken=%d", src.created, src.taken)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("exports a=%d b=%d", len(a.got), len(b.got))
	}
	p := a.got[0]
	if p.ID != "chk-1" || p.Format != "checkin" {
		t.Fatalf("payload %+v", p)
	}
	if !strings.Contains(string(p.Body), "9,10051,l,gps,on,200,1,0") {
		t.Fatalf("checkin body missing gps row:\n%s", p.Body)
	}
}

func TestRunOnceKeepsPendingOnFailure(t *testing.T) {
	src := &fakeSource{}
	bad := &fakeExporter{err: errors.New("down")}
	s := NewScheduler(src, map[string]Exporter{"ok": &fakeExporter{}, "bad": bad}, 0, "", nil, nil)

	err := s.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("expected exporter error, got %v", err)
	}
	if src.taken != 0 {
		t.Fatal("pending checkin consumed despite failed export")
	}

	src.err = errors.New("permission denied")
	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected create error")
	}
}

func TestRenderProto(t *testing.T) {
	c, _ := (&fakeSource{}).CreateCheckin(model.Caller{})
	p, err := Render(c, "proto")
	if err != nil || p.Format != "proto" || len(p.Body) == 0 {
		t.Fatalf("render proto: %+v %v", p, err)
	}
	if _, err := Render(c, "xml"); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestRunClosesExportersOnCancel(t *testing.T) {
	e := &fakeExporter{}
	s := NewScheduler(&fakeSource{}, map[string]Exporter{"e": e}, 0, "", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !e.closed {
		t.Fatal("exporter not closed")
	}
}

func TestBuild(t *testing.T) {
	cfg := &config.Config{Exporters: map[string]config.ExporterCfg{
		"stdout":       {Type: "stdout"},
		"webhook/ops":  {Type: "webhook", Endpoint: "http://ops.local/checkins"},
		"kafka/broken": {Type: "kafka"},
	}}
	got, err := Build(cfg, []string{"stdout", "webhook/ops"})
	if err != nil || len(got) != 2 {
		t.Fatalf("Build: %d %v", len(got), err)
	}
	if _, err := Build(cfg, []string{"stdout", "kafka/broken"}); err == nil {
		t.Fatal("expected kafka config error")
	}
	if _, err := Build(cfg, []string{"missing"}); err == nil {
		t.Fatal("expected undefined exporter error")
	}
}
