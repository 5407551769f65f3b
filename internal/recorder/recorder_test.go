package recorder

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

var system = model.Caller{UID: 1000, PID: 1}

type panicHandler struct{}

func (panicHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (panicHandler) Handle(context.Context, slog.Record) error { panic("log sink exploded") }
func (h panicHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h panicHandler) WithGroup(string) slog.Handler           { return h }

func newRecorder(t *testing.T, logger *slog.Logger) (*Recorder, *stats.Store, *clock.Manual) {
	t.Helper()
	s := stats.New(stats.Config{})
	clk := clock.NewManual(0, 1_700_000_000_000)
	checker := access.NewStaticChecker(config.PermissionsCfg{})
	return New(stats.NewGuard(s), checker, clk, logger, nil), s, clk
}

func TestWakelockScenario(t *testing.T) {
	r, s, clk := newRecorder(t, nil)
	if err := r.NoteStartWakelock(system, 5, 10, "lock", model.WakeTypePartial, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(500)
	if err := r.NoteStopWakelock(system, 5, 10, "lock", model.WakeTypePartial, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	clk.Advance(500)
	_ = r.NoteStopWakelock(system, 5, 10, "lock", model.WakeTypePartial, nil)

	tm := s.Uids[5].Wakelocks["lock"].Timers[model.WakeTypePartial]
	if tm.TotalMs != 500 || tm.Count != 1 {
		t.Fatalf("wakelock = %+v, want 500ms once", tm)
	}
}

func TestScreenScenario(t *testing.T) {
	r, s, clk := newRecorder(t, nil)
	_ = r.NoteScreenState(system, model.ScreenStateOn)
	clk.Advance(1000)
	_ = r.NoteScreenState(system, model.ScreenStateOff)
	if got := s.Global.ScreenOn.TotalAt(clk.ElapsedMs()); got != 1000 {
		t.Fatalf("screen on = %d, want 1000", got)
	}
}

func TestPermissionDeniedBeforeMutation(t *testing.T) {
	r, s, _ := newRecorder(t, nil)
	app := model.Caller{UID: 10077, PID: 4242}

	err := r.NoteStartWakelock(app, 10077, 4242, "sneaky", model.WakeTypePartial, nil)
	if !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(s.Uids) != 0 {
		t.Fatalf("denied note mutated the store")
	}
}

func TestSelfReportAllowedOnlyForOwnUid(t *testing.T) {
	r, s, _ := newRecorder(t, nil)
	app := model.Caller{UID: 10077, PID: 4242}

	if err := r.NoteStartSensor(app, 10077, 3); err != nil {
		t.Fatalf("self report rejected: %v", err)
	}
	if err := r.NoteStartSensor(app, 10078, 3); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("reporting for another uid should fail, got %v", err)
	}
	if _, ok := s.Uids[10077].Sensors[3]; !ok {
		t.Fatalf("sensor not started")
	}
	if _, ok := s.Uids[10078]; ok {
		t.Fatalf("rejected report created uid")
	}
}

func TestMalformedPayloadIsClamped(t *testing.T) {
	r, s, _ := newRecorder(t, nil)
	if err := r.NoteCpuTime(system, 10050, -40, 12); err != nil {
		t.Fatalf("cpu time: %v", err)
	}
	if err := r.NoteStartWakelock(system, 10050, 1, "  ", 99, model.WorkSource{{UID: -3}}); err != nil {
		t.Fatalf("wakelock: %v", err)
	}
	u := s.Uids[10050]
	if u.CpuUserMs.Value != 0 || u.CpuSystemMs.Value != 12 {
		t.Fatalf("cpu = %+v/%+v", u.CpuUserMs, u.CpuSystemMs)
	}
	wl, ok := u.Wakelocks["*unknown*"]
	if !ok || !wl.Timers[model.WakeTypePartial].Running() {
		t.Fatalf("clamped wakelock not recorded as partial *unknown*: %+v", u.Wakelocks)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	r, _, _ := newRecorder(t, nil)
	if err := r.Record(system, model.Event{Kind: "teleport"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestLoggingFailureDoesNotFailNote(t *testing.T) {
	r, s, _ := newRecorder(t, slog.New(panicHandler{}))
	if err := r.NoteJobStart(system, "sync-contacts", 10050); err != nil {
		t.Fatalf("note failed: %v", err)
	}
	if !s.Uids[10050].Jobs["sync-contacts"].Running() {
		t.Fatalf("job not started")
	}
}

func TestEventsStampedInApplyOrder(t *testing.T) {
	r, s, clk := newRecorder(t, nil)
	clk.Set(2500)
	if err := r.Record(system, model.Event{Kind: model.EventGpsOn, UID: 10050, ElapsedMs: 1}); err != nil {
		t.Fatalf("gps: %v", err)
	}
	clk.Advance(100)
	_ = r.NoteStopGps(system, 10050)
	if got := s.Uids[10050].Gps.TotalMs; got != 100 {
		t.Fatalf("caller clock should be ignored, gps = %d", got)
	}
}
