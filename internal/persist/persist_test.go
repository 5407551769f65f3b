package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

type fixture struct {
	dir   string
	clk   *clock.Manual
	guard *stats.Guard
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, clk: clock.NewManual(0, 1_700_000_000_000)}
	f.guard = stats.NewGuard(stats.New(stats.Config{}))
	f.m = New(NewPaths(dir, "batterystats.bin", "checkin.bin", "daily.json"), f.guard, f.clk, stats.Config{}, nil, nil)
	t.Cleanup(func() { _ = f.m.Close(context.Background()) })
	return f
}

func (f *fixture) populate() {
	f.guard.Do(func(s *stats.Store) {
		s.SetOption("full-history", true, 0)
		s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 80}, 0, f.clk.WallMs())
		s.Apply(model.Event{Kind: model.EventScreenState, State: model.ScreenStateOn, ElapsedMs: 0})
		s.Apply(model.Event{Kind: model.EventWakelockStart, UID: 10050, Name: "sync", ElapsedMs: 100})
		s.Apply(model.Event{Kind: model.EventWakelockStop, UID: 10050, Name: "sync", ElapsedMs: 600})
		s.Apply(model.Event{Kind: model.EventJobStart, UID: 10060, Name: "backup", ElapsedMs: 200})
		s.Apply(model.Event{Kind: model.EventCpuTime, UID: 10060, Value: 40, Value2: 12, ElapsedMs: 300})
		s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 79}, 500, f.clk.WallMs()+500)
		s.FoldRail("cpu", 900)
		s.NewDaily(f.clk.WallMs() + 86_400_000)
	})
	f.clk.Set(1000)
}

// view flattens the persisted state so stores can be compared without
// transient fields.
type view struct {
	Global          []stats.Entry
	GlobalUnplugged []stats.Entry
	Uids            map[int][]stats.Entry
	UidsUnplugged   map[int][]stats.Entry
	Epoch           stats.Epoch
	Battery         model.BatteryState
	History         []stats.HistoryItem
	CurDaily        stats.DailyItem
	Daily           []stats.DailyItem
	DischargeSteps  stats.StepTracker
	ChargeSteps     stats.StepTracker
	Options         stats.Options
}

func viewOf(s *stats.Store, now int64) view {
	v := view{
		Global:          s.GlobalEntries(now, stats.SinceCharged),
		GlobalUnplugged: s.GlobalEntries(now, stats.SinceUnplugged),
		Uids:            map[int][]stats.Entry{},
		UidsUnplugged:   map[int][]stats.Entry{},
		Epoch:           s.Epoch,
		Battery:         s.Battery,
		History:         s.History.Items,
		CurDaily:        s.CurDaily,
		Daily:           s.Daily,
		DischargeSteps:  s.Global.DischargeSteps,
		ChargeSteps:     s.Global.ChargeSteps,
		Options:         s.Options,
	}
	for _, uid := range s.SortedUids() {
		v.Uids[uid] = s.UidEntries(uid, now, stats.SinceCharged)
		v.UidsUnplugged[uid] = s.UidEntries(uid, now, stats.SinceUnplugged)
	}
	return v
}

func entry(entries []stats.Entry, section, name string) stats.Entry {
	for _, e := range entries {
		if e.Section == section && e.Name == name {
			return e
		}
	}
	return stats.Entry{}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	f := newFixture(t)
	f.populate()

	var want view
	f.guard.Do(func(s *stats.Store) { want = viewOf(s.Snapshot(1000), 1000) })
	if err := f.m.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}
	if len(want.History) == 0 || len(want.Daily) != 1 || len(want.DischargeSteps.Steps) != 1 || !want.Options.FullHistory {
		t.Fatalf("fixture did not populate every persisted field: %+v", want)
	}

	fresh := New(f.m.paths, stats.NewGuard(stats.New(stats.Config{})), f.clk, stats.Config{}, nil, nil)
	got := viewOf(fresh.ReadAtStartup(), 1000)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestRestoredStoreKeepsAccruingOnNewClock(t *testing.T) {
	f := newFixture(t)
	f.populate()
	if err := f.m.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	// A new process starts its elapsed clock from zero.
	clk := clock.NewManual(0, f.clk.WallMs()+5*60_000)
	guard := stats.NewGuard(stats.New(stats.Config{}))
	fresh := New(f.m.paths, guard, clk, stats.Config{}, nil, nil)
	s := fresh.ReadAtStartup()

	if s.Epoch.LastUnplugElapsedMs != -1000 {
		t.Fatalf("unplug stamp not moved onto the new clock: %d", s.Epoch.LastUnplugElapsedMs)
	}
	if !s.Global.OnBattery.Running() {
		t.Fatalf("on-battery timer not resumed after restart on battery")
	}

	clk.Set(60_000)
	guard.Do(func(s *stats.Store) {
		s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 78}, 60_000, clk.WallMs())
		s.Apply(model.Event{Kind: model.EventWakelockStart, UID: 10050, Name: "sync", ElapsedMs: 60_000})
		s.Apply(model.Event{Kind: model.EventWakelockStop, UID: 10050, Name: "sync", ElapsedMs: 62_000})
	})

	global := s.GlobalEntries(62_000, stats.SinceCharged)
	if got := entry(global, "battery", "on_battery").TimeMs; got != 63_000 {
		t.Fatalf("on-battery total = %d, want 63000", got)
	}
	if got := entry(s.GlobalEntries(62_000, stats.SinceUnplugged), "battery", "on_battery").TimeMs; got != 63_000 {
		t.Fatalf("on-battery since unplugged = %d, want 63000", got)
	}
	if got := entry(global, "discharge", "total").Value; got != 2 {
		t.Fatalf("discharge total = %d, want 2", got)
	}
	// 500ms at level 80 before the restart, then 60500ms at level 79 split
	// across both processes.
	want := []stats.LevelStep{{DurationMs: 500, Level: 79, ScreenOn: true}, {DurationMs: 60_500, Level: 78}}
	if diff := cmp.Diff(want, s.Global.DischargeSteps.Steps); diff != "" {
		t.Fatalf("discharge steps (-want +got):\n%s", diff)
	}
	uid := s.UidEntries(10050, 62_000, stats.SinceCharged)
	if got := entry(uid, "wakelock", "partial/sync").TimeMs; got != 2500 {
		t.Fatalf("wakelock total = %d, want 2500 (%+v)", got, uid)
	}
}

func TestReadAtStartupMissingFileYieldsEmptyStore(t *testing.T) {
	f := newFixture(t)
	s := f.m.ReadAtStartup()
	if len(s.Uids) != 0 || s.BatteryKnown {
		t.Fatalf("expected empty store, got %d uids", len(s.Uids))
	}
}

func TestCorruptCheckpointIsQuarantined(t *testing.T) {
	f := newFixture(t)
	f.populate()
	if err := f.m.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}
	b, _ := os.ReadFile(f.m.paths.Checkpoint)
	b[len(b)-1] ^= 0xff
	if err := os.WriteFile(f.m.paths.Checkpoint, b, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	s := f.m.ReadAtStartup()
	if len(s.Uids) != 0 {
		t.Fatalf("corrupt checkpoint produced %d uids", len(s.Uids))
	}
	if _, err := os.Stat(f.m.paths.Checkpoint + ".corrupt"); err != nil {
		t.Fatalf("corrupt file not kept aside: %v", err)
	}
}

func TestFailedWriteKeepsMemoryAndPreviousCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.populate()
	blocker := filepath.Join(f.dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	f.m.paths.Checkpoint = filepath.Join(blocker, "batterystats.bin")

	if err := f.m.WriteSync(); err == nil {
		t.Fatalf("expected write error")
	}
	f.guard.Do(func(s *stats.Store) {
		if _, ok := s.Uids[10050]; !ok {
			t.Fatalf("failed write altered the store")
		}
	})
}

func TestStaleAsyncCaptureDoesNotOverwriteNewer(t *testing.T) {
	f := newFixture(t)
	older := stats.New(stats.Config{})
	newer := stats.New(stats.Config{})
	newer.Uid(10001)

	if err := f.m.writeCheckpoint(newer, 2); err != nil {
		t.Fatalf("write newer: %v", err)
	}
	if err := f.m.writeCheckpoint(older, 1); err != nil {
		t.Fatalf("write older: %v", err)
	}
	s, err := f.m.readCheckpoint()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := s.Uids[10001]; !ok {
		t.Fatalf("older capture replaced the newer checkpoint")
	}
}

func TestWriteAsyncEventuallyPersists(t *testing.T) {
	f := newFixture(t)
	f.populate()
	f.m.WriteAsync()
	if err := f.m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(f.m.paths.Checkpoint); err != nil {
		t.Fatalf("async write did not land: %v", err)
	}
	// After Close further async requests are ignored.
	f.m.WriteAsync()
}

func TestCheckinSnapshotAndReset(t *testing.T) {
	f := newFixture(t)
	f.populate()

	c, err := f.m.CreateCheckinSnapshotAndReset()
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if c.ID == "" || c.Stats.Uids[10050] == nil {
		t.Fatalf("checkin missing captured state: %+v", c)
	}
	f.guard.Do(func(s *stats.Store) {
		if _, ok := s.Uids[10050]; ok {
			t.Fatalf("idle uid survived reset")
		}
		if s.Epoch.Resets != 1 {
			t.Fatalf("resets = %d", s.Epoch.Resets)
		}
	})

	pending, err := f.m.TakePendingCheckin()
	if err != nil || pending == nil || pending.ID != c.ID {
		t.Fatalf("pending checkin = %+v, %v", pending, err)
	}
	if again, err := f.m.TakePendingCheckin(); again != nil || err != nil {
		t.Fatalf("pending checkin should be consumed, got %+v %v", again, err)
	}
}

func TestCheckinWriteFailureSkipsReset(t *testing.T) {
	f := newFixture(t)
	f.populate()
	f.m.paths.Checkin = filepath.Join(f.dir, "missing", "\x00bad")

	if _, err := f.m.CreateCheckinSnapshotAndReset(); err == nil {
		t.Fatalf("expected checkin write error")
	}
	f.guard.Do(func(s *stats.Store) {
		if s.Epoch.Resets != 0 || s.Uids[10050] == nil {
			t.Fatalf("store reset despite failed checkin")
		}
	})
}

func TestDailyWrittenWithCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.guard.Do(func(s *stats.Store) {
		s.NewDaily(f.clk.WallMs())
		s.NewDaily(f.clk.WallMs() + 86_400_000)
	})
	if err := f.m.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}
	items, err := f.m.ReadDaily()
	if err != nil {
		t.Fatalf("ReadDaily: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("daily items = %d, want 1", len(items))
	}
}

func TestFrameRejectsDamage(t *testing.T) {
	good, err := encodeFrame(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string][]byte{
		"short":   good[:5],
		"magic":   append([]byte("XXXX"), good[4:]...),
		"length":  good[:len(good)-1],
		"version": append(append([]byte{}, good[:4]...), append([]byte{0, 9}, good[6:]...)...),
	}
	for name, b := range cases {
		var out map[string]int
		if err := decodeFrame(b, &out); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
	var out map[string]int
	if err := decodeFrame(good, &out); err != nil || out["a"] != 1 {
		t.Fatalf("good frame: %v %v", out, err)
	}
}
