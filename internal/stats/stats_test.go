package stats

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

func ev(kind model.EventKind, uid int, at int64) model.Event {
	return model.Event{Kind: kind, UID: uid, ElapsedMs: at}
}

func wakelock(kind model.EventKind, uid int, name string, at int64) model.Event {
	e := ev(kind, uid, at)
	e.PID = 10
	e.Name = name
	e.Type = model.WakeTypePartial
	return e
}

func TestScreenOnTimeAccumulates(t *testing.T) {
	s := New(Config{})
	on := ev(model.EventScreenState, 0, 0)
	on.State = model.ScreenStateOn
	off := ev(model.EventScreenState, 0, 1000)
	off.State = model.ScreenStateOff

	s.Apply(on)
	s.Apply(off)

	if got := s.Global.ScreenOn.TotalAt(5000); got != 1000 {
		t.Fatalf("screen on time = %d, want 1000", got)
	}
	if s.Global.ScreenOn.Count != 1 {
		t.Fatalf("screen on count = %d, want 1", s.Global.ScreenOn.Count)
	}
}

func TestWakelockDurationCountedOnce(t *testing.T) {
	s := New(Config{})
	s.Apply(wakelock(model.EventWakelockStart, 5, "lock", 0))
	s.Apply(wakelock(model.EventWakelockStop, 5, "lock", 500))

	tm := s.Uids[5].Wakelocks["lock"].Timers[model.WakeTypePartial]
	if tm.TotalMs != 500 || tm.Count != 1 {
		t.Fatalf("wakelock timer = %+v, want 500ms x1", tm)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	once := New(Config{})
	twice := New(Config{})
	for _, s := range []*Store{once, twice} {
		s.Apply(wakelock(model.EventWakelockStart, 5, "lock", 0))
		s.Apply(wakelock(model.EventWakelockStop, 5, "lock", 500))
	}
	twice.Apply(wakelock(model.EventWakelockStop, 5, "lock", 700))

	a := once.Uids[5].Wakelocks["lock"].Timers[0]
	b := twice.Uids[5].Wakelocks["lock"].Timers[0]
	if a.TotalMs != b.TotalMs || a.Count != b.Count || b.Running() {
		t.Fatalf("double stop changed state: once=%+v twice=%+v", a, b)
	}
}

func TestStopWithoutStartCreatesNothing(t *testing.T) {
	s := New(Config{})
	s.Apply(wakelock(model.EventWakelockStop, 42, "never", 100))
	s.Apply(ev(model.EventSensorOff, 42, 100))
	s.Apply(ev(model.EventCameraOff, 42, 100))
	if _, ok := s.Uids[42]; ok {
		t.Fatalf("stop of unknown resource created uid state")
	}
	if s.Global.Camera.Running() || s.Global.Camera.TotalMs != 0 {
		t.Fatalf("global camera changed on stray stop")
	}
}

func TestIndependentUidsCommute(t *testing.T) {
	a := []model.Event{
		wakelock(model.EventWakelockStart, 1, "x", 0),
		wakelock(model.EventWakelockStop, 1, "x", 300),
		ev(model.EventSensorOn, 1, 310),
	}
	b := []model.Event{
		wakelock(model.EventWakelockStart, 2, "y", 50),
		ev(model.EventJobStart, 2, 60),
		wakelock(model.EventWakelockStop, 2, "y", 900),
	}

	s1 := New(Config{})
	for _, e := range append(append([]model.Event{}, a...), b...) {
		s1.Apply(e)
	}
	s2 := New(Config{})
	for i := 0; i < 3; i++ {
		s2.Apply(b[i])
		s2.Apply(a[i])
	}

	now := int64(2000)
	for _, uid := range []int{1, 2} {
		if diff := cmp.Diff(s1.UidEntries(uid, now, SinceCharged), s2.UidEntries(uid, now, SinceCharged)); diff != "" {
			t.Fatalf("uid %d differs by order (-a +b):\n%s", uid, diff)
		}
	}
}

func TestWakelockChangeMovesAttribution(t *testing.T) {
	s := New(Config{})
	start := wakelock(model.EventWakelockStart, 1000, "sync", 0)
	start.WorkSource = model.WorkSource{{UID: 10001}}
	s.Apply(start)

	change := wakelock(model.EventWakelockChange, 1000, "sync", 400)
	change.WorkSource = start.WorkSource
	change.NewWorkSource = model.WorkSource{{UID: 10002}, {UID: 10003}}
	change.NewType = model.WakeTypePartial
	s.Apply(change)

	stop := wakelock(model.EventWakelockStop, 1000, "sync", 1000)
	stop.WorkSource = change.NewWorkSource
	s.Apply(stop)

	if got := s.Uids[10001].Wakelocks["sync"].Timers[0].TotalMs; got != 400 {
		t.Fatalf("old holder got %d, want 400", got)
	}
	for _, uid := range []int{10002, 10003} {
		if got := s.Uids[uid].Wakelocks["sync"].Timers[0].TotalMs; got != 600 {
			t.Fatalf("uid %d got %d, want 600", uid, got)
		}
	}
	if _, ok := s.Uids[1000]; ok {
		t.Fatalf("caller uid should not be charged when a work source is set")
	}
}

func TestBatteryFlipCreatesOneBoundaryAndBaseline(t *testing.T) {
	s := New(Config{})
	discharging := model.BatteryState{Status: model.BatteryStatusDischarging, PlugType: model.PlugNone, Level: 50}
	charging := model.BatteryState{Status: model.BatteryStatusCharging, PlugType: model.PlugAC, Level: 50}

	if tr := s.SetBatteryState(discharging, 0, 1); tr.Boundary {
		t.Fatalf("first reading must not be a boundary")
	}
	on := ev(model.EventScreenState, 0, 100)
	on.State = model.ScreenStateOn
	s.Apply(on)

	tr := s.SetBatteryState(charging, 1000, 2)
	if !tr.Boundary || tr.Unplugged {
		t.Fatalf("unexpected transition %+v", tr)
	}
	if s.Epoch.Boundaries != 1 {
		t.Fatalf("boundaries = %d, want 1", s.Epoch.Boundaries)
	}

	// Unplug again: since-unplugged starts over while since-charged keeps going.
	tr = s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 60}, 3000, 3)
	if !tr.Unplugged {
		t.Fatalf("expected unplug transition")
	}
	if total, _ := s.Global.ScreenOn.Value(4000, SinceCharged); total != 3900 {
		t.Fatalf("since charged screen on = %d, want 3900", total)
	}
	if since, _ := s.Global.ScreenOn.Value(4000, SinceUnplugged); since != 1000 {
		t.Fatalf("since unplugged screen on = %d, want 1000", since)
	}
}

func TestAutoResetOnUnplugAfterFullCharge(t *testing.T) {
	s := New(Config{AutoResetLevel: 90})
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusCharging, PlugType: model.PlugUSB, Level: 95}, 0, 1)
	unplug := model.BatteryState{Status: model.BatteryStatusDischarging, Level: 95}
	if !s.ShouldAutoReset(unplug) {
		t.Fatalf("expected auto reset")
	}
	s.Options.NoAutoReset = true
	if s.ShouldAutoReset(unplug) {
		t.Fatalf("no-auto-reset must suppress the reset")
	}
}

func TestResetKeepsRunningTimers(t *testing.T) {
	s := New(Config{})
	s.Apply(wakelock(model.EventWakelockStart, 7, "held", 0))
	s.Apply(ev(model.EventCameraOn, 8, 0))
	s.Apply(ev(model.EventCameraOff, 8, 100))
	s.Apply(ev(model.EventJobStart, 9, 0))
	s.Apply(ev(model.EventJobFinish, 9, 10))

	s.Reset(1000, 99)

	if _, ok := s.Uids[9]; ok {
		t.Fatalf("idle uid survived reset")
	}
	tm := &s.Uids[7].Wakelocks["held"].Timers[0]
	if !tm.Running() || tm.TotalAt(1500) != 500 || tm.Count != 1 {
		t.Fatalf("running wakelock after reset = %+v (at 1500: %d)", *tm, tm.TotalAt(1500))
	}
	if s.Global.Camera.TotalMs != 0 {
		t.Fatalf("global camera not cleared")
	}
	if s.Epoch.Resets != 1 || s.Epoch.StartWallMs != 99 {
		t.Fatalf("epoch = %+v", s.Epoch)
	}
}

func TestSnapshotFoldsRunningTimersAndIsDetached(t *testing.T) {
	s := New(Config{})
	s.Apply(ev(model.EventGpsOn, 3, 0))
	snap := s.Snapshot(250)

	if got := snap.Uids[3].Gps; got.TotalMs != 250 || got.Running() {
		t.Fatalf("snapshot gps = %+v", got)
	}
	s.Apply(ev(model.EventGpsOff, 3, 400))
	if snap.Uids[3].Gps.TotalMs != 250 {
		t.Fatalf("snapshot shares state with live store")
	}
	if s.Uids[3].Gps.TotalMs != 400 {
		t.Fatalf("live gps = %d, want 400", s.Uids[3].Gps.TotalMs)
	}
}

func TestSnapshotSurvivesJSON(t *testing.T) {
	s := New(Config{})
	s.Apply(wakelock(model.EventWakelockStart, 5, "lock", 0))
	s.Apply(ev(model.EventSensorOn, 5, 0))
	vib := ev(model.EventVibratorOn, 5, 10)
	vib.Value = 300
	s.Apply(vib)
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 80}, 20, 1)
	s.FoldRail("cpu", 1234)

	snap := s.Snapshot(1000)
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back := &Store{}
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back.Configure(Config{})

	if diff := cmp.Diff(snap.GlobalEntries(1000, SinceCharged), back.GlobalEntries(1000, SinceCharged)); diff != "" {
		t.Fatalf("global differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snap.UidEntries(5, 1000, SinceUnplugged), back.UidEntries(5, 1000, SinceUnplugged)); diff != "" {
		t.Fatalf("uid differs (-want +got):\n%s", diff)
	}
}

func TestVibratorAbortTrimsRemainder(t *testing.T) {
	s := New(Config{})
	on := ev(model.EventVibratorOn, 4, 1000)
	on.Value = 500
	s.Apply(on)
	s.Apply(ev(model.EventVibratorOff, 4, 1200))
	s.Apply(ev(model.EventVibratorOff, 4, 1300))

	if got := s.Uids[4].Vibrator.TotalMs; got != 200 {
		t.Fatalf("vibrator total = %d, want 200", got)
	}
}

func TestNegativeDurationsClampToZero(t *testing.T) {
	s := New(Config{})
	w := ev(model.EventWakeupReason, 0, 10)
	w.Name = "irq"
	w.Value = -50
	s.Apply(w)
	s.Apply(wakelock(model.EventWakelockStart, 5, "back", 1000))
	s.Apply(wakelock(model.EventWakelockStop, 5, "back", 400))

	if got := s.Global.WakeupReasons["irq"].TotalMs; got != 0 {
		t.Fatalf("wakeup total = %d, want 0", got)
	}
	if got := s.Uids[5].Wakelocks["back"].Timers[0].TotalMs; got != 0 {
		t.Fatalf("backwards wakelock total = %d, want 0", got)
	}
}

func TestDischargeStepsAndDaily(t *testing.T) {
	s := New(Config{})
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 80}, 0, 1_000)
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 78}, 60_000, 61_000)

	steps := s.Global.DischargeSteps.Steps
	if len(steps) != 2 || steps[0].DurationMs != 30_000 {
		t.Fatalf("steps = %+v", steps)
	}
	if s.Global.DischargeTotal.Value != 2 || s.Global.DischargeScreenOff.Value != 2 {
		t.Fatalf("discharge totals = %+v / %+v", s.Global.DischargeTotal, s.Global.DischargeScreenOff)
	}
	if s.CurDaily.DischargeStepCount != 2 {
		t.Fatalf("daily steps = %d", s.CurDaily.DischargeStepCount)
	}

	tr := s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 78}, 90_000, 1_000+dayMs)
	if !tr.DayRolled || len(s.Daily) != 1 || s.Daily[0].DischargeStepCount != 2 {
		t.Fatalf("daily roll: tr=%+v daily=%+v", tr, s.Daily)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(Config{HistorySize: 3})
	for i := 0; i < 5; i++ {
		e := ev(model.EventScreenState, 0, int64(i))
		e.State = model.ScreenStateOn
		if i%2 == 1 {
			e.State = model.ScreenStateOff
		}
		s.Apply(e)
	}
	if len(s.History.Items) != 3 || s.History.Items[0].Seq != 2 {
		t.Fatalf("history = %+v", s.History.Items)
	}
	if got := s.History.Since(4); len(got) != 1 || got[0].Seq != 4 {
		t.Fatalf("Since(4) = %+v", got)
	}
}

func TestPretendScreenOff(t *testing.T) {
	s := New(Config{})
	on := ev(model.EventScreenState, 0, 0)
	on.State = model.ScreenStateOn
	s.Apply(on)
	if !s.SetOption("pretend-screen-off", true, 100) {
		t.Fatalf("option not recognised")
	}
	s.Apply(on)
	if s.Global.ScreenOn.Running() || s.Global.ScreenOn.TotalMs != 100 {
		t.Fatalf("screen on = %+v", s.Global.ScreenOn)
	}
	if s.SetOption("bogus", true, 0) {
		t.Fatalf("unknown option accepted")
	}
}

func TestRemoveUserDropsOnlyThatUser(t *testing.T) {
	s := New(Config{})
	s.Apply(ev(model.EventCpuTime, 10_050, 0))
	s.Apply(ev(model.EventCpuTime, 1_010_050, 0))
	if n := s.RemoveUser(10, 5); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok := s.Uids[10_050]; !ok {
		t.Fatalf("user 0 uid removed")
	}
	if n := s.PruneUsers(nil, 5); n != 0 {
		t.Fatalf("pruned %d, want 0", n)
	}
}

func TestRadioActiveAttributedToTriggeringUid(t *testing.T) {
	s := New(Config{})
	hi := ev(model.EventRadioPowerState, 10_001, 0)
	hi.State = model.RadioPowerHigh
	lo := ev(model.EventRadioPowerState, 10_002, 700)
	lo.State = model.RadioPowerLow
	s.Apply(hi)
	s.Apply(lo)

	if got := s.Uids[10_001].MobileRadioActive.TotalMs; got != 700 {
		t.Fatalf("uid radio active = %d, want 700", got)
	}
	if got := s.ActivityOnTimes(SubsystemModem, 1000); got[10_001] != 700 || len(got) != 1 {
		t.Fatalf("activity on times = %v", got)
	}
}

func TestGuardReplace(t *testing.T) {
	g := NewGuard(New(Config{}))
	fresh := New(Config{})
	fresh.Apply(ev(model.EventCpuTime, 1, 0))
	g.Replace(fresh)
	var n int
	g.Do(func(s *Store) { n = len(s.Uids) })
	if n != 1 {
		t.Fatalf("guard did not swap store")
	}
}

func TestRemovedUidReleasesDeviceTimers(t *testing.T) {
	s := New(Config{})
	q := ev(model.EventGpsSignalQuality, 0, 0)
	q.State = 1
	s.Apply(q)
	s.Apply(ev(model.EventGpsOn, 10_050, 0))
	s.Apply(ev(model.EventCameraOn, 10_050, 0))
	s.Apply(ev(model.EventAudioOn, 10_050, 0))
	s.Apply(ev(model.EventAudioOn, 10_051, 500))

	s.RemoveUid(10_050, 1000)
	g := &s.Global
	if g.GpsOn.Running() || g.GpsSignalQuality[1].Running() || g.Camera.Running() {
		t.Fatalf("device timers still held by removed uid")
	}
	if got := g.GpsOn.TotalAt(101_000); got != 1000 {
		t.Fatalf("gps on = %d, want 1000", got)
	}
	if got := g.GpsSignalQuality[1].TotalAt(101_000); got != 1000 {
		t.Fatalf("gps quality bin = %d, want 1000", got)
	}
	if !g.Audio.Running() {
		t.Fatalf("audio held by another uid was stopped")
	}

	// A later off for the removed uid must not disturb the remaining holder.
	s.Apply(ev(model.EventAudioOff, 10_050, 2000))
	if !g.Audio.Running() {
		t.Fatalf("stale audio off released another uid's hold")
	}
}

func TestRemoveUserReleasesGps(t *testing.T) {
	s := New(Config{})
	s.Apply(ev(model.EventGpsOn, 1_010_050, 0))
	if n := s.PruneUsers(nil, 1000); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if s.Global.GpsOn.Running() || s.Global.GpsOn.TotalAt(5000) != 1000 {
		t.Fatalf("gps on after prune = %d running=%v", s.Global.GpsOn.TotalAt(5000), s.Global.GpsOn.Running())
	}
}

func TestResumeMovesStoreOntoNewClock(t *testing.T) {
	s := New(Config{})
	s.SetBatteryState(model.BatteryState{Status: model.BatteryStatusDischarging, Level: 60}, 100_000, 1)
	snap := s.Snapshot(160_000)

	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back := &Store{}
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back.Configure(Config{})
	back.Resume(0)

	if !back.Global.OnBattery.Running() {
		t.Fatalf("on-battery timer not resumed")
	}
	if got, n := back.Global.OnBattery.Value(600_000, SinceCharged); got != 660_000 || n != 1 {
		t.Fatalf("on battery = %dms x%d, want 660000ms x1", got, n)
	}
	if back.Epoch.LastUnplugElapsedMs != -60_000 || back.Global.DischargeSteps.LastStepMs != -60_000 {
		t.Fatalf("elapsed stamps not shifted: epoch=%+v steps=%+v", back.Epoch, back.Global.DischargeSteps)
	}
	if items := back.History.Items; len(items) != 0 && items[len(items)-1].ElapsedMs > 0 {
		t.Fatalf("history not shifted: %+v", items)
	}

	plugged := New(Config{})
	plugged.SetBatteryState(model.BatteryState{Status: model.BatteryStatusCharging, PlugType: model.PlugAC, Level: 60}, 0, 1)
	plugged.Resume(5000)
	if plugged.Global.OnBattery.Running() {
		t.Fatalf("on-battery timer resumed while plugged")
	}
}
