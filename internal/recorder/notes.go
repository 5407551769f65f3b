package recorder

import "github.com/platformbuilds/batterystatsd/internal/model"

// Typed helpers for the note families. Each builds the event and hands it to
// Record; callers that already hold an Event call Record directly.

func (r *Recorder) NoteProcessStart(c model.Caller, uid int, name string) error {
	return r.Record(c, model.Event{Kind: model.EventProcessStart, UID: uid, Name: name})
}

func (r *Recorder) NoteProcessFinish(c model.Caller, uid int, name string) error {
	return r.Record(c, model.Event{Kind: model.EventProcessFinish, UID: uid, Name: name})
}

func (r *Recorder) NoteProcessCrash(c model.Caller, uid int, name string) error {
	return r.Record(c, model.Event{Kind: model.EventProcessCrash, UID: uid, Name: name})
}

func (r *Recorder) NoteProcessANR(c model.Caller, uid int, name string) error {
	return r.Record(c, model.Event{Kind: model.EventProcessANR, UID: uid, Name: name})
}

func (r *Recorder) NoteUidProcessState(c model.Caller, uid, state int) error {
	return r.Record(c, model.Event{Kind: model.EventUidProcessState, UID: uid, State: state})
}

func (r *Recorder) NoteStartWakelock(c model.Caller, uid, pid int, name string, wakeType int, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventWakelockStart, UID: uid, PID: pid, Name: name, Type: wakeType, WorkSource: ws})
}

func (r *Recorder) NoteStopWakelock(c model.Caller, uid, pid int, name string, wakeType int, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventWakelockStop, UID: uid, PID: pid, Name: name, Type: wakeType, WorkSource: ws})
}

// NoteChangeWakelock moves a held wakelock to a new work source, name or type
// as one atomic stop and start.
func (r *Recorder) NoteChangeWakelock(c model.Caller, uid, pid int, ws model.WorkSource, name string, wakeType int,
	newWS model.WorkSource, newName string, newType int) error {
	return r.Record(c, model.Event{
		Kind: model.EventWakelockChange, UID: uid, PID: pid,
		WorkSource: ws, Name: name, Type: wakeType,
		NewWorkSource: newWS, NewName: newName, NewType: newType,
	})
}

func (r *Recorder) NoteStartSensor(c model.Caller, uid, sensor int) error {
	return r.Record(c, model.Event{Kind: model.EventSensorOn, UID: uid, Type: sensor})
}

func (r *Recorder) NoteStopSensor(c model.Caller, uid, sensor int) error {
	return r.Record(c, model.Event{Kind: model.EventSensorOff, UID: uid, Type: sensor})
}

func (r *Recorder) NoteMobileRadioPowerState(c model.Caller, uid, powerState int) error {
	return r.Record(c, model.Event{Kind: model.EventRadioPowerState, UID: uid, State: powerState})
}

func (r *Recorder) NotePhoneSignalStrength(c model.Caller, level int) error {
	return r.Record(c, model.Event{Kind: model.EventPhoneSignalStrength, Value: int64(level)})
}

func (r *Recorder) NoteWifiOn(c model.Caller) error {
	return r.Record(c, model.Event{Kind: model.EventWifiOn})
}

func (r *Recorder) NoteWifiOff(c model.Caller) error {
	return r.Record(c, model.Event{Kind: model.EventWifiOff})
}

func (r *Recorder) NoteWifiRunning(c model.Caller, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventWifiRunning, WorkSource: ws})
}

func (r *Recorder) NoteWifiStopped(c model.Caller, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventWifiStopped, WorkSource: ws})
}

func (r *Recorder) NoteWifiRunningChanged(c model.Caller, oldWS, newWS model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventWifiRunningChanged, WorkSource: oldWS, NewWorkSource: newWS})
}

func (r *Recorder) NoteWifiScanStarted(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventWifiScanStart, UID: uid})
}

func (r *Recorder) NoteWifiScanStopped(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventWifiScanStop, UID: uid})
}

func (r *Recorder) NoteBleScanStarted(c model.Caller, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventBleScanStart, WorkSource: ws})
}

func (r *Recorder) NoteBleScanStopped(c model.Caller, ws model.WorkSource) error {
	return r.Record(c, model.Event{Kind: model.EventBleScanStop, WorkSource: ws})
}

func (r *Recorder) NoteBleScanResults(c model.Caller, ws model.WorkSource, n int) error {
	return r.Record(c, model.Event{Kind: model.EventBleScanResults, WorkSource: ws, Value: int64(n)})
}

func (r *Recorder) NoteStartGps(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventGpsOn, UID: uid})
}

func (r *Recorder) NoteStopGps(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventGpsOff, UID: uid})
}

func (r *Recorder) NoteGpsSignalQuality(c model.Caller, quality int) error {
	return r.Record(c, model.Event{Kind: model.EventGpsSignalQuality, State: quality})
}

func (r *Recorder) NoteScreenState(c model.Caller, state int) error {
	return r.Record(c, model.Event{Kind: model.EventScreenState, State: state})
}

func (r *Recorder) NoteScreenBrightness(c model.Caller, brightness int) error {
	return r.Record(c, model.Event{Kind: model.EventScreenBrightness, Value: int64(brightness)})
}

func (r *Recorder) NoteInteractive(c model.Caller, interactive bool) error {
	return r.Record(c, model.Event{Kind: model.EventInteractive, State: boolState(interactive)})
}

func (r *Recorder) NoteUserActivity(c model.Caller, uid, event int) error {
	return r.Record(c, model.Event{Kind: model.EventUserActivity, UID: uid, Type: event})
}

func (r *Recorder) NoteWakeupReason(c model.Caller, reason string, durationMs int64) error {
	return r.Record(c, model.Event{Kind: model.EventWakeupReason, Name: reason, Value: durationMs})
}

func (r *Recorder) NoteAlarmStart(c model.Caller, name string, ws model.WorkSource, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventAlarmStart, Name: name, WorkSource: ws, UID: uid})
}

func (r *Recorder) NoteAlarmFinish(c model.Caller, name string, ws model.WorkSource, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventAlarmFinish, Name: name, WorkSource: ws, UID: uid})
}

func (r *Recorder) NoteJobStart(c model.Caller, name string, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventJobStart, Name: name, UID: uid})
}

func (r *Recorder) NoteJobFinish(c model.Caller, name string, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventJobFinish, Name: name, UID: uid})
}

func (r *Recorder) NoteSyncStart(c model.Caller, name string, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventSyncStart, Name: name, UID: uid})
}

func (r *Recorder) NoteSyncFinish(c model.Caller, name string, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventSyncFinish, Name: name, UID: uid})
}

func (r *Recorder) NoteVibratorOn(c model.Caller, uid int, durationMs int64) error {
	return r.Record(c, model.Event{Kind: model.EventVibratorOn, UID: uid, Value: durationMs})
}

func (r *Recorder) NoteVibratorOff(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventVibratorOff, UID: uid})
}

// NoteMedia records camera, flashlight, audio or video on/off/reset events.
func (r *Recorder) NoteMedia(c model.Caller, kind model.EventKind, uid int) error {
	return r.Record(c, model.Event{Kind: kind, UID: uid})
}

func (r *Recorder) NoteConnectivityChanged(c model.Caller, netType int, extra string) error {
	return r.Record(c, model.Event{Kind: model.EventConnectivityChanged, Type: netType, Name: extra})
}

func (r *Recorder) NotePowerSaveMode(c model.Caller, enabled bool) error {
	return r.Record(c, model.Event{Kind: model.EventPowerSaveMode, State: boolState(enabled)})
}

func (r *Recorder) NoteDeviceIdleMode(c model.Caller, mode int) error {
	return r.Record(c, model.Event{Kind: model.EventDeviceIdleMode, State: mode})
}

func (r *Recorder) NoteCpuTime(c model.Caller, uid int, userMs, systemMs int64) error {
	return r.Record(c, model.Event{Kind: model.EventCpuTime, UID: uid, Value: userMs, Value2: systemMs})
}

func (r *Recorder) NoteUidRemoved(c model.Caller, uid int) error {
	return r.Record(c, model.Event{Kind: model.EventUidRemoved, UID: uid})
}

func boolState(b bool) int {
	if b {
		return 1
	}
	return 0
}
