package model

import "strings"

// EventKind names one kind of power-relevant fact.
type EventKind string

const (
	EventProcessStart    EventKind = "process_start"
	EventProcessCrash    EventKind = "process_crash"
	EventProcessANR      EventKind = "process_anr"
	EventProcessFinish   EventKind = "process_finish"
	EventUidProcessState EventKind = "uid_process_state"
	EventUidRemoved      EventKind = "uid_removed"

	EventWakelockStart  EventKind = "wakelock_start"
	EventWakelockStop   EventKind = "wakelock_stop"
	EventWakelockChange EventKind = "wakelock_change"

	EventSensorOn  EventKind = "sensor_on"
	EventSensorOff EventKind = "sensor_off"

	EventRadioPowerState     EventKind = "radio_power_state"
	EventPhoneSignalStrength EventKind = "phone_signal_strength"
	EventPhoneOn             EventKind = "phone_on"
	EventPhoneOff            EventKind = "phone_off"

	EventWifiOn             EventKind = "wifi_on"
	EventWifiOff            EventKind = "wifi_off"
	EventWifiRunning        EventKind = "wifi_running"
	EventWifiStopped        EventKind = "wifi_stopped"
	EventWifiRunningChanged EventKind = "wifi_running_changed"
	EventWifiScanStart      EventKind = "wifi_scan_start"
	EventWifiScanStop       EventKind = "wifi_scan_stop"
	EventFullWifiLockOn     EventKind = "full_wifi_lock_acquired"
	EventFullWifiLockOff    EventKind = "full_wifi_lock_released"

	EventBleScanStart   EventKind = "ble_scan_start"
	EventBleScanStop    EventKind = "ble_scan_stop"
	EventBleScanResults EventKind = "ble_scan_results"

	EventGpsOn            EventKind = "gps_on"
	EventGpsOff           EventKind = "gps_off"
	EventGpsSignalQuality EventKind = "gps_signal_quality"

	EventScreenState      EventKind = "screen_state"
	EventScreenBrightness EventKind = "screen_brightness"
	EventInteractive      EventKind = "interactive"
	EventUserActivity     EventKind = "user_activity"
	EventWakeupReason     EventKind = "wakeup_reason"

	EventAlarmStart  EventKind = "alarm_start"
	EventAlarmFinish EventKind = "alarm_finish"
	EventJobStart    EventKind = "job_start"
	EventJobFinish   EventKind = "job_finish"
	EventSyncStart   EventKind = "sync_start"
	EventSyncFinish  EventKind = "sync_finish"

	EventVibratorOn  EventKind = "vibrator_on"
	EventVibratorOff EventKind = "vibrator_off"

	EventCameraOn        EventKind = "camera_on"
	EventCameraOff       EventKind = "camera_off"
	EventCameraReset     EventKind = "camera_reset"
	EventFlashlightOn    EventKind = "flashlight_on"
	EventFlashlightOff   EventKind = "flashlight_off"
	EventFlashlightReset EventKind = "flashlight_reset"
	EventAudioOn         EventKind = "audio_on"
	EventAudioOff        EventKind = "audio_off"
	EventAudioReset      EventKind = "audio_reset"
	EventVideoOn         EventKind = "video_on"
	EventVideoOff        EventKind = "video_off"
	EventVideoReset      EventKind = "video_reset"

	EventConnectivityChanged EventKind = "connectivity_changed"
	EventPowerSaveMode       EventKind = "power_save_mode"
	EventDeviceIdleMode      EventKind = "device_idle_mode"
	EventCpuTime             EventKind = "cpu_time"
	EventBatteryState        EventKind = "battery_state"
)

var knownKinds = map[EventKind]struct{}{}

func init() {
	for _, k := range []EventKind{
		EventProcessStart, EventProcessCrash, EventProcessANR, EventProcessFinish, EventUidProcessState, EventUidRemoved,
		EventWakelockStart, EventWakelockStop, EventWakelockChange, EventSensorOn, EventSensorOff,
		EventRadioPowerState, EventPhoneSignalStrength, EventPhoneOn, EventPhoneOff,
		EventWifiOn, EventWifiOff, EventWifiRunning, EventWifiStopped, EventWifiRunningChanged,
		EventWifiScanStart, EventWifiScanStop, EventFullWifiLockOn, EventFullWifiLockOff,
		EventBleScanStart, EventBleScanStop, EventBleScanResults, EventGpsOn, EventGpsOff, EventGpsSignalQuality,
		EventScreenState, EventScreenBrightness, EventInteractive, EventUserActivity, EventWakeupReason,
		EventAlarmStart, EventAlarmFinish, EventJobStart, EventJobFinish, EventSyncStart, EventSyncFinish,
		EventVibratorOn, EventVibratorOff,
		EventCameraOn, EventCameraOff, EventCameraReset, EventFlashlightOn, EventFlashlightOff, EventFlashlightReset,
		EventAudioOn, EventAudioOff, EventAudioReset, EventVideoOn, EventVideoOff, EventVideoReset,
		EventConnectivityChanged, EventPowerSaveMode, EventDeviceIdleMode, EventCpuTime, EventBatteryState,
	} {
		knownKinds[k] = struct{}{}
	}
}

// Valid reports whether k is a recognised event kind.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseEventKind normalises a wire spelling ("WAKELOCK_START", "wakelock-start").
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return k, k.Valid()
}

// Wakelock types.
const (
	WakeTypePartial = iota
	WakeTypeFull
	WakeTypeWindow
	WakeTypeDraw
	NumWakeTypes
)

// WakeTypeName returns the short name used in reports.
func WakeTypeName(t int) string {
	switch t {
	case WakeTypePartial:
		return "partial"
	case WakeTypeFull:
		return "full"
	case WakeTypeWindow:
		return "window"
	case WakeTypeDraw:
		return "draw"
	}
	return "unknown"
}

// Display states carried by screen_state events.
const (
	ScreenStateUnknown = iota
	ScreenStateOff
	ScreenStateOn
	ScreenStateDoze
	ScreenStateDozeSuspend
)

// Mobile radio power states.
const (
	RadioPowerLow = iota + 1
	RadioPowerMedium
	RadioPowerHigh
)

// Device idle modes.
const (
	DeviceIdleOff = iota
	DeviceIdleLight
	DeviceIdleDeep
)

// UID process states, most to least important.
const (
	ProcStateTop = iota
	ProcStateForegroundService
	ProcStateForeground
	ProcStateBackground
	ProcStateCached
	NumProcStates
	ProcStateNone = -1
)

const (
	NumSignalStrengthBins = 5
	NumBrightnessBins     = 5
	NumGpsSignalBins      = 2
	NumUserActivityTypes  = 5
)

// Attribution is one entry of a WorkSource.
type Attribution struct {
	UID int    `json:"uid"`
	Tag string `json:"tag,omitempty"`
}

// WorkSource lists the UIDs responsible for a shared resource. An empty
// WorkSource means the resource is attributed to the event's own UID.
type WorkSource []Attribution

// UIDs returns the distinct attributed UIDs in order, or fallback when empty.
func (ws WorkSource) UIDs(fallback int) []int {
	if len(ws) == 0 {
		return []int{fallback}
	}
	out := make([]int, 0, len(ws))
	seen := make(map[int]struct{}, len(ws))
	for _, a := range ws {
		if _, ok := seen[a.UID]; ok {
			continue
		}
		seen[a.UID] = struct{}{}
		out = append(out, a.UID)
	}
	return out
}

// Event is a single timestamped fact. Which payload fields are meaningful
// depends on Kind:
//
//	wakelock_*          Name, Type (wake type), WorkSource; change adds NewName, NewType, NewWorkSource
//	sensor_*            Type (sensor handle)
//	process_*           Name (process name)
//	uid_process_state   State (ProcState*)
//	radio_power_state   State (RadioPower*)
//	phone_signal_*      Value (bin 0..4)
//	gps_signal_quality  State (0 poor, 1 good)
//	screen_state        State (ScreenState*)
//	screen_brightness   Value (0..255)
//	interactive, power_save_mode  State (0/1)
//	device_idle_mode    State (DeviceIdle*)
//	user_activity       Type (activity type)
//	wakeup_reason       Name, Value (duration ms)
//	alarm_*, job_*, sync_*  Name, WorkSource
//	vibrator_on         Value (duration ms)
//	ble_scan_results    Value (result count)
//	connectivity_changed  Type (network type), Name
//	cpu_time            Value (user ms), Value2 (system ms)
//	battery_state       Battery
type Event struct {
	Kind          EventKind     `json:"kind"`
	UID           int           `json:"uid"`
	PID           int           `json:"pid,omitempty"`
	WorkSource    WorkSource    `json:"work_source,omitempty"`
	NewWorkSource WorkSource    `json:"new_work_source,omitempty"`
	Name          string        `json:"name,omitempty"`
	NewName       string        `json:"new_name,omitempty"`
	Type          int           `json:"type,omitempty"`
	NewType       int           `json:"new_type,omitempty"`
	State         int           `json:"state,omitempty"`
	Value         int64         `json:"value,omitempty"`
	Value2        int64         `json:"value2,omitempty"`
	Battery       *BatteryState `json:"battery,omitempty"`

	// Clock readings captured when the note call was made.
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
	UptimeMs  int64 `json:"uptime_ms,omitempty"`
	WallMs    int64 `json:"wall_ms,omitempty"`
}
