package stats

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Wakelock holds one timer per wake type for a named wakelock.
type Wakelock struct {
	Timers [model.NumWakeTypes]Timer `json:"timers"`
}

// Process tracks the lifecycle counters of one named process.
type Process struct {
	Starts  Counter `json:"starts"`
	Crashes Counter `json:"crashes"`
	ANRs    Counter `json:"anrs"`
	Active  Timer   `json:"active"`
}

// ControllerActivity is the folded share of a radio controller's activity.
type ControllerActivity struct {
	IdleMs    Counter `json:"idle_ms"`
	RxMs      Counter `json:"rx_ms"`
	TxMs      Counter `json:"tx_ms"`
	EnergyUWs Counter `json:"energy_uws"`
}

// UidStats is the per-UID aggregate.
type UidStats struct {
	UID int `json:"uid"`

	Wakelocks map[string]*Wakelock `json:"wakelocks,omitempty"`
	Sensors   map[int]*Timer       `json:"sensors,omitempty"`
	Processes map[string]*Process  `json:"processes,omitempty"`
	Jobs      map[string]*Timer    `json:"jobs,omitempty"`
	Syncs     map[string]*Timer    `json:"syncs,omitempty"`
	Alarms    map[string]*Timer    `json:"alarms,omitempty"`

	ProcessStates [model.NumProcStates]Timer `json:"process_states"`

	WifiRunning       Timer `json:"wifi_running"`
	WifiScan          Timer `json:"wifi_scan"`
	FullWifiLock      Timer `json:"full_wifi_lock"`
	BleScan           Timer `json:"ble_scan"`
	Gps               Timer `json:"gps"`
	MobileRadioActive Timer `json:"mobile_radio_active"`
	Camera            Timer `json:"camera"`
	Flashlight        Timer `json:"flashlight"`
	Audio             Timer `json:"audio"`
	Video             Timer `json:"video"`

	Vibrator       DurationTimer                        `json:"vibrator"`
	BleScanResults Counter                              `json:"ble_scan_results"`
	UserActivity   [model.NumUserActivityTypes]Counter `json:"user_activity"`
	CpuUserMs      Counter                              `json:"cpu_user_ms"`
	CpuSystemMs    Counter                              `json:"cpu_system_ms"`

	Wifi      ControllerActivity `json:"wifi_activity"`
	Bluetooth ControllerActivity `json:"bluetooth_activity"`
	Modem     ControllerActivity `json:"modem_activity"`

	procState int
}

func newUidStats(uid int) *UidStats {
	u := &UidStats{UID: uid}
	u.init()
	return u
}

func (u *UidStats) init() {
	if u.Wakelocks == nil {
		u.Wakelocks = map[string]*Wakelock{}
	}
	if u.Sensors == nil {
		u.Sensors = map[int]*Timer{}
	}
	if u.Processes == nil {
		u.Processes = map[string]*Process{}
	}
	if u.Jobs == nil {
		u.Jobs = map[string]*Timer{}
	}
	if u.Syncs == nil {
		u.Syncs = map[string]*Timer{}
	}
	if u.Alarms == nil {
		u.Alarms = map[string]*Timer{}
	}
	u.procState = model.ProcStateNone
}

func (u *UidStats) wakelock(name string) *Wakelock {
	wl, ok := u.Wakelocks[name]
	if !ok {
		wl = &Wakelock{}
		u.Wakelocks[name] = wl
	}
	return wl
}

func (u *UidStats) process(name string) *Process {
	p, ok := u.Processes[name]
	if !ok {
		p = &Process{}
		u.Processes[name] = p
	}
	return p
}

func namedTimer(m map[string]*Timer, name string) *Timer {
	t, ok := m[name]
	if !ok {
		t = &Timer{}
		m[name] = t
	}
	return t
}

// visitor walks every accumulator of an aggregate with a stable path name.
// Paths are "<section>/<detail>".
type visitor struct {
	timer    func(path string, t *Timer)
	duration func(path string, d *DurationTimer)
	counter  func(path string, c *Counter)
}

func (v visitor) t(path string, t *Timer) {
	if v.timer != nil {
		v.timer(path, t)
	}
}

func (v visitor) d(path string, d *DurationTimer) {
	if v.duration != nil {
		v.duration(path, d)
	}
}

func (v visitor) c(path string, c *Counter) {
	if v.counter != nil {
		v.counter(path, c)
	}
}

func (v visitor) activity(section string, a *ControllerActivity) {
	v.c(section+"/idle_ms", &a.IdleMs)
	v.c(section+"/rx_ms", &a.RxMs)
	v.c(section+"/tx_ms", &a.TxMs)
	v.c(section+"/energy_uws", &a.EnergyUWs)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var procStateNames = [model.NumProcStates]string{"top", "fg_service", "foreground", "background", "cached"}

func (u *UidStats) visit(v visitor) {
	for _, name := range sortedKeys(u.Wakelocks) {
		wl := u.Wakelocks[name]
		for i := range wl.Timers {
			v.t("wakelock/"+model.WakeTypeName(i)+"/"+name, &wl.Timers[i])
		}
	}
	for _, h := range sortedKeys(u.Sensors) {
		v.t("sensor/"+strconv.Itoa(h), u.Sensors[h])
	}
	for _, name := range sortedKeys(u.Processes) {
		p := u.Processes[name]
		v.c("process/"+name+"/starts", &p.Starts)
		v.c("process/"+name+"/crashes", &p.Crashes)
		v.c("process/"+name+"/anrs", &p.ANRs)
		v.t("process/"+name+"/active", &p.Active)
	}
	for _, name := range sortedKeys(u.Jobs) {
		v.t("job/"+name, u.Jobs[name])
	}
	for _, name := range sortedKeys(u.Syncs) {
		v.t("sync/"+name, u.Syncs[name])
	}
	for _, name := range sortedKeys(u.Alarms) {
		v.t("alarm/"+name, u.Alarms[name])
	}
	for i := range u.ProcessStates {
		v.t("proc_state/"+procStateNames[i], &u.ProcessStates[i])
	}
	v.t("wifi/running", &u.WifiRunning)
	v.t("wifi/scan", &u.WifiScan)
	v.t("wifi/full_lock", &u.FullWifiLock)
	v.t("ble/scan", &u.BleScan)
	v.c("ble/scan_results", &u.BleScanResults)
	v.t("gps/on", &u.Gps)
	v.t("radio/active", &u.MobileRadioActive)
	v.t("media/camera", &u.Camera)
	v.t("media/flashlight", &u.Flashlight)
	v.t("media/audio", &u.Audio)
	v.t("media/video", &u.Video)
	v.d("vibrator/on", &u.Vibrator)
	for i := range u.UserActivity {
		v.c("user_activity/"+strconv.Itoa(i), &u.UserActivity[i])
	}
	v.c("cpu/user_ms", &u.CpuUserMs)
	v.c("cpu/system_ms", &u.CpuSystemMs)
	v.activity("wifi_activity", &u.Wifi)
	v.activity("bt_activity", &u.Bluetooth)
	v.activity("modem_activity", &u.Modem)
}

// active reports whether any timer of the UID is currently running.
func (u *UidStats) active() bool {
	running := false
	u.visit(visitor{timer: func(_ string, t *Timer) {
		if t.Running() {
			running = true
		}
	}})
	return running
}

// stopAll releases every running timer of the UID.
func (u *UidStats) stopAll(now int64) {
	u.visit(visitor{timer: func(_ string, t *Timer) { t.StopAll(now) }})
	u.Vibrator.Abort(now)
}

// activityOn returns the cumulative on-time the UID spent using a subsystem.
func (u *UidStats) activityOn(sub Subsystem, now int64) int64 {
	switch sub {
	case SubsystemWifi:
		return u.WifiRunning.TotalAt(now) + u.WifiScan.TotalAt(now) + u.FullWifiLock.TotalAt(now)
	case SubsystemBluetooth:
		return u.BleScan.TotalAt(now)
	case SubsystemModem:
		return u.MobileRadioActive.TotalAt(now)
	}
	return 0
}

func (u *UidStats) controller(sub Subsystem) *ControllerActivity {
	switch sub {
	case SubsystemWifi:
		return &u.Wifi
	case SubsystemBluetooth:
		return &u.Bluetooth
	case SubsystemModem:
		return &u.Modem
	}
	return nil
}

func (u *UidStats) clone(now int64) *UidStats {
	c := &UidStats{
		UID:            u.UID,
		Wakelocks:      make(map[string]*Wakelock, len(u.Wakelocks)),
		Sensors:        make(map[int]*Timer, len(u.Sensors)),
		Processes:      make(map[string]*Process, len(u.Processes)),
		Jobs:           cloneTimers(u.Jobs, now),
		Syncs:          cloneTimers(u.Syncs, now),
		Alarms:         cloneTimers(u.Alarms, now),
		Vibrator:       u.Vibrator.snapshot(),
		BleScanResults: u.BleScanResults,
		UserActivity:   u.UserActivity,
		CpuUserMs:      u.CpuUserMs,
		CpuSystemMs:    u.CpuSystemMs,
		Wifi:           u.Wifi,
		Bluetooth:      u.Bluetooth,
		Modem:          u.Modem,
		procState:      model.ProcStateNone,
	}
	for name, wl := range u.Wakelocks {
		cw := &Wakelock{}
		for i := range wl.Timers {
			cw.Timers[i] = wl.Timers[i].snapshot(now)
		}
		c.Wakelocks[name] = cw
	}
	for h, t := range u.Sensors {
		st := t.snapshot(now)
		c.Sensors[h] = &st
	}
	for name, p := range u.Processes {
		c.Processes[name] = &Process{Starts: p.Starts, Crashes: p.Crashes, ANRs: p.ANRs, Active: p.Active.snapshot(now)}
	}
	for i := range u.ProcessStates {
		c.ProcessStates[i] = u.ProcessStates[i].snapshot(now)
	}
	c.WifiRunning = u.WifiRunning.snapshot(now)
	c.WifiScan = u.WifiScan.snapshot(now)
	c.FullWifiLock = u.FullWifiLock.snapshot(now)
	c.BleScan = u.BleScan.snapshot(now)
	c.Gps = u.Gps.snapshot(now)
	c.MobileRadioActive = u.MobileRadioActive.snapshot(now)
	c.Camera = u.Camera.snapshot(now)
	c.Flashlight = u.Flashlight.snapshot(now)
	c.Audio = u.Audio.snapshot(now)
	c.Video = u.Video.snapshot(now)
	return c
}

func cloneTimers(m map[string]*Timer, now int64) map[string]*Timer {
	out := make(map[string]*Timer, len(m))
	for k, t := range m {
		st := t.snapshot(now)
		out[k] = &st
	}
	return out
}
