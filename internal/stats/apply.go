package stats

import "github.com/platformbuilds/batterystatsd/internal/model"

const unknownName = "*unknown*"

// Apply folds one event into the store at ev.ElapsedMs. Stops for resources
// that were never started are no-ops. Apply never fails: out of range
// payloads are clamped.
func (s *Store) Apply(ev model.Event) {
	now := ev.ElapsedMs
	g := &s.Global
	name := ev.Name
	if name == "" {
		name = unknownName
	}

	switch ev.Kind {
	case model.EventProcessStart:
		p := s.Uid(ev.UID).process(name)
		p.Starts.Add(1)
		p.Active.Start(now)
	case model.EventProcessFinish:
		if u, ok := s.LookupUid(ev.UID); ok {
			if p, ok := u.Processes[name]; ok {
				p.Active.Stop(now)
			}
		}
	case model.EventProcessCrash:
		s.Uid(ev.UID).process(name).Crashes.Add(1)
	case model.EventProcessANR:
		s.Uid(ev.UID).process(name).ANRs.Add(1)
	case model.EventUidProcessState:
		s.Uid(ev.UID).setProcState(ev.State, now)
	case model.EventUidRemoved:
		s.RemoveUid(ev.UID, now)

	case model.EventWakelockStart:
		s.startWakelock(ev.WorkSource, ev.UID, name, ev.Type, now)
	case model.EventWakelockStop:
		s.stopWakelock(ev.WorkSource, ev.UID, name, ev.Type, now)
	case model.EventWakelockChange:
		newName := ev.NewName
		if newName == "" {
			newName = name
		}
		s.stopWakelock(ev.WorkSource, ev.UID, name, ev.Type, now)
		s.startWakelock(ev.NewWorkSource, ev.UID, newName, ev.NewType, now)

	case model.EventSensorOn:
		u := s.Uid(ev.UID)
		t, ok := u.Sensors[ev.Type]
		if !ok {
			t = &Timer{}
			u.Sensors[ev.Type] = t
		}
		t.Start(now)
	case model.EventSensorOff:
		if u, ok := s.LookupUid(ev.UID); ok {
			if t, ok := u.Sensors[ev.Type]; ok {
				t.Stop(now)
			}
		}

	case model.EventRadioPowerState:
		active := ev.State == model.RadioPowerMedium || ev.State == model.RadioPowerHigh
		if active && !g.MobileRadioActive.Running() {
			g.MobileRadioActive.Start(now)
			s.Uid(ev.UID).MobileRadioActive.Start(now)
			g.radioUID = ev.UID
		} else if !active && g.MobileRadioActive.Running() {
			g.MobileRadioActive.Stop(now)
			if u, ok := s.LookupUid(g.radioUID); ok {
				u.MobileRadioActive.Stop(now)
			}
			g.radioUID = -1
		}
	case model.EventPhoneSignalStrength:
		bin := clampInt(int(ev.Value), 0, model.NumSignalStrengthBins-1)
		if bin != g.signalBin {
			if g.signalBin >= 0 {
				g.PhoneSignalStrength[g.signalBin].Stop(now)
			}
			g.PhoneSignalStrength[bin].Start(now)
			g.signalBin = bin
		}
	case model.EventPhoneOn:
		setRunning(&g.PhoneOn, true, now)
	case model.EventPhoneOff:
		setRunning(&g.PhoneOn, false, now)

	case model.EventWifiOn:
		setRunning(&g.WifiOn, true, now)
	case model.EventWifiOff:
		setRunning(&g.WifiOn, false, now)
	case model.EventWifiRunning:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { setRunning(&u.WifiRunning, true, now) })
		setRunning(&g.WifiRunning, true, now)
	case model.EventWifiStopped:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.WifiRunning.Stop(now) })
		setRunning(&g.WifiRunning, false, now)
	case model.EventWifiRunningChanged:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.WifiRunning.Stop(now) })
		s.eachUid(ev.NewWorkSource, ev.UID, func(u *UidStats) { setRunning(&u.WifiRunning, true, now) })
	case model.EventWifiScanStart:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.WifiScan.Start(now) })
	case model.EventWifiScanStop:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.WifiScan.Stop(now) })
	case model.EventFullWifiLockOn:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.FullWifiLock.Start(now) })
	case model.EventFullWifiLockOff:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.FullWifiLock.Stop(now) })

	case model.EventBleScanStart:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.BleScan.Start(now) })
	case model.EventBleScanStop:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.BleScan.Stop(now) })
	case model.EventBleScanResults:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { u.BleScanResults.Add(ev.Value) })

	case model.EventGpsOn:
		u := s.Uid(ev.UID)
		if !u.Gps.Running() {
			u.Gps.Start(now)
			g.GpsOn.Start(now)
			if g.gpsQuality >= 0 && !g.GpsSignalQuality[g.gpsQuality].Running() {
				g.GpsSignalQuality[g.gpsQuality].Start(now)
			}
		}
	case model.EventGpsOff:
		if u, ok := s.LookupUid(ev.UID); ok {
			s.gpsOff(u, now)
		}
	case model.EventGpsSignalQuality:
		q := clampInt(ev.State, 0, model.NumGpsSignalBins-1)
		if q != g.gpsQuality {
			if g.GpsOn.Running() {
				if g.gpsQuality >= 0 {
					g.GpsSignalQuality[g.gpsQuality].Stop(now)
				}
				g.GpsSignalQuality[q].Start(now)
			}
			g.gpsQuality = q
		}

	case model.EventScreenState:
		s.applyScreenState(ev.State, now)
	case model.EventScreenBrightness:
		bin := int(clampInt64(ev.Value, 0, 255) * model.NumBrightnessBins / 256)
		if bin != g.brightnessBin {
			if g.screenOn() {
				if g.brightnessBin >= 0 {
					g.ScreenBrightness[g.brightnessBin].Stop(now)
				}
				g.ScreenBrightness[bin].Start(now)
			}
			g.brightnessBin = bin
		}
	case model.EventInteractive:
		setRunning(&g.Interactive, ev.State != 0, now)
	case model.EventUserActivity:
		s.Uid(ev.UID).UserActivity[clampInt(ev.Type, 0, model.NumUserActivityTypes-1)].Add(1)
	case model.EventWakeupReason:
		d, ok := g.WakeupReasons[name]
		if !ok {
			d = &DurationTimer{}
			g.WakeupReasons[name] = d
		}
		d.Add(now, ev.Value)

	case model.EventAlarmStart:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { namedTimer(u.Alarms, name).Start(now) })
	case model.EventAlarmFinish:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { stopNamed(u.Alarms, name, now) })
	case model.EventJobStart:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { namedTimer(u.Jobs, name).Start(now) })
	case model.EventJobFinish:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { stopNamed(u.Jobs, name, now) })
	case model.EventSyncStart:
		s.eachUid(ev.WorkSource, ev.UID, func(u *UidStats) { namedTimer(u.Syncs, name).Start(now) })
	case model.EventSyncFinish:
		s.eachKnownUid(ev.WorkSource, ev.UID, func(u *UidStats) { stopNamed(u.Syncs, name, now) })

	case model.EventVibratorOn:
		s.Uid(ev.UID).Vibrator.Add(now, ev.Value)
	case model.EventVibratorOff:
		if u, ok := s.LookupUid(ev.UID); ok {
			u.Vibrator.Abort(now)
		}

	case model.EventCameraOn:
		s.mediaOn(ev.UID, func(u *UidStats) *Timer { return &u.Camera }, &g.Camera, now)
	case model.EventCameraOff:
		s.mediaOff(ev.UID, func(u *UidStats) *Timer { return &u.Camera }, &g.Camera, now)
	case model.EventCameraReset:
		s.mediaReset(func(u *UidStats) *Timer { return &u.Camera }, &g.Camera, now)
	case model.EventFlashlightOn:
		s.mediaOn(ev.UID, func(u *UidStats) *Timer { return &u.Flashlight }, &g.Flashlight, now)
	case model.EventFlashlightOff:
		s.mediaOff(ev.UID, func(u *UidStats) *Timer { return &u.Flashlight }, &g.Flashlight, now)
	case model.EventFlashlightReset:
		s.mediaReset(func(u *UidStats) *Timer { return &u.Flashlight }, &g.Flashlight, now)
	case model.EventAudioOn:
		s.mediaOn(ev.UID, func(u *UidStats) *Timer { return &u.Audio }, &g.Audio, now)
	case model.EventAudioOff:
		s.mediaOff(ev.UID, func(u *UidStats) *Timer { return &u.Audio }, &g.Audio, now)
	case model.EventAudioReset:
		s.mediaReset(func(u *UidStats) *Timer { return &u.Audio }, &g.Audio, now)
	case model.EventVideoOn:
		s.mediaOn(ev.UID, func(u *UidStats) *Timer { return &u.Video }, &g.Video, now)
	case model.EventVideoOff:
		s.mediaOff(ev.UID, func(u *UidStats) *Timer { return &u.Video }, &g.Video, now)
	case model.EventVideoReset:
		s.mediaReset(func(u *UidStats) *Timer { return &u.Video }, &g.Video, now)

	case model.EventConnectivityChanged:
		g.ConnectivityChanges.Add(1)
	case model.EventPowerSaveMode:
		setRunning(&g.PowerSave, ev.State != 0, now)
	case model.EventDeviceIdleMode:
		setRunning(&g.DeviceIdleLight, ev.State == model.DeviceIdleLight, now)
		setRunning(&g.DeviceIdleDeep, ev.State == model.DeviceIdleDeep, now)
	case model.EventCpuTime:
		u := s.Uid(ev.UID)
		u.CpuUserMs.Add(ev.Value)
		u.CpuSystemMs.Add(ev.Value2)
	case model.EventBatteryState:
		if ev.Battery != nil {
			s.SetBatteryState(*ev.Battery, now, ev.WallMs)
		}
		return
	default:
		return
	}
	s.recordHistory(ev, name)
}

func (s *Store) recordHistory(ev model.Event, name string) {
	switch ev.Kind {
	case model.EventWakelockStart, model.EventWakelockStop, model.EventWakelockChange,
		model.EventCpuTime, model.EventUserActivity, model.EventBleScanResults:
		if !s.Options.FullHistory {
			return
		}
	}
	s.History.add(HistoryItem{
		ElapsedMs: ev.ElapsedMs,
		Kind:      ev.Kind,
		UID:       ev.UID,
		Name:      name,
		State:     ev.State,
		Level:     s.Battery.Level,
	})
}

func (s *Store) applyScreenState(state int, now int64) {
	g := &s.Global
	if s.Options.PretendScreenOff {
		state = model.ScreenStateOff
	}
	on := state == model.ScreenStateOn
	if on && !g.ScreenOn.Running() {
		g.ScreenOn.Start(now)
		if g.brightnessBin >= 0 {
			g.ScreenBrightness[g.brightnessBin].Start(now)
		}
	} else if !on && g.ScreenOn.Running() {
		g.ScreenOn.Stop(now)
		if g.brightnessBin >= 0 {
			g.ScreenBrightness[g.brightnessBin].Stop(now)
		}
	}
	setRunning(&g.ScreenDoze, state == model.ScreenStateDoze || state == model.ScreenStateDozeSuspend, now)
	g.screenState = state
}

func (s *Store) startWakelock(ws model.WorkSource, uid int, name string, typ int, now int64) {
	typ = clampInt(typ, 0, model.NumWakeTypes-1)
	s.eachUid(ws, uid, func(u *UidStats) { u.wakelock(name).Timers[typ].Start(now) })
}

func (s *Store) stopWakelock(ws model.WorkSource, uid int, name string, typ int, now int64) {
	typ = clampInt(typ, 0, model.NumWakeTypes-1)
	s.eachKnownUid(ws, uid, func(u *UidStats) {
		if wl, ok := u.Wakelocks[name]; ok {
			wl.Timers[typ].Stop(now)
		}
	})
}

func (s *Store) eachUid(ws model.WorkSource, uid int, fn func(*UidStats)) {
	for _, id := range ws.UIDs(uid) {
		fn(s.Uid(id))
	}
}

func (s *Store) eachKnownUid(ws model.WorkSource, uid int, fn func(*UidStats)) {
	for _, id := range ws.UIDs(uid) {
		if u, ok := s.LookupUid(id); ok {
			fn(u)
		}
	}
}

func (s *Store) mediaOn(uid int, sel func(*UidStats) *Timer, global *Timer, now int64) {
	t := sel(s.Uid(uid))
	if !t.Running() {
		t.Start(now)
		global.Start(now)
	}
}

func (s *Store) gpsOff(u *UidStats, now int64) {
	g := &s.Global
	if !u.Gps.Running() {
		return
	}
	u.Gps.Stop(now)
	g.GpsOn.Stop(now)
	if !g.GpsOn.Running() && g.gpsQuality >= 0 {
		g.GpsSignalQuality[g.gpsQuality].Stop(now)
	}
}

func (s *Store) mediaOff(uid int, sel func(*UidStats) *Timer, global *Timer, now int64) {
	if u, ok := s.LookupUid(uid); ok {
		mediaRelease(sel(u), global, now)
	}
}

func mediaRelease(t, global *Timer, now int64) {
	if t.Running() {
		t.Stop(now)
		global.Stop(now)
	}
}

func (s *Store) mediaReset(sel func(*UidStats) *Timer, global *Timer, now int64) {
	for _, u := range s.Uids {
		sel(u).StopAll(now)
	}
	global.StopAll(now)
}

func (u *UidStats) setProcState(state int, now int64) {
	if state < 0 || state >= model.NumProcStates {
		state = model.ProcStateNone
	}
	if state == u.procState {
		return
	}
	if u.procState != model.ProcStateNone {
		u.ProcessStates[u.procState].Stop(now)
	}
	if state != model.ProcStateNone {
		u.ProcessStates[state].Start(now)
	}
	u.procState = state
}

func setRunning(t *Timer, on bool, now int64) {
	switch {
	case on && !t.Running():
		t.Start(now)
	case !on && t.Running():
		t.StopAll(now)
	}
}

func stopNamed(m map[string]*Timer, name string, now int64) {
	if t, ok := m[name]; ok {
		t.Stop(now)
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
