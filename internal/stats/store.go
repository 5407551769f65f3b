// Package stats holds the in-memory battery statistics model.
//
// A Store is not safe for concurrent use. Every access goes through a Guard,
// whose single mutex also keeps cross-field invariants such as epoch
// boundaries atomic.
package stats

import "github.com/platformbuilds/batterystatsd/internal/model"

// PerUserRange is the width of the UID block assigned to each user.
const PerUserRange = 100000

// Config holds tunables that are not part of the persisted state.
type Config struct {
	// HistorySize bounds the number of history items kept (0 = 1000).
	HistorySize int
	// AutoResetLevel is the battery level at or above which an unplug resets
	// the since-charged stats (0 = 90).
	AutoResetLevel int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.AutoResetLevel <= 0 {
		c.AutoResetLevel = 90
	}
	return c
}

// Epoch is the bookkeeping of the current since-charged period.
type Epoch struct {
	StartWallMs         int64 `json:"start_wall_ms"`
	StartElapsedMs      int64 `json:"start_elapsed_ms"`
	Boundaries          int64 `json:"boundaries"`
	Resets              int64 `json:"resets"`
	LastUnplugElapsedMs int64 `json:"last_unplug_elapsed_ms"`
	LastPlugElapsedMs   int64 `json:"last_plug_elapsed_ms"`
}

// Store is the aggregate statistics model.
type Store struct {
	Uids         map[int]*UidStats  `json:"uids"`
	Global       GlobalStats        `json:"global"`
	Battery      model.BatteryState `json:"battery"`
	BatteryKnown bool               `json:"battery_known"`
	Epoch        Epoch              `json:"epoch"`
	History      History            `json:"history"`
	CurDaily     DailyItem          `json:"cur_daily"`
	Daily        []DailyItem        `json:"daily,omitempty"`
	Options      Options            `json:"options"`

	// SavedElapsedMs is the elapsed clock reading the store was captured at.
	SavedElapsedMs int64 `json:"saved_elapsed_ms"`

	cfg Config
}

// New returns an empty store.
func New(cfg Config) *Store {
	s := &Store{}
	s.Configure(cfg)
	return s
}

// Configure applies cfg and restores transient state. It must be called on a
// store that was decoded from a checkpoint before it is used.
func (s *Store) Configure(cfg Config) {
	s.cfg = cfg.withDefaults()
	if s.Uids == nil {
		s.Uids = map[int]*UidStats{}
	}
	for uid, u := range s.Uids {
		if u == nil {
			delete(s.Uids, uid)
			continue
		}
		u.UID = uid
		u.init()
	}
	s.Global.init()
	s.History.limit = s.cfg.HistorySize
	if len(s.History.Items) > s.cfg.HistorySize {
		s.History.Items = s.History.Items[len(s.History.Items)-s.cfg.HistorySize:]
	}
}

// Resume moves a store restored from a checkpoint onto a new process's
// elapsed clock. Every persisted elapsed stamp is shifted so that now lines
// up with the moment the store was captured; time the daemon was down is not
// counted. Battery derived timers restart when the device is still unplugged.
func (s *Store) Resume(now int64) {
	shift := now - s.SavedElapsedMs
	s.Epoch.StartElapsedMs += shift
	s.Epoch.LastUnplugElapsedMs += shift
	s.Epoch.LastPlugElapsedMs += shift
	for i := range s.History.Items {
		s.History.Items[i].ElapsedMs += shift
	}
	g := &s.Global
	g.DischargeSteps.LastStepMs += shift
	g.ChargeSteps.LastStepMs += shift
	if s.OnBattery() {
		g.OnBattery.resume(now)
	}
	s.SavedElapsedMs = now
}

// Settings returns the effective tunables.
func (s *Store) Settings() Config { return s.cfg }

// Uid returns the aggregate for uid, creating it if needed.
func (s *Store) Uid(uid int) *UidStats {
	u, ok := s.Uids[uid]
	if !ok {
		u = newUidStats(uid)
		s.Uids[uid] = u
	}
	return u
}

// LookupUid returns the aggregate for uid without creating it.
func (s *Store) LookupUid(uid int) (*UidStats, bool) {
	u, ok := s.Uids[uid]
	return u, ok
}

// OnBattery reports whether the last known battery state was unplugged.
func (s *Store) OnBattery() bool { return s.BatteryKnown && s.Battery.OnBattery() }

// BatteryTransition describes what a battery state update changed.
type BatteryTransition struct {
	// Boundary is set when the plugged state flipped.
	Boundary bool
	// Unplugged is set when the flip was to battery power.
	Unplugged bool
	// DayRolled is set when a new daily item was started.
	DayRolled bool
}

// PlugFlip reports whether b would change the plugged state.
func (s *Store) PlugFlip(b model.BatteryState) bool {
	return s.BatteryKnown && s.Battery.OnBattery() != b.OnBattery()
}

// ShouldAutoReset reports whether applying b unplugs a device that was
// charged to the reset threshold.
func (s *Store) ShouldAutoReset(b model.BatteryState) bool {
	if s.Options.NoAutoReset || !s.BatteryKnown || s.Battery.OnBattery() || !b.OnBattery() {
		return false
	}
	return s.Battery.Status == model.BatteryStatusFull || s.Battery.Level >= s.cfg.AutoResetLevel
}

// SetBatteryState applies a battery reading. Plug flips are the only epoch
// boundaries: an unplug captures the since-unplugged baselines.
func (s *Store) SetBatteryState(b model.BatteryState, now, wallMs int64) BatteryTransition {
	b.Level = clampInt(b.Level, 0, 100)
	var tr BatteryTransition
	prev, known := s.Battery, s.BatteryKnown
	onBattery := b.OnBattery()
	g := &s.Global

	switch {
	case !known:
		if onBattery {
			s.unplug(b.Level, now)
		} else {
			g.ChargeSteps.begin(b.Level, now)
		}
	case prev.OnBattery() != onBattery:
		tr.Boundary = true
		s.Epoch.Boundaries++
		if onBattery {
			tr.Unplugged = true
			g.ChargeSteps.end()
			s.unplug(b.Level, now)
		} else {
			g.OnBattery.Stop(now)
			s.Epoch.LastPlugElapsedMs = now
			g.DischargeSteps.end()
			g.ChargeSteps.begin(b.Level, now)
		}
		s.History.add(HistoryItem{ElapsedMs: now, Kind: model.EventBatteryState, State: b.PlugType, Level: b.Level})
	default:
		if onBattery && b.Level < prev.Level {
			drop := prev.Level - b.Level
			g.DischargeTotal.Add(int64(drop))
			if g.screenOn() {
				g.DischargeScreenOn.Add(int64(drop))
			} else {
				g.DischargeScreenOff.Add(int64(drop))
			}
			s.CurDaily.addSteps(g.DischargeSteps.note(drop, b.Level, now, g.screenOn()), false)
		}
		if !onBattery && b.Level > prev.Level {
			s.CurDaily.addSteps(g.ChargeSteps.note(b.Level-prev.Level, b.Level, now, g.screenOn()), true)
		}
		if b.Level != prev.Level {
			s.History.add(HistoryItem{ElapsedMs: now, Kind: model.EventBatteryState, State: b.PlugType, Level: b.Level})
		}
	}

	s.Battery = b
	s.BatteryKnown = true
	tr.DayRolled = s.maybeRollDaily(wallMs)
	return tr
}

func (s *Store) unplug(level int, now int64) {
	s.Global.OnBattery.Start(now)
	s.markUnplugged(now)
	s.Epoch.LastUnplugElapsedMs = now
	s.Global.DischargeSteps.begin(level, now)
}

func (s *Store) markUnplugged(now int64) {
	v := visitor{
		timer:    func(_ string, t *Timer) { t.markUnplugged(now) },
		duration: func(_ string, d *DurationTimer) { d.markUnplugged() },
		counter:  func(_ string, c *Counter) { c.markUnplugged() },
	}
	for _, u := range s.Uids {
		u.visit(v)
	}
	s.Global.visit(v)
}

// Reset starts a fresh since-charged epoch at now. Running timers keep
// running; UIDs with nothing running are dropped.
func (s *Store) Reset(now, wallMs int64) {
	v := visitor{
		timer:    func(_ string, t *Timer) { t.reset(now) },
		duration: func(_ string, d *DurationTimer) { d.reset() },
		counter:  func(_ string, c *Counter) { c.reset() },
	}
	for uid, u := range s.Uids {
		if !u.active() {
			delete(s.Uids, uid)
			continue
		}
		u.visit(v)
	}
	g := &s.Global
	g.visit(v)
	g.WakeupReasons = map[string]*DurationTimer{}
	g.RailEnergyUWs = map[string]*Counter{}
	for _, t := range []*StepTracker{&g.DischargeSteps, &g.ChargeSteps} {
		t.Steps = nil
		t.LastStepMs = now
	}

	s.Epoch = Epoch{StartWallMs: wallMs, StartElapsedMs: now, Resets: s.Epoch.Resets + 1}
	if s.OnBattery() {
		s.Epoch.LastUnplugElapsedMs = now
	}
	s.History.add(HistoryItem{ElapsedMs: now, Kind: "reset", Level: s.Battery.Level})
}

// RemoveUid forgets everything recorded for uid. Device-wide timers the UID
// was holding are released first.
func (s *Store) RemoveUid(uid int, now int64) bool {
	u, ok := s.Uids[uid]
	if !ok {
		return false
	}
	g := &s.Global
	if g.radioUID == uid {
		g.radioUID = -1
	}
	s.gpsOff(u, now)
	mediaRelease(&u.Camera, &g.Camera, now)
	mediaRelease(&u.Flashlight, &g.Flashlight, now)
	mediaRelease(&u.Audio, &g.Audio, now)
	mediaRelease(&u.Video, &g.Video, now)
	u.stopAll(now)
	delete(s.Uids, uid)
	return true
}

// RemoveUser forgets every UID that belongs to userID and returns how many
// were removed.
func (s *Store) RemoveUser(userID int, now int64) int {
	n := 0
	for uid := range s.Uids {
		if uid/PerUserRange == userID && s.RemoveUid(uid, now) {
			n++
		}
	}
	return n
}

// PruneUsers removes UIDs owned by users that no longer exist.
func (s *Store) PruneUsers(userIDs []int, now int64) int {
	live := make(map[int]struct{}, len(userIDs)+1)
	live[0] = struct{}{}
	for _, id := range userIDs {
		live[id] = struct{}{}
	}
	n := 0
	for uid := range s.Uids {
		if _, ok := live[uid/PerUserRange]; !ok && s.RemoveUid(uid, now) {
			n++
		}
	}
	return n
}

// Snapshot returns a deep copy with every running timer folded in at now.
// The copy has nothing running and shares no memory with s.
func (s *Store) Snapshot(now int64) *Store {
	c := &Store{
		Uids:         make(map[int]*UidStats, len(s.Uids)),
		Global:       s.Global.clone(now),
		Battery:      s.Battery,
		BatteryKnown: s.BatteryKnown,
		Epoch:        s.Epoch,
		History: History{
			Items:   append([]HistoryItem(nil), s.History.Items...),
			NextSeq: s.History.NextSeq,
			limit:   s.History.limit,
		},
		CurDaily: s.CurDaily,
		Daily:    append([]DailyItem(nil), s.Daily...),
		Options:  s.Options,

		SavedElapsedMs: now,
		cfg:            s.cfg,
	}
	for uid, u := range s.Uids {
		c.Uids[uid] = u.clone(now)
	}
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
