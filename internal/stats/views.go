package stats

import (
	"strings"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Which selects the reporting window.
type Which int

const (
	// SinceCharged covers everything since the last reset.
	SinceCharged Which = 0
	// SinceUnplugged covers everything since the most recent unplug.
	SinceUnplugged Which = 2
)

func (w Which) String() string {
	if w == SinceUnplugged {
		return "since-unplugged"
	}
	return "since-charged"
}

// Subsystem identifies a radio controller whose energy is reconciled.
type Subsystem int

const (
	SubsystemWifi Subsystem = iota
	SubsystemBluetooth
	SubsystemModem
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemWifi:
		return "wifi"
	case SubsystemBluetooth:
		return "bluetooth"
	case SubsystemModem:
		return "modem"
	}
	return "unknown"
}

// Entry is one non-zero accumulator flattened for reporting.
type Entry struct {
	Section string
	Name    string
	IsTimer bool
	TimeMs  int64
	Count   int64
	Value   int64
}

func collect(visit func(visitor), now int64, which Which) []Entry {
	var out []Entry
	split := func(path string) (string, string) {
		sec, name, _ := strings.Cut(path, "/")
		return sec, name
	}
	visit(visitor{
		timer: func(path string, t *Timer) {
			ms, n := t.Value(now, which)
			if ms == 0 && n == 0 {
				return
			}
			sec, name := split(path)
			out = append(out, Entry{Section: sec, Name: name, IsTimer: true, TimeMs: ms, Count: n})
		},
		duration: func(path string, d *DurationTimer) {
			ms, n := d.Value(which)
			if ms == 0 && n == 0 {
				return
			}
			sec, name := split(path)
			out = append(out, Entry{Section: sec, Name: name, IsTimer: true, TimeMs: ms, Count: n})
		},
		counter: func(path string, c *Counter) {
			v := c.Get(which)
			if v == 0 {
				return
			}
			sec, name := split(path)
			out = append(out, Entry{Section: sec, Name: name, Value: v})
		},
	})
	return out
}

// UidEntries flattens the aggregate of uid. It returns nil for unknown UIDs.
func (s *Store) UidEntries(uid int, now int64, which Which) []Entry {
	u, ok := s.Uids[uid]
	if !ok {
		return nil
	}
	return collect(u.visit, now, which)
}

// GlobalEntries flattens the device-wide aggregate.
func (s *Store) GlobalEntries(now int64, which Which) []Entry {
	return collect(s.Global.visit, now, which)
}

// SortedUids returns the known UIDs in ascending order.
func (s *Store) SortedUids() []int { return sortedKeys(s.Uids) }

// TimerStat is a timer reading in a HealthStats report.
type TimerStat struct {
	Count  int64 `json:"count"`
	TimeMs int64 `json:"time_ms"`
}

// HealthStats is the per-UID snapshot handed to takeUidSnapshot callers.
type HealthStats struct {
	UID          int                  `json:"uid"`
	Which        string               `json:"which"`
	Timers       map[string]TimerStat `json:"timers"`
	Measurements map[string]int64     `json:"measurements"`
}

// UidHealth builds the health snapshot for uid. Unknown UIDs yield an empty
// report rather than an error.
func (s *Store) UidHealth(uid int, now int64, which Which) HealthStats {
	hs := HealthStats{
		UID:          uid,
		Which:        which.String(),
		Timers:       map[string]TimerStat{},
		Measurements: map[string]int64{},
	}
	for _, e := range s.UidEntries(uid, now, which) {
		key := e.Section + "/" + e.Name
		if e.IsTimer {
			hs.Timers[key] = TimerStat{Count: e.Count, TimeMs: e.TimeMs}
		} else {
			hs.Measurements[key] = e.Value
		}
	}
	return hs
}

// ActivityOnTimes returns each UID's cumulative on-time for sub.
func (s *Store) ActivityOnTimes(sub Subsystem, now int64) map[int]int64 {
	out := make(map[int]int64)
	for uid, u := range s.Uids {
		if v := u.activityOn(sub, now); v > 0 {
			out[uid] = v
		}
	}
	return out
}

// FoldController adds a controller activity delta to the device totals.
func (s *Store) FoldController(sub Subsystem, d model.ActivityEnergyInfo) {
	c, _ := s.Global.controller(sub)
	if c == nil {
		return
	}
	c.IdleMs.Add(d.IdleTimeMs)
	c.RxMs.Add(d.RxTimeMs)
	c.TxMs.Add(d.TxTimeMs)
	c.EnergyUWs.Add(d.EnergyUsedUWs)
}

// AttributeController credits a UID with its share of controller activity.
func (s *Store) AttributeController(sub Subsystem, uid int, rxMs, txMs, energyUWs int64) {
	c := s.Uid(uid).controller(sub)
	if c == nil {
		return
	}
	c.RxMs.Add(rxMs)
	c.TxMs.Add(txMs)
	c.EnergyUWs.Add(energyUWs)
}

// AddUnattributed records controller energy no UID was active for.
func (s *Store) AddUnattributed(sub Subsystem, energyUWs int64) {
	if _, c := s.Global.controller(sub); c != nil {
		c.Add(energyUWs)
	}
}

// FoldRail adds an energy delta to a named rail.
func (s *Store) FoldRail(name string, energyUWs int64) {
	c, ok := s.Global.RailEnergyUWs[name]
	if !ok {
		c = &Counter{}
		s.Global.RailEnergyUWs[name] = c
	}
	c.Add(energyUWs)
}

// SetPlatformIdle stores the latest platform idle stats reading.
func (s *Store) SetPlatformIdle(v string) { s.Global.PlatformIdle = v }
