package reconciler

import (
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// tracker remembers the last cumulative reading of every external counter.
// It is owned by the worker goroutine.
type tracker struct {
	activity map[string]model.ActivityEnergyInfo
	rails    map[string]int64
	// uidOn is the per-UID activity on-time seen at the last fold of a
	// subsystem.
	uidOn map[string]map[int]int64
}

func newTracker() *tracker {
	return &tracker{
		activity: map[string]model.ActivityEnergyInfo{},
		rails:    map[string]int64{},
		uidOn:    map[string]map[int]int64{},
	}
}

// activityDelta returns cur minus the previous reading for sub and records
// cur as the new baseline. ok is false for the first reading. A reading that
// went backwards means the controller reset; its delta is zero.
func (t *tracker) activityDelta(sub string, cur model.ActivityEnergyInfo) (d model.ActivityEnergyInfo, ok, reset bool) {
	prev, seen := t.activity[sub]
	t.activity[sub] = cur
	if !seen {
		return model.ActivityEnergyInfo{}, false, false
	}
	if cur.TxTimeMs < prev.TxTimeMs || cur.RxTimeMs < prev.RxTimeMs ||
		cur.IdleTimeMs < prev.IdleTimeMs || cur.EnergyUsedUWs < prev.EnergyUsedUWs {
		return model.ActivityEnergyInfo{Valid: true, TimestampMs: cur.TimestampMs}, true, true
	}
	return model.ActivityEnergyInfo{
		Valid:         true,
		TimestampMs:   cur.TimestampMs,
		TxTimeMs:      cur.TxTimeMs - prev.TxTimeMs,
		RxTimeMs:      cur.RxTimeMs - prev.RxTimeMs,
		IdleTimeMs:    cur.IdleTimeMs - prev.IdleTimeMs,
		EnergyUsedUWs: cur.EnergyUsedUWs - prev.EnergyUsedUWs,
	}, true, false
}

// railDelta follows the same baseline and reset rules per rail, except that a
// rail with a known range wraps: a drop from prev within [0, maxUWs] counts
// the energy up to the range plus the energy since zero.
func (t *tracker) railDelta(name string, cur, maxUWs int64) (int64, bool) {
	prev, seen := t.rails[name]
	t.rails[name] = cur
	switch {
	case !seen:
		return 0, false
	case cur >= prev:
		return cur - prev, true
	case maxUWs > 0 && prev <= maxUWs && cur >= 0:
		return maxUWs - prev + cur, true
	}
	return 0, false
}

// uidActivity returns each UID's on-time growth since the previous call for
// sub. A UID whose total shrank was reset by the store and counts from zero.
func (t *tracker) uidActivity(sub string, on map[int]int64) map[int]int64 {
	prev := t.uidOn[sub]
	t.uidOn[sub] = on
	out := make(map[int]int64, len(on))
	for uid, v := range on {
		d := v - prev[uid]
		if v < prev[uid] {
			d = v
		}
		if d > 0 {
			out[uid] = d
		}
	}
	return out
}
