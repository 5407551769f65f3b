package stats

import "github.com/platformbuilds/batterystatsd/internal/model"

const (
	maxLevelSteps = 200
	maxDailyItems = 10
	dayMs         = 24 * 60 * 60 * 1000
)

// LevelStep is the time the battery took to move one percent.
type LevelStep struct {
	DurationMs int64 `json:"duration_ms"`
	Level      int   `json:"level"`
	ScreenOn   bool  `json:"screen_on,omitempty"`
}

// StepTracker records level steps in one direction (charge or discharge).
type StepTracker struct {
	Steps      []LevelStep `json:"steps,omitempty"`
	LastLevel  int         `json:"last_level"`
	LastStepMs int64       `json:"last_step_ms"`
	Active     bool        `json:"active"`
}

func (t *StepTracker) begin(level int, now int64) {
	t.Active = true
	t.LastLevel = level
	t.LastStepMs = now
}

func (t *StepTracker) end() { t.Active = false }

// note records steps when level moved by at least one percent in the
// tracker's direction (delta > 0). It returns the steps added.
func (t *StepTracker) note(delta, level int, now int64, screenOn bool) []LevelStep {
	if !t.Active || delta <= 0 {
		return nil
	}
	per := nonNegative(now-t.LastStepMs) / int64(delta)
	added := make([]LevelStep, 0, delta)
	for i := 0; i < delta; i++ {
		added = append(added, LevelStep{DurationMs: per, Level: level, ScreenOn: screenOn})
	}
	t.Steps = append(t.Steps, added...)
	if over := len(t.Steps) - maxLevelSteps; over > 0 {
		t.Steps = append([]LevelStep(nil), t.Steps[over:]...)
	}
	t.LastLevel = level
	t.LastStepMs = now
	return added
}

func (t *StepTracker) clone() StepTracker {
	c := *t
	c.Steps = append([]LevelStep(nil), t.Steps...)
	return c
}

// HistoryItem is one recorded state transition.
type HistoryItem struct {
	Seq       int64           `json:"seq"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Kind      model.EventKind `json:"kind"`
	UID       int             `json:"uid,omitempty"`
	Name      string          `json:"name,omitempty"`
	State     int             `json:"state,omitempty"`
	Level     int             `json:"level"`
}

// History is a bounded log of state transitions, oldest first.
type History struct {
	Items   []HistoryItem `json:"items,omitempty"`
	NextSeq int64         `json:"next_seq"`
	limit   int
}

func (h *History) add(item HistoryItem) {
	item.Seq = h.NextSeq
	h.NextSeq++
	h.Items = append(h.Items, item)
	if h.limit > 0 && len(h.Items) > h.limit {
		h.Items = append([]HistoryItem(nil), h.Items[len(h.Items)-h.limit:]...)
	}
}

// Since returns the items with a sequence number of at least start.
func (h *History) Since(start int64) []HistoryItem {
	for i, it := range h.Items {
		if it.Seq >= start {
			return h.Items[i:]
		}
	}
	return nil
}

// DailyItem summarises one day of level steps.
type DailyItem struct {
	StartWallMs          int64 `json:"start_wall_ms"`
	EndWallMs            int64 `json:"end_wall_ms,omitempty"`
	DischargeStepCount   int64 `json:"discharge_step_count"`
	DischargeStepTotalMs int64 `json:"discharge_step_total_ms"`
	ChargeStepCount      int64 `json:"charge_step_count"`
	ChargeStepTotalMs    int64 `json:"charge_step_total_ms"`
}

func (d *DailyItem) addSteps(steps []LevelStep, charge bool) {
	for _, s := range steps {
		if charge {
			d.ChargeStepCount++
			d.ChargeStepTotalMs += s.DurationMs
		} else {
			d.DischargeStepCount++
			d.DischargeStepTotalMs += s.DurationMs
		}
	}
}

// Options are runtime switches toggled through dump commands.
type Options struct {
	FullHistory      bool `json:"full_history"`
	NoAutoReset      bool `json:"no_auto_reset"`
	PretendScreenOff bool `json:"pretend_screen_off"`
}

// OptionNames lists the option names accepted by SetOption.
var OptionNames = []string{"full-history", "no-auto-reset", "pretend-screen-off"}

// SetOption toggles a named option. It reports false for unknown names.
func (s *Store) SetOption(name string, on bool, now int64) bool {
	switch name {
	case "full-history":
		s.Options.FullHistory = on
	case "no-auto-reset":
		s.Options.NoAutoReset = on
	case "pretend-screen-off":
		s.Options.PretendScreenOff = on
		if on && s.Global.screenOn() {
			s.applyScreenState(model.ScreenStateOff, now)
		}
	default:
		return false
	}
	return true
}

// NewDaily closes the current daily item and starts another at wallMs.
func (s *Store) NewDaily(wallMs int64) {
	if s.CurDaily.StartWallMs != 0 {
		done := s.CurDaily
		done.EndWallMs = wallMs
		s.Daily = append(s.Daily, done)
		if over := len(s.Daily) - maxDailyItems; over > 0 {
			s.Daily = append([]DailyItem(nil), s.Daily[over:]...)
		}
	}
	s.CurDaily = DailyItem{StartWallMs: wallMs}
}

// maybeRollDaily starts a new daily item once a day has passed.
func (s *Store) maybeRollDaily(wallMs int64) bool {
	if wallMs <= 0 {
		return false
	}
	if s.CurDaily.StartWallMs == 0 {
		s.CurDaily.StartWallMs = wallMs
		return false
	}
	if wallMs-s.CurDaily.StartWallMs < dayMs {
		return false
	}
	s.NewDaily(wallMs)
	return true
}
