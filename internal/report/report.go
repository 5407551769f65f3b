// Package report renders store snapshots for dumps. Renderers only read the
// snapshot they are given; callers take it under the lock and render outside.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// Options control what a renderer includes.
type Options struct {
	// NowMs is the elapsed clock the snapshot was taken at.
	NowMs int64
	// WallMs is the wall clock the snapshot was taken at.
	WallMs int64
	// ChargedOnly omits the since-unplugged section.
	ChargedOnly bool
	// Uids limits per-UID sections; nil means every UID.
	Uids map[int]bool
}

func (o Options) wants(uid int) bool {
	return o.Uids == nil || o.Uids[uid]
}

func (o Options) windows() []stats.Which {
	if o.ChargedOnly {
		return []stats.Which{stats.SinceCharged}
	}
	return []stats.Which{stats.SinceCharged, stats.SinceUnplugged}
}

// Text writes the human readable dump.
func Text(w io.Writer, s *stats.Store, o Options) error {
	ew := &errWriter{w: w}
	for _, which := range o.windows() {
		title := "Statistics since last charge"
		if which == stats.SinceUnplugged {
			title = "Statistics since last unplugged"
		}
		ew.printf("%s:\n", title)
		ew.printf("  Epoch: started %s, resets %d, plug boundaries %d\n",
			formatWall(s.Epoch.StartWallMs), s.Epoch.Resets, s.Epoch.Boundaries)
		if s.BatteryKnown {
			b := s.Battery
			ew.printf("  Battery: level %d%%, status %s, plug %s, %d.%dC, %dmV\n",
				b.Level, statusName(b.Status), plugName(b.PlugType), b.Temperature/10, b.Temperature%10, b.VoltageMv)
		}
		if which == stats.SinceCharged {
			writeSteps(ew, "Discharge", s.Global.DischargeSteps.Steps, s.Battery.Level, true)
			writeSteps(ew, "Charge", s.Global.ChargeSteps.Steps, 100-s.Battery.Level, false)
		}
		ew.printf("  Device:\n")
		writeEntries(ew, "    ", s.GlobalEntries(o.NowMs, which))
		if s.Global.PlatformIdle != "" {
			ew.printf("    platform idle: %s\n", s.Global.PlatformIdle)
		}
		for _, uid := range s.SortedUids() {
			if !o.wants(uid) {
				continue
			}
			entries := s.UidEntries(uid, o.NowMs, which)
			if len(entries) == 0 {
				continue
			}
			ew.printf("  %s:\n", formatUid(uid))
			writeEntries(ew, "    ", entries)
		}
		ew.printf("\n")
	}
	return ew.err
}

func writeEntries(ew *errWriter, indent string, entries []stats.Entry) {
	for _, e := range entries {
		if e.IsTimer {
			ew.printf("%s%s/%s: %s (%d times)\n", indent, e.Section, e.Name, formatMs(e.TimeMs), e.Count)
		} else {
			ew.printf("%s%s/%s: %d\n", indent, e.Section, e.Name, e.Value)
		}
	}
}

func writeSteps(ew *errWriter, label string, steps []stats.LevelStep, remaining int, discharge bool) {
	sum := SummarizeSteps(steps)
	if sum.Count == 0 {
		return
	}
	ew.printf("  %s steps: %d, median %s, p90 %s\n", label, sum.Count, formatMs(sum.MedianMs), formatMs(sum.P90Ms))
	if est := sum.Estimate(remaining); est > 0 {
		if discharge {
			ew.printf("  Estimated time remaining: %s\n", formatMs(est))
		} else {
			ew.printf("  Estimated time to full: %s\n", formatMs(est))
		}
	}
}

// History writes history items, oldest first.
func History(w io.Writer, items []stats.HistoryItem) error {
	ew := &errWriter{w: w}
	ew.printf("Battery History (%d items):\n", len(items))
	for _, it := range items {
		ew.printf("  #%d +%s %s", it.Seq, formatMs(it.ElapsedMs), it.Kind)
		if it.UID != 0 {
			ew.printf(" uid=%d", it.UID)
		}
		if it.Name != "" {
			ew.printf(" name=%q", it.Name)
		}
		if it.State != 0 {
			ew.printf(" state=%d", it.State)
		}
		ew.printf(" level=%d\n", it.Level)
	}
	return ew.err
}

// Daily writes the current and completed daily summaries.
func Daily(w io.Writer, cur stats.DailyItem, done []stats.DailyItem) error {
	ew := &errWriter{w: w}
	ew.printf("Daily stats:\n")
	line := func(prefix string, d stats.DailyItem) {
		ew.printf("  %s %s", prefix, formatWall(d.StartWallMs))
		if d.EndWallMs != 0 {
			ew.printf(" to %s", formatWall(d.EndWallMs))
		}
		ew.printf(": discharge %d steps/%s, charge %d steps/%s\n",
			d.DischargeStepCount, formatMs(d.DischargeStepTotalMs),
			d.ChargeStepCount, formatMs(d.ChargeStepTotalMs))
	}
	line("Current", cur)
	for i := len(done) - 1; i >= 0; i-- {
		line("Daily", done[i])
	}
	return ew.err
}

// Settings writes the effective tunables and runtime options.
func Settings(w io.Writer, cfg stats.Config, opts stats.Options) error {
	ew := &errWriter{w: w}
	ew.printf("Settings:\n")
	ew.printf("  history_size=%d\n", cfg.HistorySize)
	ew.printf("  auto_reset_level=%d\n", cfg.AutoResetLevel)
	ew.printf("  full-history=%t\n", opts.FullHistory)
	ew.printf("  no-auto-reset=%t\n", opts.NoAutoReset)
	ew.printf("  pretend-screen-off=%t\n", opts.PretendScreenOff)
	return ew.err
}

// Cpu writes per-UID CPU time, highest total first.
func Cpu(w io.Writer, s *stats.Store, o Options) error {
	type row struct {
		uid          int
		user, system int64
	}
	var rows []row
	for _, uid := range s.SortedUids() {
		if !o.wants(uid) {
			continue
		}
		u := s.Uids[uid]
		if u.CpuUserMs.Value == 0 && u.CpuSystemMs.Value == 0 {
			continue
		}
		rows = append(rows, row{uid: uid, user: u.CpuUserMs.Value, system: u.CpuSystemMs.Value})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].user+rows[i].system > rows[j].user+rows[j].system
	})
	ew := &errWriter{w: w}
	ew.printf("CPU time since last charge:\n")
	for _, r := range rows {
		ew.printf("  %s: user %s, system %s\n", formatUid(r.uid), formatMs(r.user), formatMs(r.system))
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatWall(ms int64) string {
	if ms <= 0 {
		return "unknown"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// formatUid renders uid the way package UIDs are usually written, u<user>a<app>.
func formatUid(uid int) string {
	user, app := uid/stats.PerUserRange, uid%stats.PerUserRange
	if app >= 10000 {
		return fmt.Sprintf("u%da%d", user, app-10000)
	}
	if user == 0 {
		return fmt.Sprintf("uid %d", uid)
	}
	return fmt.Sprintf("u%ds%d", user, app)
}

func statusName(s int) string {
	switch s {
	case model.BatteryStatusCharging:
		return "charging"
	case model.BatteryStatusDischarging:
		return "discharging"
	case model.BatteryStatusNotCharging:
		return "not-charging"
	case model.BatteryStatusFull:
		return "full"
	}
	return "unknown"
}

func plugName(p int) string {
	if p == model.PlugNone {
		return "none"
	}
	var parts []string
	if p&model.PlugAC != 0 {
		parts = append(parts, "ac")
	}
	if p&model.PlugUSB != 0 {
		parts = append(parts, "usb")
	}
	if p&model.PlugWireless != 0 {
		parts = append(parts, "wireless")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%x", p)
	}
	return strings.Join(parts, "+")
}
