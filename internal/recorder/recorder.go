// Package recorder is the entry point for note events. Every note is checked,
// clamped, stamped and applied to the store under the single stats lock.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// ErrUnknownKind is returned for events whose kind is not recognised.
var ErrUnknownKind = errors.New("recorder: unknown event kind")

// Kinds an app may report about itself without UPDATE_DEVICE_STATS.
var selfReportable = map[model.EventKind]bool{
	model.EventSensorOn:      true,
	model.EventSensorOff:     true,
	model.EventAudioOn:       true,
	model.EventAudioOff:      true,
	model.EventVideoOn:       true,
	model.EventVideoOff:      true,
	model.EventCameraOn:      true,
	model.EventCameraOff:     true,
	model.EventFlashlightOn:  true,
	model.EventFlashlightOff: true,
	model.EventVibratorOn:    true,
	model.EventVibratorOff:   true,
}

type Recorder struct {
	guard   *stats.Guard
	checker access.Checker
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(guard *stats.Guard, checker access.Checker, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		guard:   guard,
		checker: checker,
		clk:     clk,
		log:     logger.With("component", "recorder"),
		metrics: m,
	}
}

// Record applies ev on behalf of caller. The only errors are permission
// failures and unknown kinds; both are returned before anything changes.
func (r *Recorder) Record(caller model.Caller, ev model.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	if err := r.Authorize(caller, ev); err != nil {
		r.metrics.PermissionDenied(access.UpdateDeviceStats)
		return err
	}
	clampEvent(&ev)

	r.guard.Do(func(s *stats.Store) {
		// Stamped under the lock so clocks follow apply order.
		r.stamp(&ev)
		s.Apply(ev)
	})

	r.metrics.Note(string(ev.Kind))
	r.logNote(caller, ev)
	return nil
}

// Authorize checks caller may report ev.
func (r *Recorder) Authorize(caller model.Caller, ev model.Event) error {
	if selfReportable[ev.Kind] && caller.UID == ev.UID {
		return nil
	}
	return r.checker.Enforce(caller.PID, caller.UID, access.UpdateDeviceStats)
}

func (r *Recorder) stamp(ev *model.Event) {
	ev.ElapsedMs = r.clk.ElapsedMs()
	ev.UptimeMs = r.clk.UptimeMs()
	ev.WallMs = r.clk.WallMs()
}

// Stamp exposes the clock stamping for callers that apply events through
// another path, such as battery updates.
func (r *Recorder) Stamp(ev *model.Event) { r.stamp(ev) }

// clampEvent coerces malformed payloads instead of rejecting them.
func clampEvent(ev *model.Event) {
	if ev.Value < 0 {
		ev.Value = 0
	}
	if ev.Value2 < 0 {
		ev.Value2 = 0
	}
	if ev.UID < 0 {
		ev.UID = 0
	}
	ev.Name = strings.TrimSpace(ev.Name)
	ev.NewName = strings.TrimSpace(ev.NewName)
	if isWakelock(ev.Kind) {
		if ev.Type < 0 || ev.Type >= model.NumWakeTypes {
			ev.Type = model.WakeTypePartial
		}
		if ev.NewType < 0 || ev.NewType >= model.NumWakeTypes {
			ev.NewType = ev.Type
		}
	}
	ev.WorkSource = dropNegative(ev.WorkSource)
	ev.NewWorkSource = dropNegative(ev.NewWorkSource)
}

func isWakelock(k model.EventKind) bool {
	return k == model.EventWakelockStart || k == model.EventWakelockStop || k == model.EventWakelockChange
}

func dropNegative(ws model.WorkSource) model.WorkSource {
	if len(ws) == 0 {
		return ws
	}
	out := ws[:0:0]
	for _, a := range ws {
		if a.UID >= 0 {
			out = append(out, a)
		}
	}
	return out
}

// logNote is best effort: a failing handler never affects the note.
func (r *Recorder) logNote(caller model.Caller, ev model.Event) {
	defer func() { _ = recover() }()
	r.log.Debug("note",
		"kind", string(ev.Kind),
		"uid", ev.UID,
		"caller_uid", caller.UID,
		"name", ev.Name,
		"elapsed_ms", ev.ElapsedMs)
}
