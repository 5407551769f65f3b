// Package reconciler folds external hardware counters into the stats store.
//
// All passes run on one worker goroutine so every cumulative reading is
// differenced against its predecessor exactly once. Requests that arrive while
// a pass is queued coalesce into it: their flags are OR-ed together and they
// share one Future.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/hwstats"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// ErrStopped is reported by futures scheduled after Stop.
var ErrStopped = errors.New("reconciler: stopped")

// UpdateFlags selects the subsystems a pass pulls.
type UpdateFlags uint32

const (
	UpdateWifi UpdateFlags = 1 << iota
	UpdateBluetooth
	UpdateRadio
	UpdateRail
	UpdateIdle

	UpdateAll = UpdateWifi | UpdateBluetooth | UpdateRadio | UpdateRail | UpdateIdle
)

func (f UpdateFlags) String() string {
	if f == 0 {
		return "none"
	}
	if f&UpdateAll == UpdateAll {
		return "all"
	}
	var parts []string
	for _, p := range []struct {
		bit  UpdateFlags
		name string
	}{
		{UpdateWifi, "wifi"}, {UpdateBluetooth, "bluetooth"}, {UpdateRadio, "radio"},
		{UpdateRail, "rail"}, {UpdateIdle, "idle"},
	} {
		if f&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// Future completes when the pass it represents has folded its deltas.
type Future struct {
	id   string
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{id: uuid.NewString(), done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// ID identifies the pass in logs.
func (f *Future) ID() string { return f.id }

// Done is closed when the pass finishes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err is the pass result; only meaningful after Done is closed.
func (f *Future) Err() error { return f.err }

// Wait blocks until the pass completes or ctx ends. Giving up does not cancel
// the pass.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct {
	flags   UpdateFlags
	reasons []string
	future  *Future
}

// Config tunes the worker.
type Config struct {
	PullTimeout      time.Duration
	WaitLogInterval  time.Duration
	PeriodicInterval time.Duration
}

type Reconciler struct {
	src       hwstats.Source
	guard     *stats.Guard
	clk       clock.Clock
	apportion Apportioner
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	pending  *request
	stopped  bool
	started  bool
	wake     chan struct{}
	quit     chan struct{}
	finished chan struct{}

	// owned by the worker
	tr *tracker
}

// New builds a reconciler. Call Start to launch the worker.
func New(src hwstats.Source, guard *stats.Guard, clk clock.Clock, ap Apportioner, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if ap == nil {
		ap = Proportional{}
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 2 * time.Second
	}
	if cfg.WaitLogInterval <= 0 {
		cfg.WaitLogInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		src:       src,
		guard:     guard,
		clk:       clk,
		apportion: ap,
		cfg:       cfg,
		log:       logger.With("component", "reconciler"),
		metrics:   m,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		finished:  make(chan struct{}),
		tr:        newTracker(),
	}
}

// Start launches the worker goroutine. It is a no-op after the first call.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop()
}

// ScheduleSync queues a pass for flags and returns its future. It never
// blocks and never fails; pass errors are logged and reported on the future.
func (r *Reconciler) ScheduleSync(reason string, flags UpdateFlags) *Future {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		f := newFuture()
		f.complete(ErrStopped)
		return f
	}
	if r.pending == nil {
		r.pending = &request{future: newFuture()}
	}
	r.pending.flags |= flags
	r.pending.reasons = append(r.pending.reasons, reason)
	f := r.pending.future
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return f
}

// SyncAndWait schedules a pass and blocks until it completes. It re-arms its
// wait every WaitLogInterval, logging, instead of giving up.
func (r *Reconciler) SyncAndWait(reason string, flags UpdateFlags) error {
	f := r.ScheduleSync(reason, flags)
	t := time.NewTimer(r.cfg.WaitLogInterval)
	defer t.Stop()
	for {
		select {
		case <-f.Done():
			return f.Err()
		case <-t.C:
			r.log.Warn("sync_wait", "id", f.ID(), "reason", reason, "flags", flags.String())
			t.Reset(r.cfg.WaitLogInterval)
		}
	}
}

// Stop runs any queued pass, then stops the worker. Later ScheduleSync calls
// complete immediately with ErrStopped.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	close(r.quit)
	r.mu.Unlock()

	if !started {
		if req := r.take(); req != nil {
			req.future.complete(ErrStopped)
		}
		return nil
	}
	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) take() *request {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := r.pending
	r.pending = nil
	return req
}

func (r *Reconciler) loop() {
	defer close(r.finished)

	var tick <-chan time.Time
	if r.cfg.PeriodicInterval > 0 {
		t := time.NewTicker(r.cfg.PeriodicInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.wake:
			r.runPending()
		case <-tick:
			r.ScheduleSync("periodic", UpdateAll)
		case <-r.quit:
			r.runPending()
			return
		}
	}
}

func (r *Reconciler) runPending() {
	req := r.take()
	if req == nil {
		return
	}
	err := r.pass(req)
	req.future.complete(err)
}

// pulled holds one pass's readings, gathered without the store lock.
type pulled struct {
	activity map[stats.Subsystem]model.ActivityEnergyInfo
	rails    *model.RailStats
	idle     *string
}

func (r *Reconciler) pass(req *request) error {
	start := time.Now()
	p := pulled{activity: map[stats.Subsystem]model.ActivityEnergyInfo{}}

	for _, s := range []struct {
		flag UpdateFlags
		sub  stats.Subsystem
		read func(context.Context) (model.ActivityEnergyInfo, error)
	}{
		{UpdateWifi, stats.SubsystemWifi, r.src.WifiActivity},
		{UpdateBluetooth, stats.SubsystemBluetooth, r.src.BluetoothActivity},
		{UpdateRadio, stats.SubsystemModem, r.src.ModemActivity},
	} {
		if req.flags&s.flag == 0 {
			continue
		}
		info, err := pullWithTimeout(r.cfg.PullTimeout, s.read)
		if err != nil {
			r.skip(req, s.sub.String(), err)
			continue
		}
		if !info.Valid {
			r.skip(req, s.sub.String(), nil)
			continue
		}
		p.activity[s.sub] = info
	}

	if req.flags&UpdateRail != 0 {
		rails, err := pullWithTimeout(r.cfg.PullTimeout, r.src.LowPowerStats)
		switch {
		case err != nil:
			r.skip(req, "rail", err)
		case !rails.Valid:
			r.skip(req, "rail", nil)
		default:
			p.rails = &rails
		}
	}
	if req.flags&UpdateIdle != 0 {
		idle, err := pullWithTimeout(r.cfg.PullTimeout, r.src.PlatformIdleStats)
		if err != nil {
			r.skip(req, "idle", err)
		} else {
			p.idle = &idle
		}
	}

	r.guard.Do(func(s *stats.Store) { r.fold(s, p) })

	r.metrics.Sync(time.Since(start), nil)
	r.log.Debug("sync_done",
		"id", req.future.ID(),
		"reasons", strings.Join(req.reasons, ","),
		"flags", req.flags.String(),
		"took", time.Since(start))
	return nil
}

func (r *Reconciler) skip(req *request, subsystem string, err error) {
	r.metrics.InvalidSnapshot(subsystem)
	if err != nil {
		r.log.Warn("snapshot_failed", "id", req.future.ID(), "subsystem", subsystem, "err", err)
		return
	}
	r.log.Info("snapshot_invalid", "id", req.future.ID(), "subsystem", subsystem)
}

// fold runs under the store lock.
func (r *Reconciler) fold(s *stats.Store, p pulled) {
	now := r.clk.ElapsedMs()

	for _, sub := range []stats.Subsystem{stats.SubsystemWifi, stats.SubsystemBluetooth, stats.SubsystemModem} {
		info, ok := p.activity[sub]
		if !ok {
			continue
		}
		name := sub.String()
		weights := r.tr.uidActivity(name, s.ActivityOnTimes(sub, now))
		d, ok, reset := r.tr.activityDelta(name, info)
		if reset {
			r.log.Info("controller_reset", "subsystem", name)
		}
		if !ok {
			continue
		}
		s.FoldController(sub, d)
		r.metrics.FoldedEnergy(name, d.EnergyUsedUWs)

		// Idle time stays global; only rx, tx and energy are apportioned.
		if len(weights) == 0 {
			s.AddUnattributed(sub, d.EnergyUsedUWs)
			continue
		}
		energy := r.apportion.Apportion(d.EnergyUsedUWs, weights)
		rx := r.apportion.Apportion(d.RxTimeMs, weights)
		tx := r.apportion.Apportion(d.TxTimeMs, weights)
		for uid := range weights {
			if energy[uid] != 0 || rx[uid] != 0 || tx[uid] != 0 {
				s.AttributeController(sub, uid, rx[uid], tx[uid], energy[uid])
			}
		}
	}

	if p.rails != nil {
		for _, rail := range p.rails.Rails {
			if d, ok := r.tr.railDelta(rail.Name, rail.EnergyUWs, rail.MaxEnergyUWs); ok {
				s.FoldRail(rail.Name, d)
				r.metrics.FoldedEnergy("rail", d)
			}
		}
	}
	if p.idle != nil {
		s.SetPlatformIdle(*p.idle)
	}
}

func pullWithTimeout[T any](timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return read(ctx)
}
