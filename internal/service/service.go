// Package service is the coordinator that owns the stats store and routes
// every public operation to the recorder, the reconciler and persistence.
//
// Reads run SYNCING (full sync, waited on) then LOCKED-READ (snapshot copy)
// and render outside the lock. Notes are LOCKED-MUTATE only and never wait
// on hardware.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/hwstats"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/persist"
	"github.com/platformbuilds/batterystatsd/internal/reconciler"
	"github.com/platformbuilds/batterystatsd/internal/recorder"
	"github.com/platformbuilds/batterystatsd/internal/report"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// ErrShutdown is returned by operations issued after Shutdown.
var ErrShutdown = errors.New("service: shut down")

var errNotStarted = errors.New("service: not started")

// Options wires a Service. Source, Checker and Clock are required.
type Options struct {
	Source   hwstats.Source
	Checker  access.Checker
	Users    access.UserInfoProvider
	Packages access.PackageResolver
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	Stats       stats.Config
	Paths       persist.Paths
	Sync        reconciler.Config
	Apportioner reconciler.Apportioner

	// WriteInterval is how often Run checkpoints in the background.
	WriteInterval time.Duration
	// TempDir holds the files handed out by GetStatisticsStream.
	TempDir string
}

type Service struct {
	guard    *stats.Guard
	rec      *recorder.Recorder
	sync     *reconciler.Reconciler
	persist  *persist.Manager
	checker  access.Checker
	users    access.UserInfoProvider
	packages access.PackageResolver
	clk      clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics

	writeInterval time.Duration
	tempDir       string

	// batteryMu keeps the sync-then-apply pair of battery updates from
	// interleaving.
	batteryMu sync.Mutex

	stateMu  sync.Mutex
	started  bool
	closed   bool
	shutdown chan struct{}
}

func New(o Options) *Service {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.NewSystem()
	}
	if o.Users == nil {
		o.Users = access.NewUsers(nil)
	}
	if o.Packages == nil {
		o.Packages = access.Packages{}
	}
	if o.WriteInterval <= 0 {
		o.WriteInterval = 10 * time.Minute
	}
	guard := stats.NewGuard(stats.New(o.Stats))
	return &Service{
		guard:         guard,
		rec:           recorder.New(guard, o.Checker, o.Clock, logger, o.Metrics),
		sync:          reconciler.New(o.Source, guard, o.Clock, o.Apportioner, o.Sync, logger, o.Metrics),
		persist:       persist.New(o.Paths, guard, o.Clock, o.Stats, logger, o.Metrics),
		checker:       o.Checker,
		users:         o.Users,
		packages:      o.Packages,
		clk:           o.Clock,
		log:           logger.With("component", "service"),
		metrics:       o.Metrics,
		writeInterval: o.WriteInterval,
		tempDir:       o.TempDir,
		shutdown:      make(chan struct{}),
	}
}

// Start loads the checkpoint, drops UIDs of users that no longer exist and
// launches the reconciler worker.
func (s *Service) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.persist.ReadAtStartup()
	s.pruneUsers()
	s.sync.Start()
}

// Run checkpoints every WriteInterval until ctx is done or Shutdown runs.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.writeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		case <-t.C:
			s.persist.WriteAsync()
		}
	}
}

// Shutdown runs the final sync, writes the checkpoint under the lock and
// then stops the reconciler. The sync must precede the write.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	started := s.started
	s.stateMu.Unlock()

	var errs []error
	if started {
		if err := s.sync.SyncAndWait("shutdown", reconciler.UpdateAll); err != nil {
			s.log.Warn("shutdown_sync_failed", "err", err)
		}
		if err := s.persist.WriteSync(); err != nil {
			errs = append(errs, fmt.Errorf("final write: %w", err))
		}
	}
	if err := s.sync.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop reconciler: %w", err))
	}
	if err := s.persist.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close persist: %w", err))
	}
	s.log.Info("shutdown_complete", "errors", len(errs))
	return errors.Join(errs...)
}

func (s *Service) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// Recorder exposes the typed note helpers.
func (s *Service) Recorder() *recorder.Recorder { return s.rec }

// Note records ev for caller. Battery updates take the battery path.
func (s *Service) Note(caller model.Caller, ev model.Event) error {
	if ev.Kind == model.EventBatteryState {
		if ev.Battery == nil {
			return fmt.Errorf("%w: battery_state without battery", recorder.ErrUnknownKind)
		}
		return s.SetBatteryState(caller, *ev.Battery)
	}
	return s.rec.Record(caller, ev)
}

// HandleNote is the ingestion sink.
func (s *Service) HandleNote(_ context.Context, n model.Note) error {
	return s.Note(n.Caller, n.Event)
}

// SetBatteryState applies a battery reading. A plugged-state flip first
// waits for a full sync so external energy is charged to the right epoch;
// unplugging after a full charge creates a checkin and resets.
func (s *Service) SetBatteryState(caller model.Caller, b model.BatteryState) error {
	if err := s.rec.Authorize(caller, model.Event{Kind: model.EventBatteryState}); err != nil {
		s.metrics.PermissionDenied(access.UpdateDeviceStats)
		return err
	}

	s.batteryMu.Lock()
	defer s.batteryMu.Unlock()

	var flip bool
	s.guard.Do(func(st *stats.Store) { flip = st.PlugFlip(b) })
	if flip {
		if err := s.awaitSync("battery-state"); err != nil {
			s.log.Warn("battery_sync_failed", "err", err)
		}
	}

	var (
		tr    stats.BatteryTransition
		reset bool
	)
	s.guard.Do(func(st *stats.Store) {
		if st.ShouldAutoReset(b) {
			if _, err := s.persist.CheckinAndResetLocked(st); err != nil {
				s.log.Error("auto_reset_failed", "err", err)
			} else {
				reset = true
			}
		}
		ev := model.Event{Kind: model.EventBatteryState}
		s.rec.Stamp(&ev)
		tr = st.SetBatteryState(b, ev.ElapsedMs, ev.WallMs)
	})
	s.metrics.Note(string(model.EventBatteryState))

	if tr.Boundary || tr.DayRolled || reset {
		s.log.Info("battery_transition",
			"level", b.Level, "plug", b.PlugType,
			"boundary", tr.Boundary, "unplugged", tr.Unplugged, "reset", reset)
		s.persist.WriteAsync()
	}
	return nil
}

// IsOnBattery reports whether the last battery reading was unplugged.
func (s *Service) IsOnBattery() bool {
	var on bool
	s.guard.Do(func(st *stats.Store) { on = st.OnBattery() })
	return on
}

// IsCharging reports whether the driver says the battery is charging.
func (s *Service) IsCharging() bool {
	var c bool
	s.guard.Do(func(st *stats.Store) { c = st.BatteryKnown && !st.Battery.OnBattery() && st.Battery.Charging() })
	return c
}

// ComputeBatteryTimeRemaining estimates the time to empty from recent
// discharge steps. It returns -1 when there is no estimate.
func (s *Service) ComputeBatteryTimeRemaining() time.Duration {
	var (
		steps []stats.LevelStep
		level int
		ok    bool
	)
	s.guard.Do(func(st *stats.Store) {
		ok = st.OnBattery()
		level = st.Battery.Level
		steps = append(steps, st.Global.DischargeSteps.Steps...)
	})
	return estimate(ok, steps, level)
}

// ComputeChargeTimeRemaining estimates the time to full from recent charge
// steps. It returns -1 when there is no estimate.
func (s *Service) ComputeChargeTimeRemaining() time.Duration {
	var (
		steps []stats.LevelStep
		level int
		ok    bool
	)
	s.guard.Do(func(st *stats.Store) {
		ok = st.BatteryKnown && !st.Battery.OnBattery()
		level = 100 - st.Battery.Level
		steps = append(steps, st.Global.ChargeSteps.Steps...)
	})
	return estimate(ok, steps, level)
}

func estimate(ok bool, steps []stats.LevelStep, levels int) time.Duration {
	if !ok {
		return -1
	}
	ms := report.SummarizeSteps(steps).Estimate(levels)
	if ms <= 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// syncForRead brings external counters up to date before a read. Failure
// is logged; the read proceeds with whatever is in memory.
func (s *Service) syncForRead(reason string) {
	if err := s.awaitSync(reason); err != nil {
		s.log.Warn("read_sync_failed", "reason", reason, "err", err)
	}
}

// awaitSync runs a full sync and waits for it. Before Start there is no
// worker to wait on.
func (s *Service) awaitSync(reason string) error {
	s.stateMu.Lock()
	started := s.started
	s.stateMu.Unlock()
	if !started {
		return errNotStarted
	}
	return s.sync.SyncAndWait(reason, reconciler.UpdateAll)
}

// snapshot copies the store under the lock.
func (s *Service) snapshot() (*stats.Store, report.Options) {
	var (
		snap *stats.Store
		o    report.Options
	)
	s.guard.Do(func(st *stats.Store) {
		o.NowMs, o.WallMs = s.clk.ElapsedMs(), s.clk.WallMs()
		snap = st.Snapshot(o.NowMs)
	})
	return snap, o
}

// GetStatistics returns the serialized store.
func (s *Service) GetStatistics(caller model.Caller) ([]byte, error) {
	if err := s.enforce(caller, access.BatteryStats); err != nil {
		return nil, err
	}
	s.syncForRead("get-stats")
	snap, _ := s.snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode statistics: %w", err)
	}
	return b, nil
}

// GetStatisticsStream writes the serialized store to an unlinked temp file
// and returns it positioned at the start. The caller closes it.
func (s *Service) GetStatisticsStream(caller model.Caller) (*os.File, error) {
	b, err := s.GetStatistics(caller)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.tempDir, "batterystats-*.json")
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write stream: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("rewind stream: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		s.log.Debug("stream_unlink_failed", "err", err)
	}
	return f, nil
}

// TakeUidSnapshot returns health stats for uid. Callers may always ask about
// their own UID; other UIDs need BATTERY_STATS.
func (s *Service) TakeUidSnapshot(caller model.Caller, uid int) (stats.HealthStats, error) {
	out, err := s.TakeUidSnapshots(caller, []int{uid})
	if err != nil {
		return stats.HealthStats{}, err
	}
	return out[0], nil
}

// TakeUidSnapshots is TakeUidSnapshot for several UIDs under one sync and
// one lock hold.
func (s *Service) TakeUidSnapshots(caller model.Caller, uids []int) ([]stats.HealthStats, error) {
	for _, uid := range uids {
		if uid != caller.UID {
			if err := s.enforce(caller, access.BatteryStats); err != nil {
				return nil, err
			}
			break
		}
	}
	s.syncForRead("get-health-stats")
	out := make([]stats.HealthStats, 0, len(uids))
	s.guard.Do(func(st *stats.Store) {
		now := s.clk.ElapsedMs()
		for _, uid := range uids {
			out = append(out, st.UidHealth(uid, now, stats.SinceUnplugged))
		}
	})
	return out, nil
}

// CreateCheckin syncs, captures the pending checkin and resets the store.
func (s *Service) CreateCheckin(caller model.Caller) (*persist.Checkin, error) {
	if err := s.enforce(caller, access.UpdateDeviceStats); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrShutdown
	}
	s.syncForRead("checkin")
	c, err := s.persist.CreateCheckinSnapshotAndReset()
	if err != nil {
		return nil, err
	}
	s.persist.WriteAsync()
	return c, nil
}

// TakePendingCheckin consumes the pending checkin artifact, if any.
func (s *Service) TakePendingCheckin(caller model.Caller) (*persist.Checkin, error) {
	if err := s.enforce(caller, access.BatteryStats); err != nil {
		return nil, err
	}
	return s.persist.TakePendingCheckin()
}

// OnUserRemoved forgets every UID of userID.
func (s *Service) OnUserRemoved(caller model.Caller, userID int) error {
	if err := s.enforce(caller, access.UpdateDeviceStats); err != nil {
		return err
	}
	var n int
	s.guard.Do(func(st *stats.Store) { n = st.RemoveUser(userID, s.clk.ElapsedMs()) })
	s.log.Info("user_removed", "user", userID, "uids", n)
	return nil
}

func (s *Service) pruneUsers() {
	ids := s.users.UserIDs()
	var n int
	s.guard.Do(func(st *stats.Store) { n = st.PruneUsers(ids, s.clk.ElapsedMs()) })
	if n > 0 {
		s.log.Info("stale_users_pruned", "uids", n)
	}
}

func (s *Service) enforce(caller model.Caller, permission string) error {
	if err := s.checker.Enforce(caller.PID, caller.UID, permission); err != nil {
		s.metrics.PermissionDenied(permission)
		return err
	}
	return nil
}
