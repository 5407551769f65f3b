// Package persist keeps the stats store durable across restarts.
//
// Three files live in the data directory: the checkpoint (current store), the
// pending checkin (the store captured by the last reset, kept until a checkin
// dump consumes it) and the daily summaries. Checkpoint and checkin use the
// framed format in frame.go and are replaced atomically.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// Checkin is a store captured immediately before a reset.
type Checkin struct {
	ID            string       `json:"id"`
	CreatedWallMs int64        `json:"created_wall_ms"`
	Stats         *stats.Store `json:"stats"`
}

// Paths names the files a Manager owns.
type Paths struct {
	Checkpoint string
	Checkin    string
	Daily      string
}

// NewPaths joins the configured file names onto dir.
func NewPaths(dir, checkpoint, checkin, daily string) Paths {
	return Paths{
		Checkpoint: filepath.Join(dir, checkpoint),
		Checkin:    filepath.Join(dir, checkin),
		Daily:      filepath.Join(dir, daily),
	}
}

type Manager struct {
	paths   Paths
	guard   *stats.Guard
	clk     clock.Clock
	cfg     stats.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	// seq orders checkpoint captures; it is advanced under the guard.
	seq uint64

	writeMu sync.Mutex
	written uint64

	asyncMu      sync.Mutex
	asyncRunning bool
	asyncClosed  bool
	asyncWake    chan struct{}
	asyncQuit    chan struct{}
	asyncDone    chan struct{}
}

func New(paths Paths, guard *stats.Guard, clk clock.Clock, cfg stats.Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		paths:     paths,
		guard:     guard,
		clk:       clk,
		cfg:       cfg,
		log:       logger.With("component", "persist"),
		metrics:   m,
		asyncWake: make(chan struct{}, 1),
		asyncQuit: make(chan struct{}),
		asyncDone: make(chan struct{}),
	}
}

// ReadAtStartup loads the checkpoint, resumes it on this process's clock and
// installs it in the guard. A missing file yields an empty store; an
// unreadable one is moved aside to <checkpoint>.corrupt and also yields an
// empty store. It never fails.
func (m *Manager) ReadAtStartup() *stats.Store {
	s, err := m.readCheckpoint()
	switch {
	case err == nil:
		s.Resume(m.clk.ElapsedMs())
		m.log.Info("checkpoint_loaded", "path", m.paths.Checkpoint, "uids", len(s.Uids), "on_battery", s.OnBattery())
	case errors.Is(err, fs.ErrNotExist):
		s = stats.New(m.cfg)
		s.NewDaily(m.clk.WallMs())
		m.log.Info("checkpoint_missing", "path", m.paths.Checkpoint)
	default:
		m.log.Error("checkpoint_unreadable", "path", m.paths.Checkpoint, "err", err)
		if errors.Is(err, ErrCorrupt) {
			if rerr := os.Rename(m.paths.Checkpoint, m.paths.Checkpoint+".corrupt"); rerr != nil {
				m.log.Warn("checkpoint_quarantine_failed", "err", rerr)
			}
		}
		s = stats.New(m.cfg)
		s.NewDaily(m.clk.WallMs())
	}
	m.guard.Replace(s)
	return s
}

func (m *Manager) readCheckpoint() (*stats.Store, error) {
	b, err := os.ReadFile(m.paths.Checkpoint)
	if err != nil {
		return nil, err
	}
	s := &stats.Store{}
	if err := decodeFrame(b, s); err != nil {
		return nil, err
	}
	s.Configure(m.cfg)
	return s, nil
}

// WriteSync captures the store under the lock and writes the checkpoint
// before returning. A failed write leaves the store and the previous
// checkpoint untouched.
func (m *Manager) WriteSync() error {
	var (
		snap *stats.Store
		seq  uint64
	)
	m.guard.Do(func(s *stats.Store) {
		snap = s.Snapshot(m.clk.ElapsedMs())
		m.seq++
		seq = m.seq
	})
	err := m.writeCheckpoint(snap, seq)
	m.metrics.CheckpointWrite(err)
	return err
}

func (m *Manager) writeCheckpoint(snap *stats.Store, seq uint64) error {
	data, err := encodeFrame(snap)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if seq < m.written {
		// A newer capture already reached disk.
		return nil
	}
	if err := writeAtomic(m.paths.Checkpoint, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := m.writeDaily(snap.Daily); err != nil {
		m.log.Warn("daily_write_failed", "err", err)
	}
	m.written = seq
	m.log.Debug("checkpoint_written", "path", m.paths.Checkpoint, "bytes", len(data), "seq", seq)
	return nil
}

// WriteAsync asks the background writer for a checkpoint. Requests made while
// one is pending coalesce. After Close it does nothing.
func (m *Manager) WriteAsync() {
	m.asyncMu.Lock()
	if m.asyncClosed {
		m.asyncMu.Unlock()
		return
	}
	if !m.asyncRunning {
		m.asyncRunning = true
		go m.asyncLoop()
	}
	m.asyncMu.Unlock()

	select {
	case m.asyncWake <- struct{}{}:
	default:
	}
}

func (m *Manager) asyncLoop() {
	defer close(m.asyncDone)
	write := func() {
		if err := m.WriteSync(); err != nil {
			m.log.Error("checkpoint_write_failed", "err", err)
		}
	}
	for {
		select {
		case <-m.asyncWake:
			write()
		case <-m.asyncQuit:
			select {
			case <-m.asyncWake:
				write()
			default:
			}
			return
		}
	}
}

// Close flushes a queued async write and stops the background writer.
func (m *Manager) Close(ctx context.Context) error {
	m.asyncMu.Lock()
	if m.asyncClosed {
		m.asyncMu.Unlock()
		return nil
	}
	m.asyncClosed = true
	running := m.asyncRunning
	m.asyncMu.Unlock()
	if !running {
		return nil
	}
	close(m.asyncQuit)
	select {
	case <-m.asyncDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateCheckinSnapshotAndReset captures the store as the pending checkin and
// resets it, under one hold of the lock.
func (m *Manager) CreateCheckinSnapshotAndReset() (*Checkin, error) {
	var (
		c   *Checkin
		err error
	)
	m.guard.Do(func(s *stats.Store) { c, err = m.CheckinAndResetLocked(s) })
	return c, err
}

// CheckinAndResetLocked is CreateCheckinSnapshotAndReset for callers that
// already hold the lock. The store is reset only once the checkin is durable.
func (m *Manager) CheckinAndResetLocked(s *stats.Store) (*Checkin, error) {
	now, wall := m.clk.ElapsedMs(), m.clk.WallMs()
	c := &Checkin{ID: uuid.NewString(), CreatedWallMs: wall, Stats: s.Snapshot(now)}
	data, err := encodeFrame(c)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(m.paths.Checkin, data); err != nil {
		return nil, fmt.Errorf("write checkin: %w", err)
	}
	s.Reset(now, wall)
	m.log.Info("checkin_created", "id", c.ID, "uids", len(c.Stats.Uids))
	return c, nil
}

// TakePendingCheckin returns the pending checkin and deletes it. It returns
// nil when there is none. An unreadable artifact is deleted and reported
// as ErrCorrupt.
func (m *Manager) TakePendingCheckin() (*Checkin, error) {
	b, err := os.ReadFile(m.paths.Checkin)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkin: %w", err)
	}
	c := &Checkin{}
	derr := decodeFrame(b, c)
	if err := os.Remove(m.paths.Checkin); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("checkin_remove_failed", "err", err)
	}
	if derr != nil {
		return nil, derr
	}
	if c.Stats != nil {
		c.Stats.Configure(m.cfg)
	}
	return c, nil
}

func (m *Manager) writeDaily(items []stats.DailyItem) error {
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(m.paths.Daily, b)
}

// ReadDaily reads the daily summaries last written with a checkpoint.
func (m *Manager) ReadDaily() ([]stats.DailyItem, error) {
	b, err := os.ReadFile(m.paths.Daily)
	if err != nil {
		return nil, fmt.Errorf("read daily: %w", err)
	}
	var items []stats.DailyItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("%w: daily: %v", ErrCorrupt, err)
	}
	return items, nil
}

// writeAtomic writes data next to path and renames it into place, so readers
// see either the old file or the complete new one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
