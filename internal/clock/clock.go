// Package clock supplies the elapsed-realtime, uptime and wall clocks stamped
// onto every note.
package clock

import (
	"sync"
	"time"
)

// Clock readings are only comparable within one process. Stamps restored
// from a checkpoint are moved onto the new clock by stats.Store.Resume.
type Clock interface {
	// ElapsedMs is monotonic time since the clock was created.
	ElapsedMs() int64
	// UptimeMs is monotonic time excluding suspend.
	UptimeMs() int64
	WallMs() int64
}

// System reads the Go runtime monotonic clock. On Linux that clock stops
// while the host is suspended, so ElapsedMs does not include sleep and is
// always equal to UptimeMs.
type System struct {
	start time.Time
}

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) ElapsedMs() int64 { return time.Since(s.start).Milliseconds() }
func (s *System) UptimeMs() int64  { return time.Since(s.start).Milliseconds() }
func (s *System) WallMs() int64    { return time.Now().UnixMilli() }

// Manual is a settable clock for tests and replay tools.
type Manual struct {
	mu      sync.Mutex
	elapsed int64
	uptime  int64
	wall    int64
}

func NewManual(elapsedMs, wallMs int64) *Manual {
	return &Manual{elapsed: elapsedMs, uptime: elapsedMs, wall: wallMs}
}

// Advance moves every clock forward by d milliseconds.
func (m *Manual) Advance(d int64) {
	m.mu.Lock()
	m.elapsed += d
	m.uptime += d
	m.wall += d
	m.mu.Unlock()
}

// Set positions the elapsed and uptime clocks at ms.
func (m *Manual) Set(ms int64) {
	m.mu.Lock()
	m.wall += ms - m.elapsed
	m.elapsed = ms
	m.uptime = ms
	m.mu.Unlock()
}

func (m *Manual) ElapsedMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

func (m *Manual) UptimeMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uptime
}

func (m *Manual) WallMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wall
}
