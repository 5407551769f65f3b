package stats

// Timer accumulates the time a resource is held. Starts nest: the timer runs
// while at least one holder is active and counts one acquisition per idle to
// running transition. The nesting state is transient and never persisted.
type Timer struct {
	TotalMs int64 `json:"total_ms"`
	Count   int64 `json:"count"`

	// Values captured at the most recent unplug.
	UnpluggedTotalMs int64 `json:"unplugged_total_ms,omitempty"`
	UnpluggedCount   int64 `json:"unplugged_count,omitempty"`

	nesting   int
	startedAt int64
}

// Start records one more holder at now.
func (t *Timer) Start(now int64) {
	if t.nesting == 0 {
		t.startedAt = now
		t.Count++
	}
	t.nesting++
}

// Stop releases one holder. Stopping an idle timer is a no-op.
func (t *Timer) Stop(now int64) {
	if t.nesting == 0 {
		return
	}
	t.nesting--
	if t.nesting == 0 {
		t.TotalMs += nonNegative(now - t.startedAt)
	}
}

// resume marks an idle timer running from now without counting a new
// acquisition.
func (t *Timer) resume(now int64) {
	if t.nesting > 0 {
		return
	}
	t.nesting = 1
	t.startedAt = now
}

// StopAll releases every holder at once.
func (t *Timer) StopAll(now int64) {
	if t.nesting == 0 {
		return
	}
	t.nesting = 1
	t.Stop(now)
}

// Running reports whether at least one holder is active.
func (t *Timer) Running() bool { return t.nesting > 0 }

// TotalAt returns the accumulated time including the running interval.
func (t *Timer) TotalAt(now int64) int64 {
	if t.nesting == 0 {
		return t.TotalMs
	}
	return t.TotalMs + nonNegative(now-t.startedAt)
}

// Value returns total time and count for the requested window.
func (t *Timer) Value(now int64, which Which) (int64, int64) {
	total := t.TotalAt(now)
	if which == SinceUnplugged {
		return nonNegative(total - t.UnpluggedTotalMs), nonNegative(t.Count - t.UnpluggedCount)
	}
	return total, t.Count
}

func (t *Timer) markUnplugged(now int64) {
	t.UnpluggedTotalMs = t.TotalAt(now)
	t.UnpluggedCount = t.Count
}

func (t *Timer) reset(now int64) {
	t.TotalMs = 0
	t.Count = 0
	t.UnpluggedTotalMs = 0
	t.UnpluggedCount = 0
	if t.nesting > 0 {
		t.startedAt = now
		t.Count = 1
	}
}

// snapshot returns an idle copy with the running interval folded in.
func (t *Timer) snapshot(now int64) Timer {
	return Timer{
		TotalMs:          t.TotalAt(now),
		Count:            t.Count,
		UnpluggedTotalMs: t.UnpluggedTotalMs,
		UnpluggedCount:   t.UnpluggedCount,
	}
}

// Counter is a monotonically increasing value with an unplug baseline.
type Counter struct {
	Value          int64 `json:"value"`
	UnpluggedValue int64 `json:"unplugged_value,omitempty"`
}

// Add increases the counter; negative amounts are ignored.
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.Value += n
	}
}

// Get returns the counter for the requested window.
func (c *Counter) Get(which Which) int64 {
	if which == SinceUnplugged {
		return nonNegative(c.Value - c.UnpluggedValue)
	}
	return c.Value
}

func (c *Counter) markUnplugged() { c.UnpluggedValue = c.Value }

func (c *Counter) reset() { *c = Counter{} }

// DurationTimer accumulates durations announced up front, such as a
// vibration of N milliseconds. Abort trims the unelapsed part of the most
// recent duration.
type DurationTimer struct {
	TotalMs          int64 `json:"total_ms"`
	Count            int64 `json:"count"`
	UnpluggedTotalMs int64 `json:"unplugged_total_ms,omitempty"`
	UnpluggedCount   int64 `json:"unplugged_count,omitempty"`

	lastStart    int64
	lastDuration int64
}

// Add records a new duration beginning at now.
func (d *DurationTimer) Add(now, durationMs int64) {
	durationMs = nonNegative(durationMs)
	d.TotalMs += durationMs
	d.Count++
	d.lastStart = now
	d.lastDuration = durationMs
}

// Abort cuts the most recent duration short at now. Repeated aborts are no-ops.
func (d *DurationTimer) Abort(now int64) {
	if d.lastDuration == 0 {
		return
	}
	end := d.lastStart + d.lastDuration
	if now < end {
		d.TotalMs = nonNegative(d.TotalMs - (end - max(now, d.lastStart)))
	}
	d.lastDuration = 0
}

// Value returns total time and count for the requested window.
func (d *DurationTimer) Value(which Which) (int64, int64) {
	if which == SinceUnplugged {
		return nonNegative(d.TotalMs - d.UnpluggedTotalMs), nonNegative(d.Count - d.UnpluggedCount)
	}
	return d.TotalMs, d.Count
}

func (d *DurationTimer) markUnplugged() {
	d.UnpluggedTotalMs = d.TotalMs
	d.UnpluggedCount = d.Count
}

func (d *DurationTimer) reset() { *d = DurationTimer{} }

func (d *DurationTimer) snapshot() DurationTimer {
	return DurationTimer{
		TotalMs:          d.TotalMs,
		Count:            d.Count,
		UnpluggedTotalMs: d.UnpluggedTotalMs,
		UnpluggedCount:   d.UnpluggedCount,
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
