// Package progress turns cumulative byte counts into a deduplicated
// percentage stream.
package progress

// Tracker converts bytes written into whole percentages and suppresses
// repeats. It is not safe for concurrent use; the write loop owns it.
type Tracker struct {
	total int
	last  int
}

// New creates a tracker for a write of total bytes.
func New(total int) *Tracker {
	return &Tracker{total: total, last: -1}
}

// Total returns the byte total the tracker was created with.
func (t *Tracker) Total() int {
	return t.total
}

// Start records and returns the initial 0%.
func (t *Tracker) Start() int {
	t.last = 0
	return 0
}

// Update reports the percentage for written bytes and whether it differs
// from the last reported value. Percentages never decrease. 100 is reserved
// for Complete so that it is reported exactly once.
func (t *Tracker) Update(written int) (int, bool) {
	pct := t.Percentage(written)
	if pct <= t.last || pct >= 100 {
		return t.last, false
	}
	t.last = pct
	return pct, true
}

// Complete records and returns 100%. It is reported unconditionally, even
// when the last chunk already accounted for every byte.
func (t *Tracker) Complete() int {
	t.last = 100
	return 100
}

// Percentage computes floor(written*100/total) clamped to [0,100].
// A zero total counts as complete.
func (t *Tracker) Percentage(written int) int {
	if t.total <= 0 {
		return 100
	}
	if written <= 0 {
		return 0
	}
	pct := int(int64(written) * 100 / int64(t.total))
	if pct > 100 {
		return 100
	}
	return pct
}
