// Package progress is the Progress Tracker: exponential
// moving average speed smoothing, throttled persistence, and an
// unthrottled notification hook for the TUI.
package progress

import (
	"sync"
	"time"
)

const emaAlpha = 0.3

// persistInterval bounds how often Update's PersistFunc actually fires;
// the in-memory snapshot updates on every call regardless.
const persistInterval = 500 * time.Millisecond

// Snapshot is the current progress state for one download.
type Snapshot struct {
	Stage      string
	Downloaded int64
	Total      int64
	Speed      float64
	Message    string
}

// Percentage returns downloaded/total as 0-100, or 0 if total is unknown.
func (s Snapshot) Percentage() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Downloaded) / float64(s.Total) * 100
}

// PersistFunc writes a throttled snapshot to durable storage.
type PersistFunc func(Snapshot)

// NotifyFunc receives every snapshot, throttled or not, for live UI.
type NotifyFunc func(Snapshot)

// Tracker accumulates byte counts for one download and smooths speed with
// an EMA (alpha 0.3), persisting at most once per persistInterval.
type Tracker struct {
	mu sync.Mutex

	stage      string
	downloaded int64
	total      int64
	speed      float64

	lastUpdate  time.Time
	lastBytes   int64
	lastPersist time.Time

	persist PersistFunc
	notify  NotifyFunc

	now func() time.Time
}

// New returns a Tracker that calls persist at most once per 500ms and
// notify on every Update call.
func New(persist PersistFunc, notify NotifyFunc) *Tracker {
	return &Tracker{
		persist: persist,
		notify:  notify,
		now:     time.Now,
	}
}

// SetStage invalidates the persistence throttle so the next Update flushes
// immediately, since on stage transitions the cache is
// invalidated so the next read is authoritative."
func (t *Tracker) SetStage(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
	t.lastPersist = time.Time{}
}

// Update records a new (downloaded, total) sample, recomputes the smoothed
// speed, and fires notify unconditionally and persist at most every 500ms.
func (t *Tracker) Update(downloaded, total int64, message string) {
	t.mu.Lock()

	now := t.now()
	if total > t.total {
		t.total = total
	}
	if downloaded > t.downloaded {
		t.downloaded = downloaded
	}

	if !t.lastUpdate.IsZero() {
		dt := now.Sub(t.lastUpdate).Seconds()
		if dt > 0 {
			instant := float64(t.downloaded-t.lastBytes) / dt
			if t.speed == 0 {
				t.speed = instant
			} else {
				t.speed = emaAlpha*instant + (1-emaAlpha)*t.speed
			}
		}
	}
	t.lastUpdate = now
	t.lastBytes = t.downloaded

	snap := Snapshot{
		Stage:      t.stage,
		Downloaded: t.downloaded,
		Total:      t.total,
		Speed:      t.speed,
		Message:    message,
	}

	shouldPersist := t.lastPersist.IsZero() || now.Sub(t.lastPersist) >= persistInterval
	if shouldPersist {
		t.lastPersist = now
	}
	t.mu.Unlock()

	if t.notify != nil {
		t.notify(snap)
	}
	if shouldPersist && t.persist != nil {
		t.persist(snap)
	}
}

// Snapshot returns the current in-memory state without side effects.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Stage:      t.stage,
		Downloaded: t.downloaded,
		Total:      t.total,
		Speed:      t.speed,
	}
}
