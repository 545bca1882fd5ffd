// Package window maintains the sliding time windows of recently-seen
// identifiers. Four spans live simultaneously; a device that re-enters
// the shortest window after expiring from it, while still resident in
// the longest one, is flagged as having disappeared and come back — the
// reappearance pattern the scorer and alerting logic care about.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

var windowSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cyt_window_entries",
	Help: "The number of identifiers currently inside each sliding window",
}, []string{"span_seconds", "kind"})

// DefaultSpans returns the stock window spans.
func DefaultSpans() []time.Duration {
	return []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute, 20 * time.Minute}
}

// window is one span's contents: identifier -> most recent entry time.
// Re-recording an identifier refreshes its entry, never duplicates it.
type window struct {
	span    time.Duration
	entries map[string]int64
}

func (w *window) record(id string, now int64) { w.entries[id] = now }

func (w *window) expire(now int64) {
	cutoff := now - int64(w.span.Seconds())
	for id, entered := range w.entries {
		if entered < cutoff {
			delete(w.entries, id)
		}
	}
}

func (w *window) contains(id string) bool {
	_, ok := w.entries[id]
	return ok
}

// Tracker holds the mac windows and their SSID mirrors. A single writer
// (the tick) mutates it; concurrent readers take the read lock.
type Tracker struct {
	mu    sync.RWMutex
	macs  []*window
	ssids []*window

	// followers marks macs that re-entered the shortest window after
	// having expired from it while still resident in the longest one —
	// the disappear-then-reappear pattern. Keyed by mac, valued by the
	// time the reappearance was noticed; expires with the longest span.
	followers map[string]int64
}

// NewTracker builds a tracker over spans, which may be given in any
// order; they are sorted ascending.
func NewTracker(spans []time.Duration) *Tracker {
	if len(spans) == 0 {
		spans = DefaultSpans()
	}
	sorted := append([]time.Duration(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	t := &Tracker{followers: make(map[string]int64)}
	for _, s := range sorted {
		t.macs = append(t.macs, &window{span: s, entries: make(map[string]int64)})
		t.ssids = append(t.ssids, &window{span: s, entries: make(map[string]int64)})
	}
	return t
}

// Spans returns the configured spans in ascending order.
func (t *Tracker) Spans() []time.Duration {
	out := make([]time.Duration, len(t.macs))
	for i, w := range t.macs {
		out[i] = w.span
	}
	return out
}

// Record inserts mac into every window, refreshing its entry time if
// already present.
func (t *Tracker) Record(mac domain.Identifier, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := string(mac)
	if len(t.macs) >= 2 && !t.macs[0].contains(id) && t.macs[len(t.macs)-1].contains(id) {
		t.followers[id] = now.Unix()
	}
	for _, w := range t.macs {
		w.record(id, now.Unix())
	}
}

// RecordSSID mirrors Record for probed SSIDs.
func (t *Tracker) RecordSSID(ssid string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.ssids {
		w.record(ssid, now.Unix())
	}
}

// Expire drops entries older than each window's span. Called at the top
// of every tick.
func (t *Tracker) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := now.Unix()
	for _, w := range t.macs {
		w.expire(ts)
		windowSize.WithLabelValues(spanLabel(w.span), "mac").Set(float64(len(w.entries)))
	}
	for _, w := range t.ssids {
		w.expire(ts)
		windowSize.WithLabelValues(spanLabel(w.span), "ssid").Set(float64(len(w.entries)))
	}
	longest := t.macs[len(t.macs)-1].span
	cutoff := ts - int64(longest.Seconds())
	for id, marked := range t.followers {
		if marked < cutoff {
			delete(t.followers, id)
		}
	}
}

func spanLabel(d time.Duration) string {
	return time.Duration(d).String()
}

// Contains reports whether mac is inside the window with the given span
// in seconds.
func (t *Tracker) Contains(mac domain.Identifier, spanSeconds int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, w := range t.macs {
		if int64(w.span.Seconds()) == spanSeconds {
			return w.contains(string(mac))
		}
	}
	return false
}

// ContainsSSID reports whether ssid is inside the window with the given
// span in seconds.
func (t *Tracker) ContainsSSID(ssid string, spanSeconds int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, w := range t.ssids {
		if int64(w.span.Seconds()) == spanSeconds {
			return w.contains(ssid)
		}
	}
	return false
}

// CoverageCount returns how many of the windows currently contain mac.
func (t *Tracker) CoverageCount(mac domain.Identifier) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, w := range t.macs {
		if w.contains(string(mac)) {
			n++
		}
	}
	return n
}

// IsFollower reports the disappearance-then-reappearance pattern: mac
// sits in the shortest and longest windows and was, at some point within
// the longest span, gone from the short end while still resident in the
// long end.
func (t *Tracker) IsFollower(mac domain.Identifier) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := string(mac)
	if !t.macs[0].contains(id) || !t.macs[len(t.macs)-1].contains(id) {
		return false
	}
	_, ok := t.followers[id]
	return ok
}

// IsPersistent reports whether mac is present in every window.
func (t *Tracker) IsPersistent(mac domain.Identifier) bool {
	return t.CoverageCount(mac) == len(t.macs)
}
