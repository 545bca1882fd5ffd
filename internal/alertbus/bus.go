// Package alertbus carries alerts out of the engine. Publishing never
// blocks the detection path: in-process subscribers get buffered
// channels that drop on overflow, and the websocket hub fans out to
// external transports (dashboard, audio, chat) on its own goroutine.
package alertbus

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

var (
	alertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyt_alerts_published_total",
		Help: "The total number of alerts published to the bus",
	}, []string{"type"})
	alertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_alerts_dropped_total",
		Help: "The total number of alerts dropped by slow subscribers",
	})
)

// Bus is an in-process alert broadcaster.
type Bus struct {
	mu   sync.RWMutex
	subs []chan domain.Alert
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe returns a buffered channel that receives every subsequent
// alert. A subscriber that falls behind loses alerts rather than
// stalling the publisher.
func (b *Bus) Subscribe() <-chan domain.Alert {
	ch := make(chan domain.Alert, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans alert out to all subscribers without blocking.
func (b *Bus) Publish(alert domain.Alert) {
	alertsPublished.WithLabelValues(string(alert.Type)).Inc()
	slog.Info("alert",
		slog.String("type", string(alert.Type)),
		slog.String("mac", string(alert.MAC)),
		slog.String("level", alert.Level.String()),
		slog.String("reason", alert.Reason))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
			alertsDropped.Inc()
		}
	}
}
