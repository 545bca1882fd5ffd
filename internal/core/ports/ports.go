// Package ports defines the interfaces the monitor loop and the
// surveillance analyzer depend on, kept separate from their concrete
// adapters so the core detection logic can be tested against fakes.
package ports

import (
	"context"
	"time"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// SnifferReader is read-only, parameterized access to the sniffer's
// SQLite database.
type SnifferReader interface {
	LatestDBPath(ctx context.Context, pattern string) (string, error)
	FetchSightingsSince(ctx context.Context, dbPath string, cutoffUnix int64) ([]domain.DeviceSighting, error)
	FetchUAVSightingsSince(ctx context.Context, dbPath string, cutoffUnix int64) ([]domain.DeviceSighting, error)
	FetchProbes(ctx context.Context, dbPath string, mac domain.Identifier) ([]ProbeCount, error)
	LastUpdateAge(ctx context.Context, dbPath string, now time.Time) (time.Duration, error)
}

// ProbeCount is one (ssid, count) pair returned by FetchProbes.
type ProbeCount struct {
	SSID  string
	Count int
}

// ListStore is ignore/watch list lookup and persistence.
type ListStore interface {
	IsIgnoredMAC(mac domain.Identifier) bool
	IsIgnoredSSID(ssid string) bool
	WatchlistEntryFor(mac domain.Identifier) (domain.ListEntry, bool)
	WatchlistEntryForSSID(ssid string) (domain.ListEntry, bool)
	UpsertWatchlistEntry(ctx context.Context, entry domain.ListEntry) error
	Reload(ctx context.Context) error
}

// HistoryStore is the append-only device/appearance archive.
type HistoryStore interface {
	Record(mac domain.Identifier, seenUnix int64, locationID string)
	History(ctx context.Context, mac domain.Identifier, sinceUnix int64) (domain.DeviceHistory, error)
	Flush(ctx context.Context) error
}

// WindowTracker holds the sliding time windows over mac/ssid
// identifiers.
type WindowTracker interface {
	Record(mac domain.Identifier, now time.Time)
	RecordSSID(ssid string, now time.Time)
	Expire(now time.Time)
	Contains(mac domain.Identifier, spanSeconds int64) bool
	CoverageCount(mac domain.Identifier) int
	IsFollower(mac domain.Identifier) bool
}

// Scorer computes a persistence score and level for a device history.
type Scorer interface {
	Score(history domain.DeviceHistory, windowCoverage int, ticksInSession int) domain.PersistenceResult
}

// Classifier runs the behavioral drone signals over a device history.
type Classifier interface {
	Classify(history domain.DeviceHistory, inputs ClassifierInputs) domain.BehavioralResult
}

// ClassifierInputs carries the facts the Behavioral Drone Classifier
// needs beyond DeviceHistory itself.
type ClassifierInputs struct {
	ProbesPerMinute       float64
	IsAP                  bool
	AssociatedClientCount int
}

// Analyzer is the offline surveillance pass.
type Analyzer interface {
	Analyze(ctx context.Context, dbPath string, gpsTrack []domain.GPSFix, sinceUnix, untilUnix int64) (domain.SurveillanceReport, error)
}

// HealthSupervisor watches the external sniffer and optionally restarts
// it.
type HealthSupervisor interface {
	Check(ctx context.Context) (Health, error)
	MaybeRestart(ctx context.Context, h Health) error
	Fatal() bool
}

// Health is the three-layer liveness result of a supervisor check.
type Health struct {
	ProcessOK   bool
	DatabaseOK  bool
	FreshnessOK bool
}

// Healthy reports whether all three layers passed.
func (h Health) Healthy() bool { return h.ProcessOK && h.DatabaseOK && h.FreshnessOK }

// AlertPublisher is the outbound alert bus.
type AlertPublisher interface {
	Publish(alert domain.Alert)
}
