// Package monitor runs the detection tick: expire the windows, check
// sniffer health, pull fresh sightings, route them through the lists,
// update the windows and histories, score and classify, and publish
// alerts. A single goroutine owns all mutable state; everything else
// sees values or snapshots.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
	"github.com/swamppop/chasingyourtail/internal/geo"
)

var (
	tracer = otel.Tracer("cyt/monitor")

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_ticks_total",
		Help: "The total number of monitor ticks executed",
	})
	sightingsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_sightings_processed_total",
		Help: "The total number of sightings processed",
	})
	sightingsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyt_sightings_ignored_total",
		Help: "The total number of sightings dropped by the ignore list",
	})
)

// Config tunes the monitor loop.
type Config struct {
	SnifferDBGlob string
	TickInterval  time.Duration
	Slack         time.Duration

	HealthEnabled             bool
	HealthCheckIntervalCycles int

	MinAppearances       int
	BehavioralConfidence float64
	Thresholds           domain.PersistenceThresholds

	LocationThresholdMeters float64

	AlertCooldown time.Duration
}

// DefaultConfig returns the stock loop configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:              60 * time.Second,
		Slack:                     15 * time.Second,
		HealthEnabled:             true,
		HealthCheckIntervalCycles: 5,
		MinAppearances:            3,
		BehavioralConfidence:      0.60,
		Thresholds:                domain.DefaultPersistenceThresholds(),
		LocationThresholdMeters:   100,
		AlertCooldown:             5 * time.Minute,
	}
}

// Loop is the tick orchestrator.
type Loop struct {
	cfg        Config
	reader     ports.SnifferReader
	lists      ports.ListStore
	history    ports.HistoryStore
	tracker    ports.WindowTracker
	scorer     ports.Scorer
	classifier ports.Classifier
	supervisor ports.HealthSupervisor
	bus        ports.AlertPublisher
	clusterer  *geo.Clusterer

	clock func() time.Time

	histories map[domain.Identifier]*domain.DeviceHistory
	// apClients tracks which client macs have been seen associated to
	// each BSSID this session; it feeds the classifier's no-clients
	// signal for AP-typed devices.
	apClients    map[domain.Identifier]map[domain.Identifier]struct{}
	cooldowns    map[string]int64
	ticks        int
	fatalAlerted bool
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Reader     ports.SnifferReader
	Lists      ports.ListStore
	History    ports.HistoryStore
	Tracker    ports.WindowTracker
	Scorer     ports.Scorer
	Classifier ports.Classifier
	Supervisor ports.HealthSupervisor
	Bus        ports.AlertPublisher
}

// NewLoop wires a loop.
func NewLoop(cfg Config, deps Deps) *Loop {
	if cfg.LocationThresholdMeters <= 0 {
		cfg.LocationThresholdMeters = 100
	}
	return &Loop{
		cfg:        cfg,
		reader:     deps.Reader,
		lists:      deps.Lists,
		history:    deps.History,
		tracker:    deps.Tracker,
		scorer:     deps.Scorer,
		classifier: deps.Classifier,
		supervisor: deps.Supervisor,
		bus:        deps.Bus,
		clusterer:  geo.NewClusterer(cfg.LocationThresholdMeters),
		clock:      time.Now,
		histories:  make(map[domain.Identifier]*domain.DeviceHistory),
		apClients:  make(map[domain.Identifier]map[domain.Identifier]struct{}),
		cooldowns:  make(map[string]int64),
	}
}

// Run ticks until ctx is cancelled, then flushes the history store.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.history.Flush(flushCtx); err != nil {
				slog.Warn("final history flush failed", slog.Any("error", err))
			}
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick executes one monitor pass. Exported so the CLI and tests can
// drive single passes.
func (l *Loop) Tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "monitor.Tick")
	defer span.End()

	now := l.clock()
	l.ticks++
	ticksTotal.Inc()

	l.tracker.Expire(now)

	if l.cfg.HealthEnabled && (l.ticks-1)%l.cfg.HealthCheckIntervalCycles == 0 {
		l.checkHealth(ctx, now)
	}

	dbPath, err := l.reader.LatestDBPath(ctx, l.cfg.SnifferDBGlob)
	if err != nil {
		slog.Warn("sniffer database not found, skipping tick", slog.Any("error", err))
		return
	}

	cutoff := now.Add(-l.cfg.TickInterval - l.cfg.Slack).Unix()
	sightings, err := l.reader.FetchSightingsSince(ctx, dbPath, cutoff)
	if err != nil {
		var rerr *domain.ReaderError
		if errors.As(err, &rerr) {
			slog.Warn("sniffer read failed, skipping tick", slog.Any("error", rerr))
			return
		}
		slog.Warn("sniffer read failed, skipping tick", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("sightings", len(sightings)))

	touched := make([]domain.Identifier, 0, len(sightings))
	for _, s := range sightings {
		if mac, ok := l.processSighting(s, now); ok {
			touched = append(touched, mac)
		}
	}

	for _, mac := range touched {
		l.evaluate(mac, now)
	}
}

// processSighting runs the per-sighting dispatch. Returns the mac and
// true when the sighting was recorded (not dropped by the ignore list).
func (l *Loop) processSighting(s domain.DeviceSighting, now time.Time) (domain.Identifier, bool) {
	sightingsProcessed.Inc()
	if !s.Valid() {
		return "", false
	}

	// Watchlist wins over the ignore list: a watched mac alerts and is
	// still tracked even if someone also ignored it.
	watched, onWatchlist := l.lists.WatchlistEntryFor(s.MAC)
	if !onWatchlist && l.lists.IsIgnoredMAC(s.MAC) {
		sightingsIgnored.Inc()
		return "", false
	}
	if onWatchlist {
		reason := "watchlist match"
		if watched.Alias != "" {
			reason = fmt.Sprintf("watchlist match: %s", watched.Alias)
		}
		l.emit(domain.NewAlert(domain.AlertWatchlist, s.MAC, domain.LevelHigh, reason, now))
	}
	for _, ssid := range s.ProbedSSIDs {
		if entry, ok := l.lists.WatchlistEntryForSSID(ssid); ok {
			reason := fmt.Sprintf("probed watched network %q", ssid)
			if entry.Alias != "" {
				reason = fmt.Sprintf("probed watched network %q (%s)", ssid, entry.Alias)
			}
			l.emit(domain.NewAlert(domain.AlertWatchlist, s.MAC, domain.LevelHigh, reason, now))
			break
		}
	}

	if reason, isDrone := droneIdentity(s); isDrone {
		l.emit(domain.NewAlert(domain.AlertKnownDroneOui, s.MAC, domain.LevelCritical, reason, now))
	}

	l.tracker.Record(s.MAC, now)
	for _, ssid := range s.ProbedSSIDs {
		if !l.lists.IsIgnoredSSID(ssid) {
			l.tracker.RecordSSID(ssid, now)
		}
	}

	if s.AssociatedBSSID != "" {
		clients, ok := l.apClients[s.AssociatedBSSID]
		if !ok {
			clients = make(map[domain.Identifier]struct{})
			l.apClients[s.AssociatedBSSID] = clients
		}
		clients[s.MAC] = struct{}{}
	}

	// The device's own fix, straight from the sniffer, clusters into a
	// stable location id shared across devices seen at the same place.
	locationID := ""
	if s.Location != nil {
		locationID = l.clusterer.Observe(geo.Location{Latitude: s.Location.Lat, Longitude: s.Location.Lon})
	}

	h, ok := l.histories[s.MAC]
	if !ok {
		nh := domain.NewDeviceHistory(s.MAC, s.Type)
		h = &nh
		l.histories[s.MAC] = h
	}
	obs := domain.Observation{
		TimestampUnix:    s.LastTimeUnix,
		SignalDBM:        s.StrongestSignalDBM,
		ProbedSSIDsCount: len(s.ProbedSSIDs),
		AssociatedBSSID:  s.AssociatedBSSID,
		Location:         s.Location,
	}
	if s.HasChannel {
		obs.Channel = s.Channel
	}
	h.Append(obs)
	if locationID != "" {
		h.LocationIDs[locationID] = struct{}{}
	}

	l.history.Record(s.MAC, s.LastTimeUnix, locationID)
	return s.MAC, true
}

// droneIdentity reports whether the sighting identifies as a drone by
// declared type, OUI, or manufacturer string.
func droneIdentity(s domain.DeviceSighting) (string, bool) {
	if s.IsDroneType() {
		return fmt.Sprintf("sniffer-typed %s device", s.Type), true
	}
	if maker, ok := domain.MatchKnownDroneOUI(s.MAC); ok {
		return fmt.Sprintf("known drone OUI (%s)", maker), true
	}
	if domain.ManufacturerLooksLikeDrone(s.Manufacturer) {
		return fmt.Sprintf("drone manufacturer %q", s.Manufacturer), true
	}
	return "", false
}

// evaluate scores and classifies one active device.
func (l *Loop) evaluate(mac domain.Identifier, now time.Time) {
	h, ok := l.histories[mac]
	if !ok || h.AppearanceCount() < l.cfg.MinAppearances {
		return
	}

	coverage := l.tracker.CoverageCount(mac)
	result := l.scorer.Score(*h, coverage, l.ticks)
	if result.Level >= domain.LevelHigh {
		reason := fmt.Sprintf("persistence score %.2f across %d window(s), %d appearance(s)",
			result.Score, coverage, h.AppearanceCount())
		if l.tracker.IsFollower(mac) {
			reason += "; disappeared and reappeared"
		}
		l.emit(domain.NewAlert(domain.AlertSurveillancePersistence, mac, result.Level, reason, now))
	}

	b := l.classifier.Classify(*h, l.classifierInputs(mac, *h))
	if b.Confidence >= l.cfg.BehavioralConfidence {
		level := domain.LevelHigh
		if b.Confidence >= l.cfg.Thresholds.Critical {
			level = domain.LevelCritical
		}
		reason := fmt.Sprintf("behavioral confidence %.2f: %s",
			b.Confidence, strings.Join(b.TriggeredSignals, ", "))
		l.emit(domain.NewAlert(domain.AlertBehavioralDrone, mac, level, reason, now))
	}
}

// classifierInputs assembles the facts the classifier needs beyond the
// history itself. The associated-client count is the number of distinct
// client macs observed associated to this BSSID during the session.
func (l *Loop) classifierInputs(mac domain.Identifier, h domain.DeviceHistory) ports.ClassifierInputs {
	return ports.ClassifierInputs{
		ProbesPerMinute:       probesPerMinute(h),
		IsAP:                  h.Type == domain.DeviceWifiAp,
		AssociatedClientCount: len(l.apClients[mac]),
	}
}

func probesPerMinute(h domain.DeviceHistory) float64 {
	total := 0
	for _, o := range h.Observations {
		total += o.ProbedSSIDsCount
	}
	minutes := float64(h.DurationSeconds()) / 60.0
	if minutes < 1.0 {
		minutes = 1.0
	}
	return float64(total) / minutes
}

func (l *Loop) checkHealth(ctx context.Context, now time.Time) {
	h, err := l.supervisor.Check(ctx)
	if err == nil {
		return
	}

	l.emit(domain.NewAlert(domain.AlertStatusMonitoring, "", domain.LevelMedium, err.Error(), now))

	if rerr := l.supervisor.MaybeRestart(ctx, h); rerr != nil {
		l.emit(domain.NewAlert(domain.AlertStatusMonitoring, "", domain.LevelHigh, rerr.Error(), now))
	}
	if l.supervisor.Fatal() && !l.fatalAlerted {
		l.fatalAlerted = true
		// The escalation fires exactly once and skips the cooldown gate.
		l.bus.Publish(domain.NewAlert(domain.AlertStatusMonitoring, "", domain.LevelCritical,
			"sniffer restart attempts exhausted, operator reset required", now))
	}
}

// emit publishes an alert unless the same (mac, type) pair alerted
// within the cooldown. Status alerts share one key since they carry no
// mac.
func (l *Loop) emit(alert domain.Alert) {
	key := string(alert.MAC) + "|" + string(alert.Type)
	if last, ok := l.cooldowns[key]; ok {
		if alert.TimestampUnix-last < int64(l.cfg.AlertCooldown.Seconds()) {
			return
		}
	}
	l.cooldowns[key] = alert.TimestampUnix
	l.bus.Publish(alert)
}
