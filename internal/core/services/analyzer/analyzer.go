// Package analyzer runs the offline surveillance pass: cluster the
// operator's GPS track into location sessions, attribute device
// sightings to those sessions, and surface devices that keep showing up
// across distinct places.
package analyzer

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
	"github.com/swamppop/chasingyourtail/internal/geo"
)

var tracer = otel.Tracer("cyt/analyzer")

// Config tunes the analyzer's clustering and suspicion thresholds.
type Config struct {
	LocationThresholdMeters float64
	SessionTimeout          time.Duration
	MinAppearances          int
	MinLocations            int
	OffHoursStart           int // local hour, inclusive
	OffHoursEnd             int // local hour, exclusive
	OffHoursFlagShare       float64
}

// DefaultConfig returns the stock analyzer configuration.
func DefaultConfig() Config {
	return Config{
		LocationThresholdMeters: 100,
		SessionTimeout:          600 * time.Second,
		MinAppearances:          3,
		MinLocations:            2,
		OffHoursStart:           22,
		OffHoursEnd:             6,
		OffHoursFlagShare:       0.30,
	}
}

// Analyzer correlates sniffer captures with a GPS track.
type Analyzer struct {
	reader ports.SnifferReader
	scorer ports.Scorer
	cfg    Config
}

// NewAnalyzer wires an analyzer over a reader and a persistence scorer.
func NewAnalyzer(reader ports.SnifferReader, scorer ports.Scorer, cfg Config) *Analyzer {
	return &Analyzer{reader: reader, scorer: scorer, cfg: cfg}
}

// Analyze runs the full pass over dbPath between sinceUnix and
// untilUnix (zero untilUnix means unbounded). Output is deterministic:
// identical inputs produce identical sessions, scores, and ordering.
func (a *Analyzer) Analyze(ctx context.Context, dbPath string, gpsTrack []domain.GPSFix, sinceUnix, untilUnix int64) (domain.SurveillanceReport, error) {
	ctx, span := tracer.Start(ctx, "analyzer.Analyze")
	defer span.End()

	sightings, err := a.reader.FetchSightingsSince(ctx, dbPath, sinceUnix)
	if err != nil {
		return domain.SurveillanceReport{}, err
	}
	if untilUnix > 0 {
		filtered := sightings[:0]
		for _, s := range sightings {
			if s.LastTimeUnix <= untilUnix {
				filtered = append(filtered, s)
			}
		}
		sightings = filtered
	}

	sorted := append([]domain.GPSFix(nil), gpsTrack...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampUnix < sorted[j].TimestampUnix })
	sessions := geo.ClusterSessions(sorted, a.cfg.LocationThresholdMeters, a.cfg.SessionTimeout)

	span.SetAttributes(
		attribute.Int("sightings", len(sightings)),
		attribute.Int("location_sessions", len(sessions)),
	)

	perMAC := a.attribute(sightings, sessions)
	suspicious := a.aggregate(perMAC, sessions)

	return domain.SurveillanceReport{
		LocationSessions:  sessions,
		SuspiciousDevices: suspicious,
	}, nil
}

// deviceTrack is the per-mac accumulation of attributed sightings.
type deviceTrack struct {
	history    domain.DeviceHistory
	sessionIDs map[string]struct{}
	seenTimes  []int64
}

// attribute assigns each sighting to the location session whose time
// range contains its last_time; sightings outside every session stay
// unassigned but still count as appearances.
func (a *Analyzer) attribute(sightings []domain.DeviceSighting, sessions []domain.LocationSession) map[domain.Identifier]*deviceTrack {
	perMAC := make(map[domain.Identifier]*deviceTrack)
	for _, s := range sightings {
		tr, ok := perMAC[s.MAC]
		if !ok {
			tr = &deviceTrack{
				history:    domain.NewDeviceHistory(s.MAC, s.Type),
				sessionIDs: make(map[string]struct{}),
			}
			perMAC[s.MAC] = tr
		}

		obs := domain.Observation{
			TimestampUnix:    s.LastTimeUnix,
			SignalDBM:        s.StrongestSignalDBM,
			ProbedSSIDsCount: len(s.ProbedSSIDs),
			AssociatedBSSID:  s.AssociatedBSSID,
		}
		if s.HasChannel {
			obs.Channel = s.Channel
		}
		if s.Location != nil {
			obs.Location = s.Location
		}
		tr.history.Append(obs)
		tr.seenTimes = append(tr.seenTimes, s.LastTimeUnix)

		for _, sess := range sessions {
			if sess.Contains(s.LastTimeUnix) {
				tr.sessionIDs[sess.ID] = struct{}{}
				tr.history.LocationIDs[sess.ID] = struct{}{}
				break
			}
		}
	}
	return perMAC
}

func (a *Analyzer) aggregate(perMAC map[domain.Identifier]*deviceTrack, sessions []domain.LocationSession) []domain.SuspiciousDevice {
	byID := make(map[string]domain.LocationSession, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}

	var out []domain.SuspiciousDevice
	for mac, tr := range perMAC {
		if tr.history.AppearanceCount() < a.cfg.MinAppearances || len(tr.sessionIDs) < a.cfg.MinLocations {
			continue
		}

		ids := make([]string, 0, len(tr.sessionIDs))
		for id := range tr.sessionIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		peakHour, offShare := a.temporalPatterns(tr.seenTimes)

		out = append(out, domain.SuspiciousDevice{
			MAC:                   mac,
			Persistence:           a.scorer.Score(tr.history, 0, len(sessions)),
			AppearanceCount:       tr.history.AppearanceCount(),
			LocationSessionIDs:    ids,
			PeakActivityHour:      peakHour,
			OffHoursShare:         offShare,
			OffHoursFlagged:       offShare > a.cfg.OffHoursFlagShare,
			DistinctLocationCount: len(ids),
			GeographicSpanMeters:  a.geographicSpan(ids, byID),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// temporalPatterns computes the modal appearance hour and the share of
// appearances falling in the off-hours band. Hour-of-day uses local
// time; mode ties break toward the earlier hour.
func (a *Analyzer) temporalPatterns(seenTimes []int64) (int, float64) {
	if len(seenTimes) == 0 {
		return 0, 0
	}
	var hourCounts [24]int
	offHours := 0
	for _, ts := range seenTimes {
		h := time.Unix(ts, 0).Local().Hour()
		hourCounts[h]++
		if h >= a.cfg.OffHoursStart || h < a.cfg.OffHoursEnd {
			offHours++
		}
	}
	peak := 0
	for h := 1; h < 24; h++ {
		if hourCounts[h] > hourCounts[peak] {
			peak = h
		}
	}
	return peak, float64(offHours) / float64(len(seenTimes))
}

// geographicSpan is the max pairwise distance between the centroids of
// the sessions the device was seen in.
func (a *Analyzer) geographicSpan(sessionIDs []string, byID map[string]domain.LocationSession) float64 {
	maxDist := 0.0
	for i := 0; i < len(sessionIDs); i++ {
		si, ok := byID[sessionIDs[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(sessionIDs); j++ {
			sj, ok := byID[sessionIDs[j]]
			if !ok {
				continue
			}
			d := geo.Haversine(
				geo.Location{Latitude: si.CentroidLat, Longitude: si.CentroidLon},
				geo.Location{Latitude: sj.CentroidLat, Longitude: sj.CentroidLon},
			)
			if d > maxDist {
				maxDist = d
			}
		}
	}
	return maxDist
}
