package geo

import (
	"fmt"
	"time"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// ClusterSessions walks a GPS track in timestamp order and groups fixes
// into location sessions. A new session opens when the distance from the
// running centroid exceeds thresholdMeters or the gap between fixes
// exceeds sessionTimeout. Session ids are deterministic ordinals so two
// passes over the same track produce identical output.
func ClusterSessions(track []domain.GPSFix, thresholdMeters float64, sessionTimeout time.Duration) []domain.LocationSession {
	if len(track) == 0 {
		return nil
	}

	var sessions []domain.LocationSession
	var cur *domain.LocationSession
	var sumLat, sumLon float64

	open := func(fix domain.GPSFix) {
		sessions = append(sessions, domain.LocationSession{
			ID:          fmt.Sprintf("session-%03d", len(sessions)+1),
			CentroidLat: fix.Lat,
			CentroidLon: fix.Lon,
			StartUnix:   fix.TimestampUnix,
			EndUnix:     fix.TimestampUnix,
			FixCount:    1,
		})
		cur = &sessions[len(sessions)-1]
		sumLat, sumLon = fix.Lat, fix.Lon
	}

	open(track[0])
	for _, fix := range track[1:] {
		centroid := Location{Latitude: cur.CentroidLat, Longitude: cur.CentroidLon}
		gap := time.Duration(fix.TimestampUnix-cur.EndUnix) * time.Second
		if Haversine(centroid, Location{Latitude: fix.Lat, Longitude: fix.Lon}) > thresholdMeters || gap > sessionTimeout {
			open(fix)
			continue
		}
		sumLat += fix.Lat
		sumLon += fix.Lon
		cur.FixCount++
		cur.CentroidLat = sumLat / float64(cur.FixCount)
		cur.CentroidLon = sumLon / float64(cur.FixCount)
		cur.EndUnix = fix.TimestampUnix
	}
	return sessions
}

// Clusterer assigns a live stream of fixes to stable location ids.
// Each fix joins the nearest existing cluster within the threshold
// radius, nudging its centroid, or opens a new one. Unlike the
// analyzer's session walk, clusters never close: a device seen at a
// place, elsewhere, and back at the first place gets the first place's
// id again. Ids are deterministic ordinals in discovery order, shared
// by every device observed at that place.
type Clusterer struct {
	thresholdMeters float64
	clusters        []liveCluster
}

type liveCluster struct {
	sumLat float64
	sumLon float64
	count  int
}

func (c liveCluster) centroid() Location {
	return Location{Latitude: c.sumLat / float64(c.count), Longitude: c.sumLon / float64(c.count)}
}

// NewClusterer returns a clusterer with the given clustering radius.
func NewClusterer(thresholdMeters float64) *Clusterer {
	return &Clusterer{thresholdMeters: thresholdMeters}
}

// Observe folds loc into the nearest cluster within the radius, or a
// new one, and returns that cluster's location id.
func (c *Clusterer) Observe(loc Location) string {
	best := -1
	bestDist := 0.0
	for i := range c.clusters {
		d := Haversine(c.clusters[i].centroid(), loc)
		if d <= c.thresholdMeters && (best < 0 || d < bestDist) {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		c.clusters = append(c.clusters, liveCluster{sumLat: loc.Latitude, sumLon: loc.Longitude, count: 1})
		best = len(c.clusters) - 1
	} else {
		c.clusters[best].sumLat += loc.Latitude
		c.clusters[best].sumLon += loc.Longitude
		c.clusters[best].count++
	}
	return fmt.Sprintf("loc-%03d", best+1)
}
