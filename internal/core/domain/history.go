package domain

// Observation is one appearance of a device recorded inside a
// DeviceHistory — the accumulated per-mac state the Monitor Loop builds
// up across a session.
type Observation struct {
	TimestampUnix     int64
	SignalDBM         int
	Channel           int
	Location          *Location
	ProbedSSIDsCount  int
	AssociatedBSSID   Identifier // empty when absent
}

// DeviceHistory is the session-lifetime accumulation of observations for
// a single mac. The monitor loop produces and owns it; the persistence
// scorer and behavioral classifier consume it.
type DeviceHistory struct {
	MAC            Identifier
	Observations   []Observation
	FirstSeenUnix  int64
	LastSeenUnix   int64
	Type           DeviceType

	// Rolling aggregates, maintained incrementally as observations are
	// appended (see Append).
	MinSignalDBM  int
	MaxSignalDBM  int
	SumSignalDBM  int64
	MinSpeed      float64
	MaxSpeed      float64
	SumSpeed      float64
	speedSamples  int
	UniqueChannels map[int]struct{}

	// LocationIDs is the set of distinct clustered locations (see
	// Appearance.LocationID) the device has been recorded at. Populated
	// by the caller (the monitor loop's clusterer, the analyzer's
	// location sessions, or the Device History Store); it is not derived
	// from Observations alone.
	LocationIDs map[string]struct{}
}

// NewDeviceHistory returns an empty history for mac.
func NewDeviceHistory(mac Identifier, t DeviceType) DeviceHistory {
	return DeviceHistory{
		MAC:            mac,
		Type:           t,
		UniqueChannels: make(map[int]struct{}),
		LocationIDs:    make(map[string]struct{}),
	}
}

// Append records a new observation and updates the rolling aggregates.
// Appends are expected in non-decreasing TimestampUnix order.
func (h *DeviceHistory) Append(obs Observation) {
	if len(h.Observations) == 0 {
		h.FirstSeenUnix = obs.TimestampUnix
		h.MinSignalDBM = obs.SignalDBM
		h.MaxSignalDBM = obs.SignalDBM
	} else {
		if obs.SignalDBM < h.MinSignalDBM {
			h.MinSignalDBM = obs.SignalDBM
		}
		if obs.SignalDBM > h.MaxSignalDBM {
			h.MaxSignalDBM = obs.SignalDBM
		}
	}
	h.SumSignalDBM += int64(obs.SignalDBM)
	h.LastSeenUnix = obs.TimestampUnix

	if obs.Location != nil {
		if h.speedSamples == 0 {
			h.MinSpeed = obs.Location.Speed
			h.MaxSpeed = obs.Location.Speed
		} else {
			if obs.Location.Speed < h.MinSpeed {
				h.MinSpeed = obs.Location.Speed
			}
			if obs.Location.Speed > h.MaxSpeed {
				h.MaxSpeed = obs.Location.Speed
			}
		}
		h.SumSpeed += obs.Location.Speed
		h.speedSamples++
	}

	if h.UniqueChannels == nil {
		h.UniqueChannels = make(map[int]struct{})
	}
	if obs.Channel != 0 {
		h.UniqueChannels[obs.Channel] = struct{}{}
	}

	h.Observations = append(h.Observations, obs)
}

// AppearanceCount returns the number of recorded observations.
func (h DeviceHistory) AppearanceCount() int { return len(h.Observations) }

// HasAssociation reports whether any observation carries an associated
// BSSID.
func (h DeviceHistory) HasAssociation() bool {
	for _, o := range h.Observations {
		if o.AssociatedBSSID != "" {
			return true
		}
	}
	return false
}

// DurationSeconds returns last-seen minus first-seen.
func (h DeviceHistory) DurationSeconds() int64 {
	return h.LastSeenUnix - h.FirstSeenUnix
}
