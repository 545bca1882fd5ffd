package behavioral

import (
	"time"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
	"github.com/swamppop/chasingyourtail/internal/geo"
)

// Signal is one weighted boolean pattern over a device's history.
type Signal interface {
	Name() string
	Weight() float64
	Triggered(history domain.DeviceHistory, inputs ports.ClassifierInputs) bool
}

// HighMobilitySignal fires on device speeds beyond what pedestrians and
// most ground vehicles in range produce.
type HighMobilitySignal struct{ W float64 }

func (s *HighMobilitySignal) Name() string    { return "high_mobility" }
func (s *HighMobilitySignal) Weight() float64 { return s.W }
func (s *HighMobilitySignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	return h.MaxSpeed > 15.0
}

// SignalVarianceSignal fires on a wide spread between strongest and
// weakest observed signal.
//
// A stationary phone in a pocket can swing past 20 dBm in some capture
// environments; the threshold is the historical default and may need
// per-site calibration.
type SignalVarianceSignal struct{ W float64 }

func (s *SignalVarianceSignal) Name() string    { return "signal_variance" }
func (s *SignalVarianceSignal) Weight() float64 { return s.W }
func (s *SignalVarianceSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	if h.AppearanceCount() == 0 {
		return false
	}
	return h.MaxSignalDBM-h.MinSignalDBM > 20
}

// HoveringSignal fires when every GPS fix stays inside a 50 m radius
// for at least a minute — station-keeping, not walking.
type HoveringSignal struct{ W float64 }

func (s *HoveringSignal) Name() string    { return "hovering" }
func (s *HoveringSignal) Weight() float64 { return s.W }
func (s *HoveringSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	var fixes []geo.Location
	var firstTS, lastTS int64
	for _, o := range h.Observations {
		if o.Location == nil {
			continue
		}
		if len(fixes) == 0 {
			firstTS = o.TimestampUnix
		}
		lastTS = o.TimestampUnix
		fixes = append(fixes, geo.Location{Latitude: o.Location.Lat, Longitude: o.Location.Lon})
	}
	if len(fixes) < 2 || lastTS-firstTS < 60 {
		return false
	}

	var sumLat, sumLon float64
	for _, f := range fixes {
		sumLat += f.Latitude
		sumLon += f.Longitude
	}
	centroid := geo.Location{Latitude: sumLat / float64(len(fixes)), Longitude: sumLon / float64(len(fixes))}
	for _, f := range fixes {
		if geo.Haversine(centroid, f) > 50.0 {
			return false
		}
	}
	return true
}

// BriefAppearanceSignal fires on devices seen for under five minutes
// total.
type BriefAppearanceSignal struct{ W float64 }

func (s *BriefAppearanceSignal) Name() string    { return "brief_appearance" }
func (s *BriefAppearanceSignal) Weight() float64 { return s.W }
func (s *BriefAppearanceSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	if h.AppearanceCount() == 0 {
		return false
	}
	return time.Duration(h.DurationSeconds())*time.Second < 5*time.Minute
}

// NoAssociationSignal fires when the device never associated with any
// BSSID.
type NoAssociationSignal struct{ W float64 }

func (s *NoAssociationSignal) Name() string    { return "no_association" }
func (s *NoAssociationSignal) Weight() float64 { return s.W }
func (s *NoAssociationSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	return !h.HasAssociation()
}

// HighSignalSignal fires on devices loud enough to be very close.
type HighSignalSignal struct{ W float64 }

func (s *HighSignalSignal) Name() string    { return "high_signal_strength" }
func (s *HighSignalSignal) Weight() float64 { return s.W }
func (s *HighSignalSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	if h.AppearanceCount() == 0 {
		return false
	}
	return h.MaxSignalDBM > -50
}

// ProbeFrequencySignal fires on probe chatter above ten per minute.
type ProbeFrequencySignal struct{ W float64 }

func (s *ProbeFrequencySignal) Name() string    { return "probe_frequency" }
func (s *ProbeFrequencySignal) Weight() float64 { return s.W }
func (s *ProbeFrequencySignal) Triggered(_ domain.DeviceHistory, in ports.ClassifierInputs) bool {
	return in.ProbesPerMinute > 10.0
}

// ChannelHoppingSignal fires when the device has shown up on more than
// two distinct channels.
type ChannelHoppingSignal struct{ W float64 }

func (s *ChannelHoppingSignal) Name() string    { return "channel_hopping" }
func (s *ChannelHoppingSignal) Weight() float64 { return s.W }
func (s *ChannelHoppingSignal) Triggered(h domain.DeviceHistory, _ ports.ClassifierInputs) bool {
	return len(h.UniqueChannels) > 2
}

// NoClientsSignal fires on an AP that no client has associated with.
// It only contributes for APs: for clients "no clients" is trivially
// true and would inflate confidence.
type NoClientsSignal struct{ W float64 }

func (s *NoClientsSignal) Name() string    { return "no_clients" }
func (s *NoClientsSignal) Weight() float64 { return s.W }
func (s *NoClientsSignal) Triggered(h domain.DeviceHistory, in ports.ClassifierInputs) bool {
	if h.Type != domain.DeviceWifiAp || !in.IsAP {
		return false
	}
	return in.AssociatedClientCount == 0
}
