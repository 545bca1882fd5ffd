package behavioral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
)

const droneMAC = domain.Identifier("60:60:1F:AA:BB:CC")

func TestEmptyHistoryScoresZero(t *testing.T) {
	c := NewClassifier(3)
	r := c.Classify(domain.NewDeviceHistory(droneMAC, domain.DeviceWifiClient), ports.ClassifierInputs{})
	assert.Zero(t, r.Confidence)
	assert.Empty(t, r.TriggeredSignals)
}

func TestSparseHistoryGated(t *testing.T) {
	c := NewClassifier(3)
	h := domain.NewDeviceHistory(droneMAC, domain.DeviceWifiClient)
	h.Append(domain.Observation{TimestampUnix: 1_700_000_000, SignalDBM: -40})
	h.Append(domain.Observation{TimestampUnix: 1_700_000_010, SignalDBM: -80})

	r := c.Classify(h, ports.ClassifierInputs{ProbesPerMinute: 50})
	assert.Zero(t, r.Confidence)
}

// A synthetic drone: fast, wide signal swing, four channels, chatty
// probes, never associated. Confidence lands well past the alert line.
func TestSyntheticDroneFlight(t *testing.T) {
	c := NewClassifier(3)
	h := domain.NewDeviceHistory(droneMAC, domain.DeviceWifiClient)

	start := int64(1_700_000_000)
	channels := []int{1, 6, 11, 36}
	for i := 0; i < 15; i++ {
		sig := -70
		if i%2 == 0 {
			sig = -30 // 40 dBm swing
		}
		h.Append(domain.Observation{
			TimestampUnix: start + int64(i*32), // 15 observations over 8 minutes
			SignalDBM:     sig,
			Channel:       channels[i%4],
			Location:      &domain.Location{Lat: 40.0 + float64(i)*0.001, Lon: -74.0, Speed: 25.0},
		})
	}

	r := c.Classify(h, ports.ClassifierInputs{ProbesPerMinute: 12})
	assert.GreaterOrEqual(t, r.Confidence, 0.70)
	assert.Contains(t, r.TriggeredSignals, "high_mobility")
	assert.Contains(t, r.TriggeredSignals, "signal_variance")
	assert.Contains(t, r.TriggeredSignals, "channel_hopping")
	assert.Contains(t, r.TriggeredSignals, "probe_frequency")
	assert.Contains(t, r.TriggeredSignals, "no_association")
}

// All nine signals firing at once sums to exactly 1.0.
func TestAllSignalsTriggeredIsFullConfidence(t *testing.T) {
	c := NewClassifier(3)
	h := domain.NewDeviceHistory(droneMAC, domain.DeviceWifiAp)

	start := int64(1_700_000_000)
	channels := []int{1, 6, 11}
	for i := 0; i < 5; i++ {
		sig := -75
		if i%2 == 0 {
			sig = -40
		}
		h.Append(domain.Observation{
			TimestampUnix: start + int64(i*20), // 80 seconds total: brief, and long enough to hover
			SignalDBM:     sig,
			Channel:       channels[i%3],
			Location:      &domain.Location{Lat: 40.0, Lon: -74.0, Speed: 20.0}, // stationary fixes, high reported speed
		})
	}

	r := c.Classify(h, ports.ClassifierInputs{ProbesPerMinute: 15, IsAP: true, AssociatedClientCount: 0})
	require.Len(t, r.TriggeredSignals, 9)
	assert.InDelta(t, 1.0, r.Confidence, 1e-9)
}

func TestNoClientsOnlyCountsForAPs(t *testing.T) {
	c := NewClassifierWithSignals(1, []Signal{&NoClientsSignal{W: 1.0}})

	ap := domain.NewDeviceHistory("AA:BB:CC:DD:EE:01", domain.DeviceWifiAp)
	ap.Append(domain.Observation{TimestampUnix: 1_700_000_000})
	r := c.Classify(ap, ports.ClassifierInputs{IsAP: true, AssociatedClientCount: 0})
	assert.InDelta(t, 1.0, r.Confidence, 1e-9)

	// An AP with an observed associated client does not fire.
	r = c.Classify(ap, ports.ClassifierInputs{IsAP: true, AssociatedClientCount: 2})
	assert.Zero(t, r.Confidence)

	client := domain.NewDeviceHistory("AA:BB:CC:DD:EE:02", domain.DeviceWifiClient)
	client.Append(domain.Observation{TimestampUnix: 1_700_000_000})
	r = c.Classify(client, ports.ClassifierInputs{IsAP: false, AssociatedClientCount: 0})
	assert.Zero(t, r.Confidence)
}

func TestAssociationSuppressesNoAssociationSignal(t *testing.T) {
	c := NewClassifierWithSignals(1, []Signal{&NoAssociationSignal{W: 1.0}})

	h := domain.NewDeviceHistory("AA:BB:CC:DD:EE:01", domain.DeviceWifiClient)
	h.Append(domain.Observation{TimestampUnix: 1_700_000_000, AssociatedBSSID: "11:22:33:44:55:66"})
	r := c.Classify(h, ports.ClassifierInputs{})
	assert.Zero(t, r.Confidence)
}

func TestHoveringRequiresDwellTime(t *testing.T) {
	sig := &HoveringSignal{W: 1.0}

	h := domain.NewDeviceHistory("AA:BB:CC:DD:EE:01", domain.DeviceWifiClient)
	h.Append(domain.Observation{TimestampUnix: 1_700_000_000, Location: &domain.Location{Lat: 40.0, Lon: -74.0}})
	h.Append(domain.Observation{TimestampUnix: 1_700_000_030, Location: &domain.Location{Lat: 40.0, Lon: -74.0}})
	assert.False(t, sig.Triggered(h, ports.ClassifierInputs{}), "thirty seconds is not hovering")

	h.Append(domain.Observation{TimestampUnix: 1_700_000_090, Location: &domain.Location{Lat: 40.0001, Lon: -74.0}})
	assert.True(t, sig.Triggered(h, ports.ClassifierInputs{}))

	// A fix well outside the radius breaks the pattern.
	h.Append(domain.Observation{TimestampUnix: 1_700_000_120, Location: &domain.Location{Lat: 40.01, Lon: -74.0}})
	assert.False(t, sig.Triggered(h, ports.ClassifierInputs{}))
}

func TestBadWeightTablePanics(t *testing.T) {
	require.Panics(t, func() {
		NewClassifierWithSignals(3, []Signal{&HighMobilitySignal{W: 0.5}})
	})
}
