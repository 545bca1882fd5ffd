package scoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

func historyWith(mac domain.Identifier, timestamps []int64, locationIDs ...string) domain.DeviceHistory {
	h := domain.NewDeviceHistory(mac, domain.DeviceWifiClient)
	for _, ts := range timestamps {
		h.Append(domain.Observation{TimestampUnix: ts, SignalDBM: -60})
	}
	for _, id := range locationIDs {
		h.LocationIDs[id] = struct{}{}
	}
	return h
}

func stamps(start int64, interval int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*interval
	}
	return out
}

func TestScoreIsBounded(t *testing.T) {
	s := NewScorer(DefaultWeights(), DefaultConfig())

	cases := []domain.DeviceHistory{
		historyWith("AA:BB:CC:DD:EE:01", nil),
		historyWith("AA:BB:CC:DD:EE:02", stamps(1_700_000_000, 60, 1)),
		historyWith("AA:BB:CC:DD:EE:03", stamps(1_700_000_000, 10, 500), "a", "b", "c", "d", "e"),
	}
	for i, h := range cases {
		for _, coverage := range []int{0, 2, 4} {
			for _, ticks := range []int{0, 1, 100} {
				r := s.Score(h, coverage, ticks)
				assert.GreaterOrEqual(t, r.Score, 0.0, "case %d", i)
				assert.LessOrEqual(t, r.Score, 1.0, "case %d", i)
			}
		}
	}
}

func TestBelowMinAppearancesForcesLow(t *testing.T) {
	s := NewScorer(DefaultWeights(), DefaultConfig())

	// Two appearances with every other signal saturated.
	h := historyWith("AA:BB:CC:DD:EE:FF", stamps(1_700_000_000, 30, 2), "a", "b", "c")
	r := s.Score(h, 4, 2)
	assert.Equal(t, domain.LevelLow, r.Level)
}

func TestSaturatedSignalsScoreCritical(t *testing.T) {
	s := NewScorer(DefaultWeights(), DefaultConfig())

	// Appeared every tick, in all windows, three locations, high rate.
	h := historyWith("AA:BB:CC:DD:EE:FF", stamps(1_700_000_000, 60, 40), "a", "b", "c")
	r := s.Score(h, 4, 40)
	assert.InDelta(t, 1.0, r.Score, 1e-9)
	assert.Equal(t, domain.LevelCritical, r.Level)
}

func TestZeroLocationsScoresZeroDiversity(t *testing.T) {
	weights := Weights{LocationDiversity: 1.0}
	// A diversity-only weight table isolates the signal.
	s := NewScorer(normalize(weights), DefaultConfig())

	h := historyWith("AA:BB:CC:DD:EE:FF", stamps(1_700_000_000, 60, 5))
	r := s.Score(h, 0, 5)
	assert.InDelta(t, 0.0, r.Score, 1e-9)
}

// normalize pads a partial weight table so it sums to 1.0 by scaling.
func normalize(w Weights) Weights {
	sum := w.Temporal + w.WindowCoverage + w.LocationDiversity + w.AppearanceCount + w.AppearanceFrequency
	return Weights{
		Temporal:            w.Temporal / sum,
		WindowCoverage:      w.WindowCoverage / sum,
		LocationDiversity:   w.LocationDiversity / sum,
		AppearanceCount:     w.AppearanceCount / sum,
		AppearanceFrequency: w.AppearanceFrequency / sum,
	}
}

func TestLevelThresholds(t *testing.T) {
	th := domain.DefaultPersistenceThresholds()
	cases := []struct {
		score float64
		want  domain.PersistenceLevel
	}{
		{0.0, domain.LevelLow},
		{0.39, domain.LevelLow},
		{0.4, domain.LevelMedium},
		{0.6, domain.LevelHigh},
		{0.79, domain.LevelHigh},
		{0.8, domain.LevelCritical},
		{1.0, domain.LevelCritical},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%.2f", tc.score), func(t *testing.T) {
			assert.Equal(t, tc.want, th.Level(tc.score))
		})
	}
}

func TestInvalidWeightsPanic(t *testing.T) {
	bad := DefaultWeights()
	bad.Temporal = 0.9
	require.Panics(t, func() { NewScorer(bad, DefaultConfig()) })
}

func TestInvalidThresholdsPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = domain.PersistenceThresholds{Medium: 0.9, High: 0.5, Critical: 0.8}
	require.Panics(t, func() { NewScorer(DefaultWeights(), cfg) })
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, domain.LevelLow < domain.LevelMedium)
	assert.True(t, domain.LevelMedium < domain.LevelHigh)
	assert.True(t, domain.LevelHigh < domain.LevelCritical)
}
