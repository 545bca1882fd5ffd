// Package scoring turns a device's accumulated history into a
// persistence score and level. The score is a normalized weighted sum
// of five signals: how often the device shows up across ticks, how many
// windows hold it right now, how many distinct places it has been seen,
// how many times it has appeared, and how frequently.
package scoring

import (
	"fmt"
	"math"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// Weights holds the per-signal weights. They must sum to 1.0;
// construction panics otherwise since a bad weight table is a
// programming bug, not runtime input.
type Weights struct {
	Temporal            float64
	WindowCoverage      float64
	LocationDiversity   float64
	AppearanceCount     float64
	AppearanceFrequency float64
}

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return Weights{
		Temporal:            0.30,
		WindowCoverage:      0.20,
		LocationDiversity:   0.25,
		AppearanceCount:     0.15,
		AppearanceFrequency: 0.10,
	}
}

// Validate panics if the weights do not sum to 1.0.
func (w Weights) Validate() {
	sum := w.Temporal + w.WindowCoverage + w.LocationDiversity + w.AppearanceCount + w.AppearanceFrequency
	if math.Abs(sum-1.0) > 1e-9 {
		panic(fmt.Sprintf("scoring: invariant violation: weights sum to %v, want 1.0", sum))
	}
}

// Config tunes the scorer's saturation points.
type Config struct {
	MinAppearances               int
	MinLocations                 int
	AppearanceFrequencyThreshold float64 // appearances per hour
	WindowCount                  int
	Thresholds                   domain.PersistenceThresholds
}

// DefaultConfig returns the stock scorer configuration.
func DefaultConfig() Config {
	return Config{
		MinAppearances:               3,
		MinLocations:                 3,
		AppearanceFrequencyThreshold: 0.5,
		WindowCount:                  4,
		Thresholds:                   domain.DefaultPersistenceThresholds(),
	}
}

// Scorer computes persistence scores.
type Scorer struct {
	weights Weights
	cfg     Config
}

// NewScorer validates weights and thresholds and returns a scorer.
func NewScorer(weights Weights, cfg Config) *Scorer {
	weights.Validate()
	cfg.Thresholds.Validate()
	if cfg.WindowCount <= 0 {
		cfg.WindowCount = 4
	}
	return &Scorer{weights: weights, cfg: cfg}
}

// Score computes the weighted persistence score for history.
// windowCoverage is how many windows currently hold the mac;
// ticksInSession is how many ticks the session has run. Devices with
// fewer than MinAppearances observations are forced to LOW regardless of
// their weighted score.
func (s *Scorer) Score(history domain.DeviceHistory, windowCoverage int, ticksInSession int) domain.PersistenceResult {
	apps := history.AppearanceCount()

	temporal := 0.0
	if ticksInSession > 0 {
		temporal = clamp01(float64(apps) / float64(ticksInSession))
	}

	coverage := clamp01(float64(windowCoverage) / float64(s.cfg.WindowCount))

	diversity := 0.0
	if s.cfg.MinLocations > 0 {
		diversity = clamp01(float64(len(history.LocationIDs)) / float64(s.cfg.MinLocations))
	}

	count := 0.0
	if s.cfg.MinAppearances > 0 {
		count = clamp01(float64(apps) / float64(s.cfg.MinAppearances))
	}

	frequency := 0.0
	if apps > 0 && s.cfg.AppearanceFrequencyThreshold > 0 {
		hours := float64(history.DurationSeconds()) / 3600.0
		if hours < 1.0/60.0 {
			hours = 1.0 / 60.0
		}
		frequency = clamp01((float64(apps) / hours) / s.cfg.AppearanceFrequencyThreshold)
	}

	score := s.weights.Temporal*temporal +
		s.weights.WindowCoverage*coverage +
		s.weights.LocationDiversity*diversity +
		s.weights.AppearanceCount*count +
		s.weights.AppearanceFrequency*frequency
	score = clamp01(score)

	level := s.cfg.Thresholds.Level(score)
	if apps < s.cfg.MinAppearances {
		level = domain.LevelLow
	}

	return domain.PersistenceResult{MAC: history.MAC, Score: score, Level: level}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
