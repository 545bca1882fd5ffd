// Package behavioral classifies drone-like devices from their RF and
// kinematic behavior. Nine weighted boolean signals vote; the classifier
// output is the sum of the triggered weights.
package behavioral

import (
	"fmt"
	"math"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
	"github.com/swamppop/chasingyourtail/internal/core/ports"
)

// Classifier runs the registered signals over a device history.
type Classifier struct {
	signals        []Signal
	minAppearances int
}

// NewClassifier returns a classifier with the stock signal set. The
// signal weights must sum to 1.0; construction panics otherwise.
func NewClassifier(minAppearances int) *Classifier {
	c := &Classifier{minAppearances: minAppearances}
	c.signals = []Signal{
		&HighMobilitySignal{W: 0.15},
		&SignalVarianceSignal{W: 0.10},
		&HoveringSignal{W: 0.12},
		&BriefAppearanceSignal{W: 0.08},
		&NoAssociationSignal{W: 0.15},
		&HighSignalSignal{W: 0.10},
		&ProbeFrequencySignal{W: 0.10},
		&ChannelHoppingSignal{W: 0.10},
		&NoClientsSignal{W: 0.10},
	}
	c.validateWeights()
	return c
}

// NewClassifierWithSignals builds a classifier over a custom signal set.
func NewClassifierWithSignals(minAppearances int, signals []Signal) *Classifier {
	c := &Classifier{minAppearances: minAppearances, signals: signals}
	c.validateWeights()
	return c
}

func (c *Classifier) validateWeights() {
	sum := 0.0
	for _, s := range c.signals {
		sum += s.Weight()
	}
	if math.Abs(sum-1.0) > 1e-9 {
		panic(fmt.Sprintf("behavioral: invariant violation: signal weights sum to %v, want 1.0", sum))
	}
}

// Classify sums the weights of the triggered signals. Histories with
// fewer than the minimum observation count return zero confidence —
// sparse histories trip too many signals by accident.
func (c *Classifier) Classify(history domain.DeviceHistory, inputs ports.ClassifierInputs) domain.BehavioralResult {
	result := domain.BehavioralResult{MAC: history.MAC}
	if history.AppearanceCount() < c.minAppearances {
		return result
	}

	for _, s := range c.signals {
		if s.Triggered(history, inputs) {
			result.Confidence += s.Weight()
			result.TriggeredSignals = append(result.TriggeredSignals, s.Name())
		}
	}
	if result.Confidence > 1.0 {
		result.Confidence = 1.0
	}
	return result
}
