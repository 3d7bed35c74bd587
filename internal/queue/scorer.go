package queue

import (
	"math"
	"time"
)

// DefaultDeadlineHorizon is the urgency normalization constant (§4.3).
const DefaultDeadlineHorizon = 24 * time.Hour

// blockFactorK is the decay constant for block_score; 0.3 per §4.3.
const blockFactorK = 0.3

// PriorityScorer is a pure function of a task and its graph neighborhood.
// It holds no state beyond the weights/horizon it was configured with.
type PriorityScorer struct {
	Weights ScoringWeights
	Horizon time.Duration
}

// NewPriorityScorer builds a scorer with the given weights and horizon,
// falling back to spec defaults for zero values.
func NewPriorityScorer(weights ScoringWeights, horizon time.Duration) *PriorityScorer {
	if horizon <= 0 {
		horizon = DefaultDeadlineHorizon
	}
	return &PriorityScorer{Weights: weights, Horizon: horizon}
}

// ScoreInput is everything the formula needs about one task.
type ScoreInput struct {
	BasePriority          float64
	DependencyDepth       int
	Deadline              *time.Time
	EstimatedDurationSec  *int64
	Source                Source
	BlockedDirectDependents int
	Now                   time.Time
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func norm(x, lo, hi float64) float64 {
	if hi == lo {
		return 0
	}
	return clamp01((x - lo) / (hi - lo))
}

func depthScore(depth int) float64 {
	return 1 - 1/(1+float64(depth))
}

func urgencyScore(deadline *time.Time, now time.Time, estimatedDurationSec *int64, horizon time.Duration) float64 {
	if deadline == nil {
		return 0
	}
	var estimated time.Duration
	if estimatedDurationSec != nil {
		estimated = time.Duration(*estimatedDurationSec) * time.Second
	}
	slack := deadline.Sub(now) - estimated
	// Tighter slack -> larger score: invert the normalized slack fraction.
	frac := clamp01(float64(slack) / float64(horizon))
	return 1 - frac
}

func blockScore(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Exp(-blockFactorK*float64(n))
}

func sourceScore(s Source) float64 {
	switch s {
	case SourceHuman:
		return 1.0
	case SourceAgentPlanner:
		return 0.7
	case SourceAgentRequirements:
		return 0.5
	case SourceAgentImplementation:
		return 0.4
	default:
		return 0
	}
}

// Score computes calculated_priority in [0,100].
func (ps *PriorityScorer) Score(in ScoreInput) float64 {
	w := ps.Weights
	score := w.Base*norm(in.BasePriority, 0, 10) +
		w.Depth*depthScore(in.DependencyDepth) +
		w.Urgency*urgencyScore(in.Deadline, in.Now, in.EstimatedDurationSec, ps.Horizon) +
		w.Block*blockScore(in.BlockedDirectDependents) +
		w.Source*sourceScore(in.Source)
	return clamp01(score) * 100
}

// AgingBonus is the additive, capped anti-starvation term applied by the
// optional periodic recompute tick (§4.3, §9.5) to tasks that have sat in
// the ready set longer than maxAge. It is recorded as a distinct component
// so it never masks the base formula: callers add it to Score's result and
// clamp to [0,100] themselves.
func AgingBonus(readySince time.Time, now time.Time, maxAge time.Duration, capPoints float64) float64 {
	if maxAge <= 0 {
		return 0
	}
	waited := now.Sub(readySince)
	if waited <= maxAge {
		return 0
	}
	over := float64(waited-maxAge) / float64(maxAge)
	bonus := clamp01(over) * capPoints
	if bonus > capPoints {
		return capPoints
	}
	return bonus
}
