// Package drift scores how far a single transaction departs from the
// sender's learned fingerprint.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/risk"
)

// neutral is returned by a component that has no usable data.
const neutral = 0.5

// Event is the part of an incoming transaction drift looks at.
type Event struct {
	Amount float64 `json:"amount"`
	Hour   int     `json:"hour"`
	// RecentCount is the sender's transactions today, including this one.
	RecentCount int `json:"recentCount"`
}

// Components breaks a drift score into its parts.
type Components struct {
	Time     float64 `json:"time"`
	Amount   float64 `json:"amount"`
	Velocity float64 `json:"velocity"`
	Combined float64 `json:"combined"`
}

// Scorer computes drift scores against fingerprints held in a graph store.
type Scorer struct {
	store  graph.Store
	cfg    risk.Config
	logger *slog.Logger
}

// NewScorer creates a drift scorer. A nil logger falls back to slog.Default.
func NewScorer(store graph.Store, cfg risk.Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{store: store, cfg: cfg, logger: logger}
}

// Score returns the drift of ev for an account in [0,1]. An account without
// a fingerprint scores the cold-start value.
func (s *Scorer) Score(ctx context.Context, accountID string, ev Event) (float64, error) {
	fp, err := s.store.ReadFingerprint(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("read fingerprint: %w", err)
	}
	if fp == nil {
		return s.cfg.ColdStartDrift, nil
	}
	if len(fp.HourVector) != graph.HourBuckets {
		s.logger.Warn("malformed fingerprint hour vector",
			"account_id", accountID, "length", len(fp.HourVector))
	}
	c := Combine(s.cfg.DriftWeights, *fp, ev)
	metrics.DriftScores.Observe(c.Combined)
	return c.Combined, nil
}

// ScoreAndPersist scores ev and stores the result as the account's drift.
func (s *Scorer) ScoreAndPersist(ctx context.Context, accountID string, ev Event) (float64, error) {
	d, err := s.Score(ctx, accountID, ev)
	if err != nil {
		return 0, err
	}
	if err := s.store.WriteDriftScore(ctx, accountID, d); err != nil {
		return 0, fmt.Errorf("write drift score: %w", err)
	}
	return d, nil
}

// Combine blends the three components with the given weights.
func Combine(w risk.DriftWeights, fp graph.Fingerprint, ev Event) Components {
	c := Components{
		Time:     TimeDrift(fp.HourVector, ev.Hour),
		Amount:   AmountDrift(fp.AmountMean, fp.AmountStd, ev.Amount),
		Velocity: VelocityDrift(fp.DailyVelocity, ev.RecentCount),
	}
	c.Combined = risk.Round4(risk.Clamp01(w.Time*c.Time + w.Amount*c.Amount + w.Velocity*c.Velocity))
	return c
}

// TimeDrift is one minus the share of past activity in the given hour.
// A malformed vector or out-of-range hour is neutral.
func TimeDrift(hourVector []float64, hour int) float64 {
	if len(hourVector) != graph.HourBuckets || hour < 0 || hour >= graph.HourBuckets {
		return neutral
	}
	return risk.Round4(risk.Clamp01(1 - hourVector[hour]))
}

// AmountDrift is the z-score of amount against the learned distribution,
// with the spread floored at 1, scaled so that five deviations saturate.
func AmountDrift(mean, std, amount float64) float64 {
	if std < 1 || math.IsNaN(std) {
		std = 1
	}
	z := math.Abs(amount-mean) / std
	return risk.Round4(risk.Clamp01(z / 5))
}

// VelocityDrift compares today's count with the baseline daily rate.
// Accounts averaging under one transaction every two days get two free
// transactions a day.
func VelocityDrift(baselineDaily float64, recentCount int) float64 {
	if baselineDaily < 0.5 {
		if recentCount <= 2 {
			return 0
		}
		return risk.Round4(math.Min(float64(recentCount-2)/8, 1))
	}
	ratio := float64(recentCount) / baselineDaily
	return risk.Round4(risk.Clamp01((ratio - 1) / 4))
}
