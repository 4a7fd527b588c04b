// Package risk implements graph-contamination risk scoring.
//
// An account's risk blends two signals: structural proximity to a confirmed
// fraud account (hop distance over the transaction graph) and behavioral
// drift from its own learned profile. Risk is
//
//	min(alpha*structural(hop) + beta*drift, 1)
//
// rounded to four decimals, and maps onto the Clean / Exposed / Critical
// zones. Scores range from 0.0 (safe) to 1.0 (confirmed-fraud equivalent).
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/pagination"
)

// DriftWeights are the blend weights of the three drift components.
type DriftWeights struct {
	Time     float64 `json:"time"`
	Amount   float64 `json:"amount"`
	Velocity float64 `json:"velocity"`
}

// Config holds every tunable constant of the engine. It is a plain value:
// callers copy it, never share a pointer to a mutable one.
type Config struct {
	StructuralWeight float64 `json:"structuralWeight"` // alpha
	BehavioralWeight float64 `json:"behavioralWeight"` // beta

	// HopScores[h-1] is the structural score at hop distance h.
	HopScores [4]float64 `json:"hopScores"`
	// FarHopScore applies to any non-nil hop outside 1..4.
	FarHopScore float64 `json:"farHopScore"`

	CriticalThreshold float64 `json:"criticalThreshold"`
	ExposedThreshold  float64 `json:"exposedThreshold"`

	RecoveryLambda    float64 `json:"recoveryLambda"`
	RecoveryDriftGate float64 `json:"recoveryDriftGate"`
	RecoveryHold      float64 `json:"recoveryHold"`
	RecoveryFloor     float64 `json:"recoveryFloor"`

	// MaxPathEdges bounds the shortest-path search in relationship edges.
	MaxPathEdges int `json:"maxPathEdges"`
	MaxHops      int `json:"maxHops"`

	MinHistory     int          `json:"minHistory"`
	LookbackDays   int          `json:"lookbackDays"`
	DriftWeights   DriftWeights `json:"driftWeights"`
	ColdStartDrift float64      `json:"coldStartDrift"`
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		StructuralWeight:  0.6,
		BehavioralWeight:  0.4,
		HopScores:         [4]float64{1.0, 0.6, 0.3, 0.1},
		FarHopScore:       0.05,
		CriticalThreshold: 0.75,
		ExposedThreshold:  0.45,
		RecoveryLambda:    0.1,
		RecoveryDriftGate: 0.2,
		RecoveryHold:      0.95,
		RecoveryFloor:     0.3,
		MaxPathEdges:      8,
		MaxHops:           4,
		MinHistory:        3,
		LookbackDays:      90,
		DriftWeights:      DriftWeights{Time: 0.3, Amount: 0.4, Velocity: 0.3},
		ColdStartDrift:    0.5,
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid risk config")

// Validate checks that the config describes a monotone score in [0,1].
func (c Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidConfig, name, v)
		}
		return nil
	}
	checks := []error{
		unit("structural weight", c.StructuralWeight),
		unit("behavioral weight", c.BehavioralWeight),
		unit("far hop score", c.FarHopScore),
		unit("critical threshold", c.CriticalThreshold),
		unit("exposed threshold", c.ExposedThreshold),
		unit("recovery drift gate", c.RecoveryDriftGate),
		unit("recovery hold", c.RecoveryHold),
		unit("recovery floor", c.RecoveryFloor),
		unit("cold start drift", c.ColdStartDrift),
	}
	for i, s := range c.HopScores {
		checks = append(checks, unit(fmt.Sprintf("hop %d score", i+1), s))
		if i > 0 && s > c.HopScores[i-1] {
			checks = append(checks, fmt.Errorf("%w: hop scores must not increase with distance", ErrInvalidConfig))
		}
	}
	if err := errors.Join(checks...); err != nil {
		return err
	}
	if c.ExposedThreshold >= c.CriticalThreshold {
		return fmt.Errorf("%w: exposed threshold %v must be below critical %v",
			ErrInvalidConfig, c.ExposedThreshold, c.CriticalThreshold)
	}
	if c.RecoveryLambda < 0 {
		return fmt.Errorf("%w: recovery lambda must be >= 0", ErrInvalidConfig)
	}
	if c.MaxPathEdges < 2 || c.MaxHops < 1 {
		return fmt.Errorf("%w: path bounds must be positive", ErrInvalidConfig)
	}
	if c.MinHistory < 1 || c.LookbackDays < 7 {
		return fmt.Errorf("%w: min history must be >= 1 and lookback >= 7 days", ErrInvalidConfig)
	}
	w := c.DriftWeights
	if w.Time < 0 || w.Amount < 0 || w.Velocity < 0 || math.Abs(w.Time+w.Amount+w.Velocity-1) > 1e-9 {
		return fmt.Errorf("%w: drift weights must be non-negative and sum to 1", ErrInvalidConfig)
	}
	return nil
}

// Structural maps a hop distance onto its structural score. A nil hop (no
// fraud account reachable) scores zero.
func Structural(cfg Config, hop *int) float64 {
	if hop == nil {
		return 0
	}
	if h := *hop; h >= 1 && h <= len(cfg.HopScores) {
		return cfg.HopScores[h-1]
	}
	return cfg.FarHopScore
}

// Contamination combines structural proximity and behavioral drift into a
// risk score in [0,1], rounded to four decimals.
func Contamination(cfg Config, hop *int, drift float64) float64 {
	score := cfg.StructuralWeight*Structural(cfg, hop) + cfg.BehavioralWeight*Clamp01(drift)
	return Round4(Clamp01(score))
}

// ClassifyZone maps a risk score onto its zone. Thresholds are inclusive.
func ClassifyZone(cfg Config, score float64) graph.Zone {
	switch {
	case score >= cfg.CriticalThreshold:
		return graph.ZoneCritical
	case score >= cfg.ExposedThreshold:
		return graph.ZoneExposed
	default:
		return graph.ZoneClean
	}
}

// ApplyRecovery decays a risk score after daysClean days without incident.
// While drift stays above the gate the score is only nudged down and held
// at the recovery floor; otherwise it decays exponentially toward zero.
func ApplyRecovery(cfg Config, current, drift float64, daysClean int) float64 {
	current = Clamp01(current)
	if drift > cfg.RecoveryDriftGate {
		return Round4(math.Max(current*cfg.RecoveryHold, cfg.RecoveryFloor))
	}
	if daysClean < 0 {
		daysClean = 0
	}
	return Round4(current * math.Exp(-cfg.RecoveryLambda*float64(daysClean)))
}

// Round4 rounds to four decimal places.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Clamp01 limits v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Assessment is one audited risk evaluation of an account.
type Assessment struct {
	ID                 string             `json:"id"`
	AccountID          string             `json:"accountId"`
	HopDistance        *int               `json:"hopDistance"`
	DriftScore         float64            `json:"driftScore"`
	ContaminationScore float64            `json:"contaminationScore"`
	Zone               graph.Zone         `json:"zone"`
	Factors            map[string]float64 `json:"factors"`
	Source             string             `json:"source"`
	EvaluatedAt        time.Time          `json:"evaluatedAt"`
}

// Assessment sources.
const (
	SourceRealtime = "realtime"
	SourcePass     = "pass"
)

// HistoryStore persists assessments as an audit trail.
type HistoryStore interface {
	Record(ctx context.Context, a *Assessment) error
	// ListByAccount returns up to limit assessments ordered by
	// (EvaluatedAt, ID) descending, strictly after before when it is set.
	ListByAccount(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Assessment, error)
}
