// Package simulation projects contamination risk forward in discrete steps.
// Each step either re-scores an account on a fresh fraud signal or lets its
// risk decay. Nothing is persisted.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/risk"
	"github.com/mbd888/contagion/internal/traces"
)

// Values of DefaultParams.
const (
	DefaultSteps             = 10
	DefaultDecayRate         = 0.1
	DefaultSignalProbability = 0.2
	DefaultDriftThreshold    = 0.6
	DefaultSeed              = 42

	// MaxSteps bounds a single run.
	MaxSteps = 1000
)

// Signal drift jump, sampled uniformly.
const (
	jumpMin = 0.2
	jumpMax = 0.6
)

var ErrInvalidParams = errors.New("invalid simulation parameters")

// Baseline is the starting point of one simulated account. Simulate looks up
// a nil HopDistance; Run treats it as unreachable. A nil Risk0 is computed.
type Baseline struct {
	AccountID   string   `json:"accountId"`
	HopDistance *int     `json:"hopDistance,omitempty"`
	BaseDrift   float64  `json:"baseDrift"`
	Risk0       *float64 `json:"risk0,omitempty"`
}

// Params configures a run. Start from DefaultParams; zero values are taken
// literally.
type Params struct {
	Steps             int        `json:"steps"`
	DecayRate         float64    `json:"decayRate"`
	SignalProbability float64    `json:"signalProbability"`
	DriftThreshold    float64    `json:"driftThreshold"`
	Accounts          []Baseline `json:"accounts,omitempty"`
	Seed              uint64     `json:"seed"`
	// Rand overrides Seed when set.
	Rand *rand.Rand `json:"-"`
}

// DefaultParams returns the parameters of a standard ten-step run.
func DefaultParams() Params {
	return Params{
		Steps:             DefaultSteps,
		DecayRate:         DefaultDecayRate,
		SignalProbability: DefaultSignalProbability,
		DriftThreshold:    DefaultDriftThreshold,
		Seed:              DefaultSeed,
	}
}

// Validate reports whether p describes a runnable simulation.
func (p Params) Validate() error {
	switch {
	case p.Steps < 0 || p.Steps > MaxSteps:
		return fmt.Errorf("%w: steps must be in [0,%d]", ErrInvalidParams, MaxSteps)
	case p.DecayRate < 0 || p.DecayRate > 1:
		return fmt.Errorf("%w: decay rate must be in [0,1]", ErrInvalidParams)
	case p.SignalProbability < 0 || p.SignalProbability > 1:
		return fmt.Errorf("%w: signal probability must be in [0,1]", ErrInvalidParams)
	case p.DriftThreshold < 0:
		return fmt.Errorf("%w: drift threshold must not be negative", ErrInvalidParams)
	}
	return nil
}

// StepRecord is one account at one step.
type StepRecord struct {
	AccountID string     `json:"accountId"`
	Step      int        `json:"step"`
	RiskScore float64    `json:"riskScore"`
	Zone      graph.Zone `json:"zone"`
	BaseDrift float64    `json:"driftScore"`
	Signal    bool       `json:"signal"`
}

// StepAverage is the mean risk across accounts at one step.
type StepAverage struct {
	Step      int     `json:"step"`
	RiskScore float64 `json:"riskScore"`
}

// Simulator runs temporal risk simulations against a graph store.
type Simulator struct {
	store  graph.Store
	scorer *risk.Scorer
	logger *slog.Logger
}

// NewSimulator creates a simulator. The scorer supplies hop distances and
// the contamination model.
func NewSimulator(store graph.Store, scorer *risk.Scorer, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{store: store, scorer: scorer, logger: logger}
}

// Simulate runs p. Without explicit accounts every non-fraud account is
// simulated from its stored drift. Output is ordered by account, then step,
// and is identical for identical seeds, accounts and parameters.
func (s *Simulator) Simulate(ctx context.Context, p Params) ([]StepRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "simulation.Simulate")
	defer span.End()

	accounts := p.Accounts
	if accounts == nil {
		all, err := s.store.ListNonFraudAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		accounts = make([]Baseline, len(all))
		for i, a := range all {
			accounts[i] = Baseline{AccountID: a.AccountID, BaseDrift: a.DriftScore}
		}
	}

	cfg := s.scorer.Config()
	resolved := make([]Baseline, len(accounts))
	for i, b := range accounts {
		if b.HopDistance == nil {
			hop, err := s.scorer.HopDistance(ctx, b.AccountID)
			if err != nil {
				return nil, err
			}
			b.HopDistance = hop
		}
		resolved[i] = b
	}

	rnd := p.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(p.Seed, p.Seed))
	}
	out := Run(cfg, resolved, p.Steps, p.DecayRate, p.SignalProbability, p.DriftThreshold, rnd)

	metrics.SimulationsTotal.Inc()
	span.SetAttributes(traces.Count("accounts", len(resolved)), traces.Count("steps", p.Steps))
	s.logger.Debug("simulation complete",
		"accounts", len(resolved),
		"steps", p.Steps,
		"records", len(out),
		"duration", time.Since(start),
	)
	return out, nil
}

// Run is the pure simulation loop. Accounts are processed in order and
// random draws are consumed in a fixed order, so a given source yields a
// reproducible sequence.
func Run(cfg risk.Config, accounts []Baseline, steps int, decay, signalProb, threshold float64, rnd *rand.Rand) []StepRecord {
	out := make([]StepRecord, 0, len(accounts)*(steps+1))
	for _, acct := range accounts {
		base := acct.BaseDrift
		prev := risk.Contamination(cfg, acct.HopDistance, base)
		if acct.Risk0 != nil {
			prev = risk.Round4(risk.Clamp01(*acct.Risk0))
		}
		out = append(out, StepRecord{
			AccountID: acct.AccountID,
			Step:      0,
			RiskScore: prev,
			Zone:      risk.ClassifyZone(cfg, prev),
			BaseDrift: base,
			Signal:    true,
		})

		for t := 1; t <= steps; t++ {
			// short-circuit: no draw is consumed when the baseline already signals
			signal := base >= threshold || rnd.Float64() < signalProb
			var r float64
			if signal {
				jump := jumpMin + (jumpMax-jumpMin)*rnd.Float64()
				d := max(base, min(1, base+jump))
				r = risk.Contamination(cfg, acct.HopDistance, d)
			} else {
				r = prev * (1 - decay)
			}
			r = risk.Round4(risk.Clamp01(r))
			out = append(out, StepRecord{
				AccountID: acct.AccountID,
				Step:      t,
				RiskScore: r,
				Zone:      risk.ClassifyZone(cfg, r),
				BaseDrift: base,
				Signal:    signal,
			})
			prev = r
		}
	}
	return out
}

// StepAverages returns the mean risk per step, in step order.
func StepAverages(records []StepRecord) []StepAverage {
	if len(records) == 0 {
		return nil
	}
	maxStep := 0
	for _, r := range records {
		maxStep = max(maxStep, r.Step)
	}
	sums := make([]float64, maxStep+1)
	counts := make([]int, maxStep+1)
	for _, r := range records {
		sums[r.Step] += r.RiskScore
		counts[r.Step]++
	}
	out := make([]StepAverage, 0, len(sums))
	for step, sum := range sums {
		if counts[step] == 0 {
			continue
		}
		out = append(out, StepAverage{Step: step, RiskScore: risk.Round4(sum / float64(counts[step]))})
	}
	return out
}

// SampleAccounts returns up to n distinct account IDs in first-seen order.
func SampleAccounts(records []StepRecord, n int) []string {
	if n <= 0 {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, r := range records {
		if seen[r.AccountID] {
			continue
		}
		seen[r.AccountID] = true
		ids = append(ids, r.AccountID)
		if len(ids) == n {
			break
		}
	}
	return ids
}
