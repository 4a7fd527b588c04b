package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/idgen"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/pagination"
	"github.com/mbd888/contagion/internal/retry"
	"github.com/mbd888/contagion/internal/syncutil"
	"github.com/mbd888/contagion/internal/traces"
)

const (
	defaultWorkers  = 8
	storeAttempts   = 3
	storeRetryDelay = 50 * time.Millisecond
	historyTimeout  = 2 * time.Second
)

// Scorer computes and persists contamination risk against a graph store.
type Scorer struct {
	store   graph.Store
	history HistoryStore
	locks   *syncutil.KeyedMutex
	cfg     Config
	logger  *slog.Logger
	workers int
	now     func() time.Time
}

// NewScorer creates a scorer. A nil logger falls back to slog.Default.
func NewScorer(store graph.Store, cfg Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		store:   store,
		locks:   syncutil.NewKeyedMutex(0),
		cfg:     cfg,
		logger:  logger,
		workers: defaultWorkers,
		now:     time.Now,
	}
}

// WithHistory records every persisted risk state as an Assessment.
func (s *Scorer) WithHistory(h HistoryStore) *Scorer {
	s.history = h
	return s
}

// WithWorkers sets the fan-out of RunFullPass.
func (s *Scorer) WithWorkers(n int) *Scorer {
	if n > 0 {
		s.workers = n
	}
	return s
}

// Locks returns the per-account locks the full pass holds while rescoring.
// Real-time writers must take the same lock before touching an account.
func (s *Scorer) Locks() *syncutil.KeyedMutex { return s.locks }

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// HopDistance returns the number of transaction hops to the nearest confirmed
// fraud account, capped at MaxHops, or nil when none is within reach.
func (s *Scorer) HopDistance(ctx context.Context, accountID string) (*int, error) {
	edges, err := s.store.ShortestFraudPathLength(ctx, accountID, s.cfg.MaxPathEdges)
	if err != nil {
		return nil, fmt.Errorf("hop distance for %s: %w", accountID, err)
	}
	if edges == nil {
		return nil, nil
	}
	hop := min(graph.EdgesToHops(*edges), s.cfg.MaxHops)
	return &hop, nil
}

// Evaluate computes the risk state for an account without persisting it.
func (s *Scorer) Evaluate(ctx context.Context, accountID string, drift float64) (*graph.RiskState, error) {
	hop, err := s.HopDistance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	drift = Clamp01(drift)
	score := Contamination(s.cfg, hop, drift)
	return &graph.RiskState{
		HopDistance:        hop,
		DriftScore:         drift,
		ContaminationScore: score,
		Zone:               ClassifyZone(s.cfg, score),
		UpdatedAt:          s.now().UTC(),
	}, nil
}

// UpdateAccountRisk recomputes an account's risk from its hop distance and
// the given drift, then writes hop, score and zone in one store call.
// The caller holds the account's lock.
func (s *Scorer) UpdateAccountRisk(ctx context.Context, accountID string, drift float64) (*graph.RiskState, error) {
	state, err := s.Evaluate(ctx, accountID, drift)
	if err != nil {
		return nil, err
	}
	return state, s.persist(ctx, accountID, state, SourceRealtime)
}

// Persist writes a state produced by Evaluate and records it in the audit
// trail. The caller holds the account's lock.
func (s *Scorer) Persist(ctx context.Context, accountID string, state *graph.RiskState) error {
	return s.persist(ctx, accountID, state, SourceRealtime)
}

// rescore is one account of the full pass: under the account's lock it
// rereads the stored drift, so a real-time update that landed after the
// pass listed accounts is never overwritten with a stale score.
func (s *Scorer) rescore(ctx context.Context, accountID string) (*graph.RiskState, error) {
	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	drift, err := s.store.ReadDriftScore(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("read drift for %s: %w", accountID, err)
	}
	state, err := s.Evaluate(ctx, accountID, drift)
	if err != nil {
		return nil, err
	}
	return state, s.persist(ctx, accountID, state, SourcePass)
}

func (s *Scorer) persist(ctx context.Context, accountID string, state *graph.RiskState, source string) error {
	ctx, span := traces.StartSpan(ctx, "risk.Persist", traces.AccountID(accountID))
	defer span.End()

	if err := s.store.WriteRiskState(ctx, accountID, *state); err != nil {
		traces.Fail(span, err)
		return fmt.Errorf("write risk state for %s: %w", accountID, err)
	}
	span.SetAttributes(traces.Zone(string(state.Zone)), traces.Score("contamination", state.ContaminationScore))

	metrics.RiskUpdatesTotal.WithLabelValues(string(state.Zone)).Inc()
	metrics.ContaminationScores.Observe(state.ContaminationScore)
	s.record(ctx, accountID, state, source)
	return nil
}

// record appends to the audit trail. Failures are logged, never returned:
// the risk state is already persisted.
func (s *Scorer) record(ctx context.Context, accountID string, state *graph.RiskState, source string) {
	if s.history == nil {
		return
	}
	a := &Assessment{
		ID:                 idgen.WithPrefix(idgen.PrefixAssessment),
		AccountID:          accountID,
		HopDistance:        state.HopDistance,
		DriftScore:         state.DriftScore,
		ContaminationScore: state.ContaminationScore,
		Zone:               state.Zone,
		Factors: map[string]float64{
			"structural": Structural(s.cfg, state.HopDistance),
			"behavioral": state.DriftScore,
		},
		Source:      source,
		EvaluatedAt: state.UpdatedAt,
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := s.history.Record(hctx, a); err != nil {
		s.logger.Warn("failed to record risk assessment", "account_id", accountID, "error", err)
	}
}

// PassReport summarizes a full contamination pass. Zones counts only the
// accounts that were processed successfully.
type PassReport struct {
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Zones     map[graph.Zone]int `json:"zones"`
	Duration  time.Duration      `json:"duration"`
}

// RunFullPass rescores every non-fraud account from its stored drift, read
// under the account's lock at the moment it is rescored. Per-account failures are retried, then logged and counted; the pass
// continues. It is idempotent for an unchanged graph.
func (s *Scorer) RunFullPass(ctx context.Context) (*PassReport, error) {
	start := s.now()
	ctx, span := traces.StartSpan(ctx, "risk.RunFullPass")
	defer span.End()

	accounts, err := s.store.ListNonFraudAccounts(ctx)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &PassReport{Zones: make(map[graph.Zone]int, len(graph.Zones))}
	for _, z := range graph.Zones {
		report.Zones[z] = 0
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, acct := range accounts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var state *graph.RiskState
			err := retry.Do(gctx, storeAttempts, storeRetryDelay, func() error {
				var err error
				state, err = s.rescore(gctx, acct.AccountID)
				if errors.Is(err, graph.ErrAccountNotFound) {
					return retry.Permanent(err)
				}
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				s.logger.Warn("contamination update failed", "account_id", acct.AccountID, "error", err)
				return nil
			}
			report.Processed++
			report.Zones[state.Zone]++
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Duration = s.now().Sub(start)
	for zone, n := range report.Zones {
		metrics.ZoneAccounts.WithLabelValues(string(zone)).Set(float64(n))
	}
	span.SetAttributes(traces.Count("processed", report.Processed), traces.Count("failed", report.Failed))
	s.logger.Info("contamination pass complete",
		"processed", report.Processed,
		"failed", report.Failed,
		"critical", report.Zones[graph.ZoneCritical],
		"exposed", report.Zones[graph.ZoneExposed],
		"clean", report.Zones[graph.ZoneClean],
		"duration", report.Duration,
	)
	return report, nil
}

// History returns the most recent assessments of an account, newest first,
// resuming after before when paging.
func (s *Scorer) History(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListByAccount(ctx, accountID, limit, before)
}
