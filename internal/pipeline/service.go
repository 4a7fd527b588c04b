// Package pipeline ties the scoring components together: the real-time
// transaction path and the batch run that rebuilds fingerprints and then
// rescores every account.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/contagion/internal/drift"
	"github.com/mbd888/contagion/internal/fingerprint"
	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/idgen"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/risk"
	"github.com/mbd888/contagion/internal/syncutil"
	"github.com/mbd888/contagion/internal/traces"
)

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrPipelineRunning    = errors.New("pipeline already running")
)

// Notifier receives scoring events. realtime.Hub and webhooks.Emitter
// implement it.
type Notifier interface {
	PublishRiskUpdate(accountID string, state graph.RiskState, previous graph.Zone)
	PublishPipelineCompleted(summary map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) PublishRiskUpdate(string, graph.RiskState, graph.Zone) {}
func (nopNotifier) PublishPipelineCompleted(map[string]any)               {}

// Notifiers fans every event out to each member in order.
type Notifiers []Notifier

func (ns Notifiers) PublishRiskUpdate(accountID string, state graph.RiskState, previous graph.Zone) {
	for _, n := range ns {
		n.PublishRiskUpdate(accountID, state, previous)
	}
}

func (ns Notifiers) PublishPipelineCompleted(summary map[string]any) {
	for _, n := range ns {
		n.PublishPipelineCompleted(summary)
	}
}

// TransactionRequest is an incoming transfer to score.
type TransactionRequest struct {
	SenderID   string  `json:"senderId"`
	ReceiverID string  `json:"receiverId"`
	Amount     float64 `json:"amount"`
	// Hour is the local hour of day, 0-23. Out-of-range values score as
	// a neutral time component.
	Hour int `json:"hour"`
}

func (r TransactionRequest) validate() error {
	switch {
	case r.SenderID == "" || r.ReceiverID == "":
		return fmt.Errorf("%w: senderId and receiverId are required", ErrInvalidTransaction)
	case r.SenderID == r.ReceiverID:
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidTransaction)
	case math.IsNaN(r.Amount) || math.IsInf(r.Amount, 0) || r.Amount < 0:
		return fmt.Errorf("%w: amount must be a non-negative number", ErrInvalidTransaction)
	}
	return nil
}

// TransactionResult is the sender's risk after a transaction.
type TransactionResult struct {
	TransactionID      string     `json:"transactionId"`
	SenderID           string     `json:"senderId"`
	ReceiverID         string     `json:"receiverId"`
	Amount             float64    `json:"amount"`
	RecentCount        int        `json:"recentCount"`
	DriftScore         float64    `json:"driftScore"`
	ContaminationScore float64    `json:"riskScore"`
	Zone               graph.Zone `json:"zone"`
	PreviousZone       graph.Zone `json:"previousZone"`
	HopDistance        *int       `json:"hopDistance"`
	ProcessedAt        time.Time  `json:"processedAt"`
}

// ZoneChanged reports whether the transaction moved the sender between zones.
func (r *TransactionResult) ZoneChanged() bool {
	return r.PreviousZone != r.Zone
}

// RunReport summarizes one full pipeline run.
type RunReport struct {
	ID           string              `json:"id"`
	Trigger      string              `json:"trigger"`
	StartedAt    time.Time           `json:"startedAt"`
	Duration     time.Duration       `json:"duration"`
	Fingerprints *fingerprint.Report `json:"fingerprints"`
	Pass         *risk.PassReport    `json:"contamination"`
	Error        string              `json:"error,omitempty"`
}

// Service runs the scoring pipeline against one graph store.
type Service struct {
	store        graph.Store
	fingerprints *fingerprint.Builder
	drift        *drift.Scorer
	risk         *risk.Scorer
	locks        *syncutil.KeyedMutex
	notifier     Notifier
	logger       *slog.Logger
	loc          *time.Location
	now          func() time.Time

	running  atomic.Bool
	inflight sync.WaitGroup
	mu       sync.RWMutex
	lastRun  *RunReport
}

// NewService wires the components. A nil logger falls back to slog.Default.
func NewService(store graph.Store, fb *fingerprint.Builder, ds *drift.Scorer, rs *risk.Scorer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		fingerprints: fb,
		drift:        ds,
		risk:         rs,
		locks:        locksOf(rs),
		notifier:     nopNotifier{},
		logger:       logger,
		loc:          time.Local,
		now:          time.Now,
	}
}

// WithNotifier publishes risk and pipeline events to n.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithLocation sets the time zone that defines "today" for velocity.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// Scorer exposes the contamination scorer for read-only callers.
func (s *Service) Scorer() *risk.Scorer { return s.risk }

// ProcessTransaction scores a transaction for its sender: drift against the
// fingerprint, then a contamination recompute, then the transfer itself is
// recorded. Transactions from the same sender are serialized with each other
// and with the full pass. Drift and risk are written only once both are
// computed. An unknown sender or receiver returns graph.ErrAccountNotFound
// with nothing written.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	if err := req.validate(); err != nil {
		metrics.TransactionsScoredTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "pipeline.ProcessTransaction", traces.AccountID(req.SenderID))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.processLocked(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, graph.ErrAccountNotFound) {
			metrics.TransactionsScoredTotal.WithLabelValues("not_found").Inc()
		} else {
			metrics.TransactionsScoredTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.TransactionsScoredTotal.WithLabelValues("scored").Inc()
	span.SetAttributes(traces.Zone(string(res.Zone)), traces.Score("drift", res.DriftScore))
	return res, nil
}

// commit writes the new drift and, for non-fraud senders, the risk state
// computed from it. A failed risk write restores the previous drift so the
// stored pair never disagrees.
func (s *Service) commit(ctx context.Context, accountID string, fraud bool, prevDrift, d float64, state *graph.RiskState) error {
	if err := s.store.WriteDriftScore(ctx, accountID, d); err != nil {
		return fmt.Errorf("write drift score: %w", err)
	}
	if fraud {
		return nil
	}
	err := s.risk.Persist(ctx, accountID, state)
	if err == nil {
		return nil
	}
	if rerr := s.store.WriteDriftScore(context.WithoutCancel(ctx), accountID, prevDrift); rerr != nil {
		s.logger.Error("failed to restore drift after risk write failure",
			"account_id", accountID, "drift", prevDrift, "error", rerr)
	}
	return err
}

// locksOf shares the scorer's account locks so the real-time path and the
// full pass never rescore the same account at once.
func locksOf(rs *risk.Scorer) *syncutil.KeyedMutex {
	if rs == nil {
		return syncutil.NewKeyedMutex(0)
	}
	return rs.Locks()
}

func (s *Service) processLocked(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	for _, id := range []string{req.SenderID, req.ReceiverID} {
		ok, err := s.store.AccountExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check account %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrAccountNotFound, id)
		}
	}

	now := s.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	sentToday, err := s.store.CountSentSince(ctx, req.SenderID, midnight)
	if err != nil {
		return nil, fmt.Errorf("count recent transactions: %w", err)
	}
	recent := sentToday + 1

	prev, err := s.store.GetAccount(ctx, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("get sender: %w", err)
	}
	prevDrift, err := s.store.ReadDriftScore(ctx, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("read drift score: %w", err)
	}

	d, err := s.drift.Score(ctx, req.SenderID, drift.Event{
		Amount:      req.Amount,
		Hour:        req.Hour,
		RecentCount: recent,
	})
	if err != nil {
		return nil, err
	}
	// confirmed fraud stays pinned at full risk
	state := &prev.Risk
	if !prev.IsFraud {
		state, err = s.risk.Evaluate(ctx, req.SenderID, d)
		if err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, req.SenderID, prev.IsFraud, prevDrift, d, state); err != nil {
		return nil, err
	}

	tx := graph.Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixTransaction),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Timestamp:  now.UTC(),
	}
	if err := s.store.RecordTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	res := &TransactionResult{
		TransactionID:      tx.ID,
		SenderID:           req.SenderID,
		ReceiverID:         req.ReceiverID,
		Amount:             req.Amount,
		RecentCount:        recent,
		DriftScore:         d,
		ContaminationScore: state.ContaminationScore,
		Zone:               state.Zone,
		PreviousZone:       prev.Risk.Zone,
		HopDistance:        state.HopDistance,
		ProcessedAt:        now.UTC(),
	}
	if res.ZoneChanged() {
		metrics.ZoneChangesTotal.WithLabelValues(string(res.PreviousZone), string(res.Zone)).Inc()
		s.logger.Info("account zone changed",
			"account_id", req.SenderID,
			"from", res.PreviousZone,
			"to", res.Zone,
			"score", res.ContaminationScore,
		)
	}
	s.notifier.PublishRiskUpdate(req.SenderID, *state, prev.Risk.Zone)
	return res, nil
}

// RunPipeline rebuilds all fingerprints and then runs a full contamination
// pass. Only one run may be in flight; a second caller gets
// ErrPipelineRunning.
func (s *Service) RunPipeline(ctx context.Context, trigger string) (*RunReport, error) {
	if !s.acquire() {
		return nil, ErrPipelineRunning
	}
	return s.run(ctx, trigger)
}

// StartPipeline begins a run in the background and returns at once. The run
// outlives ctx cancellation but keeps its values. Wait blocks until it ends.
func (s *Service) StartPipeline(ctx context.Context, trigger string) error {
	if !s.acquire() {
		return ErrPipelineRunning
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, _ = s.run(context.WithoutCancel(ctx), trigger)
	}()
	return nil
}

// Wait blocks until background runs started by StartPipeline finish.
func (s *Service) Wait() { s.inflight.Wait() }

func (s *Service) acquire() bool {
	if !s.running.CompareAndSwap(false, true) {
		metrics.PipelineRunsTotal.WithLabelValues("skipped").Inc()
		return false
	}
	return true
}

func (s *Service) run(ctx context.Context, trigger string) (*RunReport, error) {
	defer s.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "pipeline.Run")
	defer span.End()

	report := &RunReport{
		ID:        idgen.WithPrefix(idgen.PrefixRun),
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
	}
	s.logger.Info("pipeline started", "run_id", report.ID, "trigger", trigger)

	err := s.runStages(ctx, report)
	report.Duration = s.now().Sub(report.StartedAt)
	if err != nil {
		report.Error = err.Error()
		traces.Fail(span, err)
		metrics.PipelineRunsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("pipeline failed", "run_id", report.ID, "error", err)
	} else {
		metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
		s.logger.Info("pipeline complete", "run_id", report.ID, "duration", report.Duration)
	}

	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()
	s.notifier.PublishPipelineCompleted(report.summary())
	return report, err
}

func (s *Service) runStages(ctx context.Context, report *RunReport) error {
	start := time.Now()
	fp, err := s.fingerprints.RebuildAll(ctx)
	metrics.ObserveStage("fingerprints", start)
	report.Fingerprints = fp
	if err != nil {
		return fmt.Errorf("fingerprints: %w", err)
	}

	start = time.Now()
	pass, err := s.risk.RunFullPass(ctx)
	metrics.ObserveStage("contamination", start)
	report.Pass = pass
	if err != nil {
		return fmt.Errorf("contamination pass: %w", err)
	}
	return nil
}

// Running reports whether a pipeline run is in flight.
func (s *Service) Running() bool { return s.running.Load() }

// LastRun returns the most recent completed run, or nil.
func (s *Service) LastRun() *RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (r *RunReport) summary() map[string]any {
	out := map[string]any{
		"runId":    r.ID,
		"trigger":  r.Trigger,
		"duration": r.Duration.String(),
	}
	if r.Fingerprints != nil {
		out["fingerprints"] = map[string]int{
			"computed": r.Fingerprints.Computed,
			"skipped":  r.Fingerprints.Skipped,
			"failed":   r.Fingerprints.Failed,
		}
	}
	if r.Pass != nil {
		zones := make(map[string]int, len(r.Pass.Zones))
		for z, n := range r.Pass.Zones {
			zones[string(z)] = n
		}
		out["zones"] = zones
		out["failed"] = r.Pass.Failed
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}
