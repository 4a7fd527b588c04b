// Package fingerprint learns the behavioral profile of an account from its
// recent sent transactions: when it transacts, how much, how often and with
// how many counterparties.
package fingerprint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/retry"
	"github.com/mbd888/contagion/internal/risk"
	"github.com/mbd888/contagion/internal/traces"
)

// ErrInsufficientHistory means the account sent fewer transactions in the
// lookback window than a fingerprint needs. It is a skip, not a failure.
var ErrInsufficientHistory = errors.New("insufficient transaction history")

// fallbackHour is used for transactions without a usable timestamp.
const fallbackHour = 12

// Builder computes fingerprints from a graph store.
type Builder struct {
	store   graph.Store
	cfg     risk.Config
	logger  *slog.Logger
	loc     *time.Location
	workers int
	now     func() time.Time
}

// NewBuilder creates a fingerprint builder. Hours are bucketed in local time.
func NewBuilder(store graph.Store, cfg risk.Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		loc:     time.Local,
		workers: 8,
		now:     time.Now,
	}
}

// WithLocation sets the time zone used for hour-of-day bucketing.
func (b *Builder) WithLocation(loc *time.Location) *Builder {
	if loc != nil {
		b.loc = loc
	}
	return b
}

// WithWorkers sets the fan-out of RebuildAll.
func (b *Builder) WithWorkers(n int) *Builder {
	if n > 0 {
		b.workers = n
	}
	return b
}

// Build computes the fingerprint of one account over the last lookbackDays
// days. It reads from the store and never writes.
func (b *Builder) Build(ctx context.Context, accountID string, lookbackDays int) (*graph.Fingerprint, error) {
	if lookbackDays <= 0 {
		lookbackDays = b.cfg.LookbackDays
	}
	now := b.now()
	since := now.AddDate(0, 0, -lookbackDays)

	txns, err := b.store.RecentTransactions(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}
	if len(txns) < b.cfg.MinHistory {
		return nil, fmt.Errorf("%w: %s has %d transactions, need %d",
			ErrInsufficientHistory, accountID, len(txns), b.cfg.MinHistory)
	}

	counterparties, err := b.store.CounterpartyCount(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("counterparty count: %w", err)
	}
	devices, err := b.store.DeviceCount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("device count: %w", err)
	}

	for i := range txns {
		if !txns[i].Timestamp.IsZero() {
			txns[i].Timestamp = txns[i].Timestamp.In(b.loc)
		}
	}
	fp := Compute(txns, counterparties, devices, lookbackDays, now)
	return &fp, nil
}

// Compute is the pure fingerprint math. Hours are read in each timestamp's
// own location; a zero timestamp counts as noon.
func Compute(txns []graph.Transaction, counterparties, devices, lookbackDays int, now time.Time) graph.Fingerprint {
	fp := graph.Fingerprint{
		HourVector:  make([]float64, graph.HourBuckets),
		DeviceCount: devices,
		UpdatedAt:   now.UTC(),
	}
	n := len(txns)
	if n == 0 || lookbackDays <= 0 {
		return fp
	}

	var counts [graph.HourBuckets]int
	var sum float64
	for _, tx := range txns {
		h := fallbackHour
		if !tx.Timestamp.IsZero() {
			h = tx.Timestamp.Hour()
		}
		counts[h]++
		sum += tx.Amount
	}
	for h, units := range hourUnits(counts, n) {
		fp.HourVector[h] = float64(units) / hourScale
	}

	mean := sum / float64(n)
	var sq float64
	for _, tx := range txns {
		d := tx.Amount - mean
		sq += d * d
	}
	fp.AmountMean = round(mean, 2)
	fp.AmountStd = round(math.Sqrt(sq/float64(n))+0.01, 2)
	fp.DailyVelocity = round(float64(n)/float64(lookbackDays), 4)
	fp.CounterpartyWeekly = round(float64(counterparties)/(float64(lookbackDays)/7), 2)
	return fp
}

// hourScale is the resolution of stored hour shares (4 decimal places).
const hourScale = 10000

// hourUnits apportions hourScale units across the buckets by largest
// remainder, so the shares keep 4 decimals and still sum to exactly 1.
// Ties go to the earlier hour.
func hourUnits(counts [graph.HourBuckets]int, n int) [graph.HourBuckets]int {
	var units [graph.HourBuckets]int
	var rem [graph.HourBuckets]int
	left := hourScale
	for h, c := range counts {
		units[h] = c * hourScale / n
		rem[h] = c * hourScale % n
		left -= units[h]
	}
	order := make([]int, graph.HourBuckets)
	for h := range order {
		order[h] = h
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(rem[b], rem[a]) })
	for _, h := range order[:left] {
		units[h]++
	}
	return units
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// Rebuild computes an account's fingerprint and persists it in a single
// write, replacing any previous one.
func (b *Builder) Rebuild(ctx context.Context, accountID string) (*graph.Fingerprint, error) {
	fp, err := b.Build(ctx, accountID, b.cfg.LookbackDays)
	if err != nil {
		return nil, err
	}
	if err := b.store.WriteFingerprint(ctx, accountID, *fp); err != nil {
		return nil, fmt.Errorf("write fingerprint: %w", err)
	}
	return fp, nil
}

// Report summarizes a RebuildAll pass.
type Report struct {
	Computed int           `json:"computed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// RebuildAll rebuilds the fingerprint of every account. Accounts with too
// little history are skipped; I/O failures are retried, then logged and
// counted, and the pass continues.
func (b *Builder) RebuildAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "fingerprint.RebuildAll")
	defer span.End()

	ids, err := b.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := retry.Do(gctx, 3, 50*time.Millisecond, func() error {
				_, err := b.Rebuild(gctx, id)
				if errors.Is(err, ErrInsufficientHistory) || errors.Is(err, graph.ErrAccountNotFound) {
					return retry.Permanent(err)
				}
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Computed++
				metrics.FingerprintsTotal.WithLabelValues("computed").Inc()
			case errors.Is(err, ErrInsufficientHistory):
				report.Skipped++
				metrics.FingerprintsTotal.WithLabelValues("skipped").Inc()
			default:
				report.Failed++
				metrics.FingerprintsTotal.WithLabelValues("failed").Inc()
				b.logger.Warn("fingerprint rebuild failed", "account_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return &report, err
	}

	report.Duration = time.Since(start)
	span.SetAttributes(traces.Count("computed", report.Computed), traces.Count("skipped", report.Skipped))
	b.logger.Info("fingerprints rebuilt",
		"computed", report.Computed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return &report, nil
}
