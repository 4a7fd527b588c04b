package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contagion/internal/drift"
	"github.com/mbd888/contagion/internal/fingerprint"
	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/risk"
)

var now = time.Date(2026, 3, 31, 15, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	updates []graph.Zone
	runs    []map[string]any
}

func (n *recordingNotifier) PublishRiskUpdate(_ string, state graph.RiskState, _ graph.Zone) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, state.Zone)
}

func (n *recordingNotifier) PublishPipelineCompleted(summary map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, summary)
}

// newService builds F(fraud) -> A plus an unconnected B, with a learned
// profile for A.
func newService(t *testing.T) (*Service, *graph.MemoryStore, *recordingNotifier) {
	t.Helper()
	return newServiceOver(t, func(m *graph.MemoryStore) graph.Store { return m })
}

// newServiceOver is newService with the components reading through wrap.
func newServiceOver(t *testing.T, wrap func(*graph.MemoryStore) graph.Store) (*Service, *graph.MemoryStore, *recordingNotifier) {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	require.NoError(t, store.UpsertAccount(ctx, "F", "", true))
	require.NoError(t, store.UpsertAccount(ctx, "A", "", false))
	require.NoError(t, store.UpsertAccount(ctx, "B", "", false))
	require.NoError(t, store.RecordTransaction(ctx, graph.Transaction{
		ID: "seed", SenderID: "F", ReceiverID: "A", Amount: 10, Timestamp: now.AddDate(0, 0, -3),
	}))

	fp := graph.Fingerprint{
		HourVector:    make([]float64, graph.HourBuckets),
		AmountMean:    100,
		AmountStd:     20,
		DailyVelocity: 2,
	}
	fp.HourVector[10] = 0.75
	fp.HourVector[14] = 0.25
	require.NoError(t, store.WriteFingerprint(ctx, "A", fp))

	cfg := risk.DefaultConfig()
	gs := wrap(store)
	rs := risk.NewScorer(gs, cfg, nil)
	svc := NewService(gs,
		fingerprint.NewBuilder(gs, cfg, nil),
		drift.NewScorer(gs, cfg, nil),
		rs, nil,
	).WithLocation(time.UTC)
	svc.now = func() time.Time { return now }

	n := &recordingNotifier{}
	svc.WithNotifier(n)
	return svc, store, n
}

func TestProcessTransaction(t *testing.T) {
	svc, store, n := newService(t)
	ctx := context.Background()

	res, err := svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "A", ReceiverID: "B", Amount: 120, Hour: 10})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RecentCount)
	// time 0.25·0.3 + amount 0.2·0.4 + velocity 0
	assert.Equal(t, 0.155, res.DriftScore)
	assert.Equal(t, 0.662, res.ContaminationScore)
	assert.Equal(t, graph.ZoneExposed, res.Zone)
	assert.Equal(t, graph.ZoneClean, res.PreviousZone)
	assert.True(t, res.ZoneChanged())
	require.NotNil(t, res.HopDistance)
	assert.Equal(t, 1, *res.HopDistance)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0.662, acct.Risk.ContaminationScore)
	d, err := store.ReadDriftScore(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0.155, d)

	sent, err := store.CountSentSince(ctx, "A", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []graph.Zone{graph.ZoneExposed}, n.updates)

	res, err = svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "A", ReceiverID: "B", Amount: 120, Hour: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecentCount)
	assert.False(t, res.ZoneChanged())
}

func TestProcessTransaction_UnknownAccountWritesNothing(t *testing.T) {
	svc, store, n := newService(t)
	ctx := context.Background()

	_, err := svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "ghost", ReceiverID: "B", Amount: 5, Hour: 3})
	assert.ErrorIs(t, err, graph.ErrAccountNotFound)

	_, err = svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "A", ReceiverID: "ghost", Amount: 5, Hour: 3})
	assert.ErrorIs(t, err, graph.ErrAccountNotFound)

	d, err := store.ReadDriftScore(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, d)
	sent, err := store.CountSentSince(ctx, "A", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, n.updates)
}

// riskWriteFailStore refuses every risk state write.
type riskWriteFailStore struct {
	*graph.MemoryStore
}

func (riskWriteFailStore) WriteRiskState(context.Context, string, graph.RiskState) error {
	return errors.New("io down")
}

func TestProcessTransaction_FailedRiskWriteKeepsDrift(t *testing.T) {
	svc, store, n := newServiceOver(t, func(m *graph.MemoryStore) graph.Store {
		return riskWriteFailStore{m}
	})
	ctx := context.Background()

	_, err := svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "A", ReceiverID: "B", Amount: 100000, Hour: 3})
	require.Error(t, err)

	d, err := store.ReadDriftScore(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, d, "drift rolled back with the failed risk write")
	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, acct.Risk.ContaminationScore)
	sent, err := store.CountSentSince(ctx, "A", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, n.updates)
}

// midPassStore lets a real-time transaction for A arrive while the full
// pass is looking up A's hop distance.
type midPassStore struct {
	*graph.MemoryStore
	once   sync.Once
	arrive func()
	inPass atomic.Bool
}

func (m *midPassStore) ShortestFraudPathLength(ctx context.Context, id string, maxRelHops int) (*int, error) {
	if id == "A" && m.inPass.Load() {
		m.once.Do(m.arrive)
	}
	return m.MemoryStore.ShortestFraudPathLength(ctx, id, maxRelHops)
}

func TestProcessTransaction_NotLostToConcurrentPass(t *testing.T) {
	var svc *Service
	mid := &midPassStore{}
	done := make(chan error, 1)
	mid.arrive = func() {
		go func() {
			_, err := svc.ProcessTransaction(context.Background(),
				TransactionRequest{SenderID: "A", ReceiverID: "B", Amount: 100000, Hour: 3})
			done <- err
		}()
		// give an unserialized writer time to finish before the pass writes
		select {
		case err := <-done:
			done <- err
		case <-time.After(100 * time.Millisecond):
		}
	}
	svc, store, _ := newServiceOver(t, func(m *graph.MemoryStore) graph.Store {
		mid.MemoryStore = m
		return mid
	})
	ctx := context.Background()

	mid.inPass.Store(true)
	_, err := svc.Scorer().RunFullPass(ctx)
	require.NoError(t, err)
	mid.inPass.Store(false)
	require.NoError(t, <-done)

	acct, err := store.GetAccount(ctx, "A")
	require.NoError(t, err)
	d, err := store.ReadDriftScore(ctx, "A")
	require.NoError(t, err)
	require.NotZero(t, d)
	cfg := svc.Scorer().Config()
	assert.Equal(t, risk.Contamination(cfg, acct.Risk.HopDistance, d), acct.Risk.ContaminationScore,
		"stored score must follow the stored drift")
	assert.Equal(t, graph.ZoneCritical, acct.Risk.Zone)
}

func TestProcessTransaction_Invalid(t *testing.T) {
	svc, _, _ := newService(t)
	for _, req := range []TransactionRequest{
		{ReceiverID: "B", Amount: 1},
		{SenderID: "A", ReceiverID: "A", Amount: 1},
		{SenderID: "A", ReceiverID: "B", Amount: -1},
	} {
		_, err := svc.ProcessTransaction(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidTransaction)
	}
}

func TestProcessTransaction_FraudSenderStaysCritical(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	res, err := svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "F", ReceiverID: "B", Amount: 1, Hour: 2})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.DriftScore) // no fingerprint
	assert.Equal(t, 1.0, res.ContaminationScore)
	assert.Equal(t, graph.ZoneCritical, res.Zone)

	f, err := store.GetAccount(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.Risk.ContaminationScore)
}

func TestProcessTransaction_SerializesPerSender(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	const n = 20
	counts := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ProcessTransaction(ctx, TransactionRequest{SenderID: "A", ReceiverID: "B", Amount: 100, Hour: 10})
			if assert.NoError(t, err) {
				counts[i] = res.RecentCount
			}
		}()
	}
	wg.Wait()

	sort.Ints(counts)
	for i, c := range counts {
		assert.Equal(t, i+1, c)
	}
	sent, err := store.CountSentSince(ctx, "A", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, n, sent)
}

func TestRunPipeline(t *testing.T) {
	svc, store, n := newService(t)
	ctx := context.Background()
	require.NoError(t, store.WriteDriftScore(ctx, "A", 0.8))

	report, err := svc.RunPipeline(ctx, "manual")
	require.NoError(t, err)
	require.NotNil(t, report.Fingerprints)
	require.NotNil(t, report.Pass)
	assert.Equal(t, 2, report.Pass.Processed)
	assert.Equal(t, 1, report.Pass.Zones[graph.ZoneCritical])
	assert.Equal(t, "manual", report.Trigger)
	assert.Same(t, report, svc.LastRun())
	assert.False(t, svc.Running())

	require.Len(t, n.runs, 1)
	assert.Equal(t, report.ID, n.runs[0]["runId"])
	// B never transacted with A in this graph, so it is unreachable
	assert.Equal(t, map[string]int{"Critical": 1, "Exposed": 0, "Clean": 1}, n.runs[0]["zones"])
}

func TestRunPipeline_RejectsOverlap(t *testing.T) {
	svc, _, _ := newService(t)
	svc.running.Store(true)

	_, err := svc.RunPipeline(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrPipelineRunning)
	assert.Nil(t, svc.LastRun())
}

func TestRunPipeline_Cancelled(t *testing.T) {
	svc, _, n := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.RunPipeline(ctx, "manual")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, report.Error)
	require.Len(t, n.runs, 1)
	assert.Contains(t, n.runs[0], "error")
}

func TestStartPipeline(t *testing.T) {
	svc, _, n := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, svc.StartPipeline(ctx, "api"))
	// the background run is detached from the caller's cancellation
	cancel()
	svc.Wait()

	run := svc.LastRun()
	require.NotNil(t, run)
	assert.Empty(t, run.Error)
	assert.Equal(t, "api", run.Trigger)
	assert.Len(t, n.runs, 1)
	assert.False(t, svc.Running())
}

func TestStartPipeline_RejectsOverlap(t *testing.T) {
	svc, _, _ := newService(t)
	svc.running.Store(true)

	assert.ErrorIs(t, svc.StartPipeline(context.Background(), "api"), ErrPipelineRunning)
	svc.Wait()
	assert.Nil(t, svc.LastRun())
}

func TestNotifiers_FanOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	ns := Notifiers{a, b}

	ns.PublishRiskUpdate("A", graph.RiskState{Zone: graph.ZoneCritical}, graph.ZoneClean)
	ns.PublishPipelineCompleted(map[string]any{"runId": "run_1"})

	for _, n := range []*recordingNotifier{a, b} {
		assert.Equal(t, []graph.Zone{graph.ZoneCritical}, n.updates)
		assert.Len(t, n.runs, 1)
	}
}
