package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	sent     map[string][]Transaction // sender → transactions, ascending by time
	received map[string][]Transaction // receiver → transactions
	devices  map[string]map[string]struct{}
}

type memAccount struct {
	name        string
	isFraud     bool
	fingerprint *Fingerprint
	drift       float64
	risk        RiskState
}

// NewMemoryStore creates an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		sent:     make(map[string][]Transaction),
		received: make(map[string][]Transaction),
		devices:  make(map[string]map[string]struct{}),
	}
}

// UpsertAccount creates or renames an account. Confirmed-fraud accounts start
// in the Critical zone with full contamination.
func (s *MemoryStore) UpsertAccount(_ context.Context, id, name string, isFraud bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		a = &memAccount{risk: RiskState{Zone: ZoneClean}}
		s.accounts[id] = a
	}
	a.name = name
	a.isFraud = isFraud
	if isFraud {
		a.risk.ContaminationScore = 1.0
		a.risk.Zone = ZoneCritical
	}
	return nil
}

// LinkDevice records that an account uses a device.
func (s *MemoryStore) LinkDevice(_ context.Context, accountID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	set, ok := s.devices[accountID]
	if !ok {
		set = make(map[string]struct{})
		s.devices[accountID] = set
	}
	set[deviceID] = struct{}{}
	return nil
}

func (s *MemoryStore) RecordTransaction(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[tx.SenderID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, tx.SenderID)
	}
	if _, ok := s.accounts[tx.ReceiverID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, tx.ReceiverID)
	}

	s.sent[tx.SenderID] = insertByTime(s.sent[tx.SenderID], tx)
	s.received[tx.ReceiverID] = insertByTime(s.received[tx.ReceiverID], tx)
	return nil
}

func insertByTime(txns []Transaction, tx Transaction) []Transaction {
	i := sort.Search(len(txns), func(i int) bool {
		return txns[i].Timestamp.After(tx.Timestamp)
	})
	txns = append(txns, Transaction{})
	copy(txns[i+1:], txns[i:])
	txns[i] = tx
	return txns
}

func (s *MemoryStore) ShortestFraudPathLength(_ context.Context, accountID string, maxRelHops int) (*int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, nil
	}
	found := s.fraudByDistance(accountID, maxRelHops/2)
	if len(found) == 0 {
		return nil, nil
	}
	return intPtr(found[0].PathLength), nil
}

func (s *MemoryStore) FraudNeighbors(_ context.Context, accountID string, maxRelHops, limit int) ([]FraudNeighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	out := s.fraudByDistance(accountID, maxRelHops/2)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fraudByDistance runs a breadth-first search over account adjacency (every
// transaction links its two parties) and returns the fraud accounts found
// within maxHops, nearest first. Caller holds the read lock.
func (s *MemoryStore) fraudByDistance(start string, maxHops int) []FraudNeighbor {
	dist := map[string]int{start: 0}
	frontier := []string{start}
	var found []FraudNeighbor

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range s.neighbors(id) {
				if _, seen := dist[nb]; seen {
					continue
				}
				dist[nb] = depth
				next = append(next, nb)
				if a := s.accounts[nb]; a != nil && a.isFraud {
					found = append(found, FraudNeighbor{AccountID: nb, PathLength: 2 * depth, Hops: depth})
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].PathLength != found[j].PathLength {
			return found[i].PathLength < found[j].PathLength
		}
		return found[i].AccountID < found[j].AccountID
	})
	return found
}

func (s *MemoryStore) neighbors(id string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range s.sent[id] {
		if _, ok := seen[tx.ReceiverID]; !ok && tx.ReceiverID != id {
			seen[tx.ReceiverID] = struct{}{}
			out = append(out, tx.ReceiverID)
		}
	}
	for _, tx := range s.received[id] {
		if _, ok := seen[tx.SenderID]; !ok && tx.SenderID != id {
			seen[tx.SenderID] = struct{}{}
			out = append(out, tx.SenderID)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) RecentTransactions(_ context.Context, accountID string, since time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sentSince(accountID, since), nil
}

func (s *MemoryStore) sentSince(accountID string, since time.Time) []Transaction {
	txns := s.sent[accountID]
	i := sort.Search(len(txns), func(i int) bool {
		return !txns[i].Timestamp.Before(since)
	})
	return append([]Transaction(nil), txns[i:]...)
}

func (s *MemoryStore) CounterpartyCount(_ context.Context, accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	distinct := make(map[string]struct{})
	for _, tx := range s.sentSince(accountID, since) {
		distinct[tx.ReceiverID] = struct{}{}
	}
	return len(distinct), nil
}

func (s *MemoryStore) CountSentSince(_ context.Context, accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sentSince(accountID, since)), nil
}

func (s *MemoryStore) DeviceCount(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices[accountID]), nil
}

func (s *MemoryStore) WriteFingerprint(_ context.Context, accountID string, fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	a.fingerprint = fp.Clone()
	return nil
}

func (s *MemoryStore) ReadFingerprint(_ context.Context, accountID string) (*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return a.fingerprint.Clone(), nil
}

func (s *MemoryStore) WriteRiskState(_ context.Context, accountID string, state RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if state.HopDistance != nil {
		state.HopDistance = intPtr(*state.HopDistance)
	}
	// drift has its own write path; keep the stored value
	state.DriftScore = a.drift
	a.risk = state
	return nil
}

func (s *MemoryStore) WriteDriftScore(_ context.Context, accountID string, drift float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	a.drift = drift
	a.risk.DriftScore = drift
	return nil
}

func (s *MemoryStore) ReadDriftScore(_ context.Context, accountID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID]; ok {
		return a.drift, nil
	}
	return 0, nil
}

func (s *MemoryStore) ListNonFraudAccounts(_ context.Context) ([]AccountDrift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccountDrift, 0, len(s.accounts))
	for id, a := range s.accounts {
		if a.isFraud {
			continue
		}
		out = append(out, AccountDrift{AccountID: id, DriftScore: a.drift})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	risk := a.risk
	if risk.HopDistance != nil {
		risk.HopDistance = intPtr(*risk.HopDistance)
	}
	return &Account{
		ID:          accountID,
		Name:        a.name,
		IsFraud:     a.isFraud,
		Fingerprint: a.fingerprint.Clone(),
		Risk:        risk,
	}, nil
}

func (s *MemoryStore) AccountExists(_ context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[accountID]
	return ok, nil
}

func (s *MemoryStore) ListByZone(_ context.Context, zone Zone, limit int) ([]ZoneMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ZoneMember
	for id, a := range s.accounts {
		if a.risk.Zone != zone {
			continue
		}
		m := ZoneMember{
			AccountID:          id,
			Name:               a.name,
			ContaminationScore: a.risk.ContaminationScore,
			DriftScore:         a.drift,
		}
		if a.risk.HopDistance != nil {
			m.HopDistance = intPtr(*a.risk.HopDistance)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContaminationScore != out[j].ContaminationScore {
			return out[i].ContaminationScore > out[j].ContaminationScore
		}
		return out[i].AccountID < out[j].AccountID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ZoneStats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ZoneDistribution: make(map[Zone]int)}
	for _, a := range s.accounts {
		stats.TotalAccounts++
		stats.ZoneDistribution[a.risk.Zone]++
		if a.isFraud {
			stats.ConfirmedFraud++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
