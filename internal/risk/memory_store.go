package risk

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/mbd888/contagion/internal/pagination"
)

// MemoryStore is an in-memory HistoryStore for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // accountID → assessments, oldest first
	maxPerKey   int
}

// NewMemoryStore creates an in-memory assessment history that keeps the
// most recent 500 assessments per account.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
		maxPerKey:   500,
	}
}

func cloneAssessment(a *Assessment) *Assessment {
	c := *a
	c.Factors = maps.Clone(a.Factors)
	if a.HopDistance != nil {
		hop := *a.HopDistance
		c.HopDistance = &hop
	}
	return &c
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.assessments[a.AccountID], cloneAssessment(a))
	if len(list) > s.maxPerKey {
		list = list[len(list)-s.maxPerKey:]
	}
	s.assessments[a.AccountID] = list
	return nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	s.mu.RLock()
	all := slices.Clone(s.assessments[accountID])
	s.mu.RUnlock()

	if len(all) == 0 {
		return nil, nil
	}
	slices.SortStableFunc(all, func(a, b *Assessment) int {
		if c := b.EvaluatedAt.Compare(a.EvaluatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	result := make([]*Assessment, 0, min(limit, len(all)))
	for _, a := range all {
		if len(result) == limit {
			break
		}
		if before != nil && !olderThan(a, before) {
			continue
		}
		result = append(result, cloneAssessment(a))
	}
	return result, nil
}

// olderThan reports whether a sorts after the cursor position.
func olderThan(a *Assessment, c *pagination.Cursor) bool {
	if !a.EvaluatedAt.Equal(c.At) {
		return a.EvaluatedAt.Before(c.At)
	}
	return a.ID < c.ID
}
