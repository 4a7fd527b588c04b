// Package graph defines the account/transaction graph the risk engine reads
// from and writes to.
//
// The engine never talks to a database directly. Every query it needs
// (shortest path to a confirmed-fraud account, transaction history, device
// links) and every write it performs (fingerprints, drift, risk state) goes
// through the Store interface. Implementations exist for an in-memory graph
// (tests and demo mode), PostgreSQL and Neo4j.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Zone is the discrete risk tier derived from a contamination score.
type Zone string

const (
	ZoneClean    Zone = "Clean"
	ZoneExposed  Zone = "Exposed"
	ZoneCritical Zone = "Critical"
)

// Zones lists every zone from least to most severe.
var Zones = []Zone{ZoneClean, ZoneExposed, ZoneCritical}

// ParseZone validates a zone name. Matching is exact, as stored.
func ParseZone(s string) (Zone, error) {
	switch Zone(s) {
	case ZoneClean, ZoneExposed, ZoneCritical:
		return Zone(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidZone, s)
}

// HourBuckets is the length of a fingerprint hour-of-day vector.
const HourBuckets = 24

// Fingerprint is the learned behavioral profile of an account.
// It is replaced wholesale on every rebuild.
type Fingerprint struct {
	HourVector         []float64 `json:"hourVector"`
	AmountMean         float64   `json:"amountMean"`
	AmountStd          float64   `json:"amountStd"`
	DailyVelocity      float64   `json:"dailyVelocity"`
	CounterpartyWeekly float64   `json:"counterpartyWeekly"`
	DeviceCount        int       `json:"deviceCount"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (f *Fingerprint) Clone() *Fingerprint {
	if f == nil {
		return nil
	}
	c := *f
	c.HourVector = append([]float64(nil), f.HourVector...)
	return &c
}

// Transaction is a directed transfer between two accounts.
type Transaction struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskState is the persisted risk of an account. HopDistance, score and zone
// are always written together.
type RiskState struct {
	HopDistance        *int      `json:"hopDistance"`
	DriftScore         float64   `json:"driftScore"`
	ContaminationScore float64   `json:"contaminationScore"`
	Zone               Zone      `json:"zone"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Account is the full view of one account node.
type Account struct {
	ID          string       `json:"accountId"`
	Name        string       `json:"name,omitempty"`
	IsFraud     bool         `json:"isFraud"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Risk        RiskState    `json:"risk"`
}

// AccountDrift pairs an account with its stored drift score.
type AccountDrift struct {
	AccountID  string  `json:"accountId"`
	DriftScore float64 `json:"driftScore"`
}

// ZoneMember is one row of a zone listing.
type ZoneMember struct {
	AccountID          string  `json:"accountId"`
	Name               string  `json:"name,omitempty"`
	ContaminationScore float64 `json:"contaminationScore"`
	DriftScore         float64 `json:"driftScore"`
	HopDistance        *int    `json:"hopDistance"`
}

// Stats is the network-wide zone distribution.
type Stats struct {
	TotalAccounts    int          `json:"totalAccounts"`
	ConfirmedFraud   int          `json:"confirmedFraud"`
	ZoneDistribution map[Zone]int `json:"zoneDistribution"`
}

// FraudNeighbor is a confirmed-fraud account reachable from another account.
type FraudNeighbor struct {
	AccountID  string `json:"fraudAccount"`
	PathLength int    `json:"pathLength"`
	Hops       int    `json:"hops"`
}

var (
	// ErrAccountNotFound is returned when an account id does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidZone is returned for an unknown zone name.
	ErrInvalidZone = errors.New("invalid zone")
)

// Store is the graph collaborator consumed by the engine.
//
// Reads of missing scores return zero values rather than errors. Writes of a
// fingerprint or risk state are atomic per account.
type Store interface {
	// ShortestFraudPathLength returns the number of relationship edges on the
	// shortest undirected path to any confirmed-fraud account, searching at
	// most maxRelHops edges. nil means no fraud account is reachable.
	ShortestFraudPathLength(ctx context.Context, accountID string, maxRelHops int) (*int, error)
	RecentTransactions(ctx context.Context, accountID string, since time.Time) ([]Transaction, error)
	CounterpartyCount(ctx context.Context, accountID string, since time.Time) (int, error)
	DeviceCount(ctx context.Context, accountID string) (int, error)

	WriteFingerprint(ctx context.Context, accountID string, fp Fingerprint) error
	WriteRiskState(ctx context.Context, accountID string, state RiskState) error
	WriteDriftScore(ctx context.Context, accountID string, drift float64) error
	ReadDriftScore(ctx context.Context, accountID string) (float64, error)
	ListNonFraudAccounts(ctx context.Context) ([]AccountDrift, error)

	// ReadFingerprint returns nil, nil when no fingerprint has been built.
	ReadFingerprint(ctx context.Context, accountID string) (*Fingerprint, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	ListByZone(ctx context.Context, zone Zone, limit int) ([]ZoneMember, error)
	ZoneStats(ctx context.Context) (*Stats, error)
	FraudNeighbors(ctx context.Context, accountID string, maxRelHops, limit int) ([]FraudNeighbor, error)
	CountSentSince(ctx context.Context, accountID string, since time.Time) (int, error)
	RecordTransaction(ctx context.Context, tx Transaction) error

	Ping(ctx context.Context) error
	Close() error
}

// EdgesToHops converts a relationship-edge path length into logical
// transaction hops. Each transaction hop is two edges
// (sender->transaction->receiver).
func EdgesToHops(edges int) int {
	return (edges + 1) / 2
}

func intPtr(v int) *int { return &v }
