package graph

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Seeder is a store that can be populated with synthetic data.
type Seeder interface {
	UpsertAccount(ctx context.Context, id, name string, isFraud bool) error
	LinkDevice(ctx context.Context, accountID, deviceID string) error
	RecordTransaction(ctx context.Context, tx Transaction) error
}

// SeedOptions sizes a synthetic network.
type SeedOptions struct {
	Accounts      int
	Devices       int
	Transactions  int
	FraudAccounts int
	Days          int
	Seed          uint64
	Now           time.Time
}

// DefaultSeedOptions mirrors a small demo network: 500 accounts, 10 of them
// confirmed fraud, 5000 background transactions over 90 days.
func DefaultSeedOptions() SeedOptions {
	return SeedOptions{
		Accounts:      500,
		Devices:       80,
		Transactions:  5000,
		FraudAccounts: 10,
		Days:          90,
		Seed:          42,
	}
}

// SeedResult reports what Seed created.
type SeedResult struct {
	AccountIDs   []string `json:"-"`
	FraudIDs     []string `json:"fraudIds"`
	Transactions int      `json:"transactions"`
}

// Seed populates s with a reproducible synthetic network: random background
// transfers, three circular rings among fraud accounts and direct payments
// from each fraud account to two to five clean accounts.
func Seed(ctx context.Context, s Seeder, opts SeedOptions) (*SeedResult, error) {
	if opts.Accounts < 4 || opts.FraudAccounts < 3 || opts.FraudAccounts >= opts.Accounts {
		return nil, fmt.Errorf("seed: need at least 4 accounts and 3 fraud accounts, got %d/%d",
			opts.Accounts, opts.FraudAccounts)
	}
	if opts.Days <= 0 {
		opts.Days = 90
	}
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	start := opts.Now.Add(-time.Duration(opts.Days) * 24 * time.Hour)
	window := int64(opts.Days) * 24 * 3600

	randomTime := func() time.Time {
		return start.Add(time.Duration(rng.Int64N(window)) * time.Second)
	}
	amount := func(lo, hi float64) float64 {
		return math.Round((lo+rng.Float64()*(hi-lo))*100) / 100
	}

	res := &SeedResult{AccountIDs: make([]string, opts.Accounts)}
	for i := range res.AccountIDs {
		res.AccountIDs[i] = fmt.Sprintf("ACC%05d", i)
	}

	fraud := make(map[string]bool, opts.FraudAccounts)
	for _, idx := range rng.Perm(opts.Accounts)[:opts.FraudAccounts] {
		id := res.AccountIDs[idx]
		fraud[id] = true
		res.FraudIDs = append(res.FraudIDs, id)
	}

	for i, id := range res.AccountIDs {
		if err := s.UpsertAccount(ctx, id, fmt.Sprintf("Account %d", i), fraud[id]); err != nil {
			return nil, err
		}
		for _, d := range rng.Perm(opts.Devices)[:min(opts.Devices, 1+rng.IntN(3))] {
			if err := s.LinkDevice(ctx, id, fmt.Sprintf("DEV%04d", d)); err != nil {
				return nil, err
			}
		}
	}

	record := func(sender, receiver string, amt float64) error {
		res.Transactions++
		return s.RecordTransaction(ctx, Transaction{
			ID:         fmt.Sprintf("TX%07d", res.Transactions),
			SenderID:   sender,
			ReceiverID: receiver,
			Amount:     amt,
			Timestamp:  randomTime(),
		})
	}

	for range opts.Transactions {
		sender := res.AccountIDs[rng.IntN(opts.Accounts)]
		receiver := res.AccountIDs[rng.IntN(opts.Accounts)]
		if sender == receiver {
			continue
		}
		if err := record(sender, receiver, amount(10, 15000)); err != nil {
			return nil, err
		}
	}

	for range 3 {
		ring := rng.Perm(len(res.FraudIDs))[:3]
		a, b, c := res.FraudIDs[ring[0]], res.FraudIDs[ring[1]], res.FraudIDs[ring[2]]
		for _, pair := range [][2]string{{a, b}, {b, c}, {c, a}} {
			if err := record(pair[0], pair[1], amount(8000, 15000)); err != nil {
				return nil, err
			}
		}
	}

	var clean []string
	for _, id := range res.AccountIDs {
		if !fraud[id] {
			clean = append(clean, id)
		}
	}
	for _, f := range res.FraudIDs {
		k := min(len(clean), 2+rng.IntN(4))
		for _, idx := range rng.Perm(len(clean))[:k] {
			if err := record(f, clean[idx], amount(500, 5000)); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}
