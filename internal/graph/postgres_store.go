package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on the relational schema in migrations/.
// Shortest paths are computed with a depth-bounded recursive CTE over the
// undirected account adjacency induced by transactions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed graph store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// walkCTE lists every (account, depth) reachable from $1 in at most $2
// account hops, breadth first. UNION drops rows already produced, so each
// level holds each account at most once and the work is bounded by
// accounts × depth rather than by the number of distinct paths. MIN(depth)
// over the result is the shortest distance.
const walkCTE = `
	WITH RECURSIVE adjacency AS (
		SELECT sender_id::text AS src, receiver_id::text AS dst FROM transactions
		UNION
		SELECT receiver_id::text AS src, sender_id::text AS dst FROM transactions
	), walk (account_id, depth) AS (
		SELECT $1::text, 0
		UNION
		SELECT a.dst, w.depth + 1
		FROM walk w
		JOIN adjacency a ON a.src = w.account_id
		WHERE w.depth < $2
	)`

func (p *PostgresStore) ShortestFraudPathLength(ctx context.Context, accountID string, maxRelHops int) (*int, error) {
	var depth sql.NullInt64
	err := p.db.QueryRowContext(ctx, walkCTE+`
		SELECT MIN(w.depth)
		FROM walk w
		JOIN accounts f ON f.account_id = w.account_id
		WHERE f.is_fraud AND f.account_id <> $1
	`, accountID, maxRelHops/2).Scan(&depth)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud path: %w", err)
	}
	if !depth.Valid {
		return nil, nil
	}
	return intPtr(2 * int(depth.Int64)), nil
}

func (p *PostgresStore) FraudNeighbors(ctx context.Context, accountID string, maxRelHops, limit int) ([]FraudNeighbor, error) {
	if ok, err := p.AccountExists(ctx, accountID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	rows, err := p.db.QueryContext(ctx, walkCTE+`
		SELECT f.account_id, MIN(w.depth) AS depth
		FROM walk w
		JOIN accounts f ON f.account_id = w.account_id
		WHERE f.is_fraud AND f.account_id <> $1
		GROUP BY f.account_id
		ORDER BY depth ASC, f.account_id ASC
		LIMIT $3
	`, accountID, maxRelHops/2, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FraudNeighbor
	for rows.Next() {
		var n FraudNeighbor
		var depth int
		if err := rows.Scan(&n.AccountID, &depth); err != nil {
			return nil, fmt.Errorf("failed to scan fraud neighbor: %w", err)
		}
		n.PathLength = 2 * depth
		n.Hops = depth
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecentTransactions(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, sender_id, receiver_id, amount, ts
		FROM transactions
		WHERE sender_id = $1 AND ts >= $2
		ORDER BY ts ASC
	`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.SenderID, &tx.ReceiverID, &tx.Amount, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CounterpartyCount(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT receiver_id) FROM transactions
		WHERE sender_id = $1 AND ts >= $2
	`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count counterparties: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountSentSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE sender_id = $1 AND ts >= $2
	`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sent transactions: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) DeviceCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM account_devices WHERE account_id = $1
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) WriteFingerprint(ctx context.Context, accountID string, fp Fingerprint) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			hour_vector = $2,
			amount_mean = $3,
			amount_std = $4,
			daily_velocity = $5,
			counterparty_weekly = $6,
			device_count = $7,
			fingerprint_updated_at = $8
		WHERE account_id = $1
	`, accountID, pq.Array(fp.HourVector), fp.AmountMean, fp.AmountStd,
		fp.DailyVelocity, fp.CounterpartyWeekly, fp.DeviceCount, fp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write fingerprint: %w", err)
	}
	return expectOneRow(res, accountID)
}

func (p *PostgresStore) ReadFingerprint(ctx context.Context, accountID string) (*Fingerprint, error) {
	var fp Fingerprint
	var hours pq.Float64Array
	var updated sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT hour_vector, amount_mean, amount_std, daily_velocity,
		       counterparty_weekly, device_count, fingerprint_updated_at
		FROM accounts
		WHERE account_id = $1 AND amount_mean IS NOT NULL
	`, accountID).Scan(&hours, &fp.AmountMean, &fp.AmountStd, &fp.DailyVelocity,
		&fp.CounterpartyWeekly, &fp.DeviceCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprint: %w", err)
	}
	fp.HourVector = []float64(hours)
	fp.UpdatedAt = updated.Time
	return &fp, nil
}

func (p *PostgresStore) WriteRiskState(ctx context.Context, accountID string, state RiskState) error {
	var hop sql.NullInt64
	if state.HopDistance != nil {
		hop = sql.NullInt64{Int64: int64(*state.HopDistance), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			contamination_score = $2,
			zone = $3,
			hop_distance = $4,
			last_updated = $5
		WHERE account_id = $1
	`, accountID, state.ContaminationScore, string(state.Zone), hop, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write risk state: %w", err)
	}
	return expectOneRow(res, accountID)
}

func (p *PostgresStore) WriteDriftScore(ctx context.Context, accountID string, drift float64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET drift_score = $2 WHERE account_id = $1
	`, accountID, drift)
	if err != nil {
		return fmt.Errorf("failed to write drift score: %w", err)
	}
	return expectOneRow(res, accountID)
}

func (p *PostgresStore) ReadDriftScore(ctx context.Context, accountID string) (float64, error) {
	var drift float64
	err := p.db.QueryRowContext(ctx, `
		SELECT drift_score FROM accounts WHERE account_id = $1
	`, accountID).Scan(&drift)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read drift score: %w", err)
	}
	return drift, nil
}

func (p *PostgresStore) ListNonFraudAccounts(ctx context.Context) ([]AccountDrift, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, drift_score FROM accounts
		WHERE NOT is_fraud
		ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AccountDrift
	for rows.Next() {
		var a AccountDrift
		if err := rows.Scan(&a.AccountID, &a.DriftScore); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	var zone string
	var hop sql.NullInt64
	var updated sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT account_id, name, is_fraud, drift_score, contamination_score,
		       zone, hop_distance, last_updated
		FROM accounts WHERE account_id = $1
	`, accountID).Scan(&a.ID, &a.Name, &a.IsFraud, &a.Risk.DriftScore,
		&a.Risk.ContaminationScore, &zone, &hop, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.Risk.Zone = Zone(zone)
	if hop.Valid {
		a.Risk.HopDistance = intPtr(int(hop.Int64))
	}
	a.Risk.UpdatedAt = updated.Time

	fp, err := p.ReadFingerprint(ctx, accountID)
	if err != nil {
		return nil, err
	}
	a.Fingerprint = fp
	return &a, nil
}

func (p *PostgresStore) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)
	`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) ListByZone(ctx context.Context, zone Zone, limit int) ([]ZoneMember, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, name, contamination_score, drift_score, hop_distance
		FROM accounts
		WHERE zone = $1
		ORDER BY contamination_score DESC, account_id ASC
		LIMIT $2
	`, string(zone), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list zone: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ZoneMember
	for rows.Next() {
		var m ZoneMember
		var hop sql.NullInt64
		if err := rows.Scan(&m.AccountID, &m.Name, &m.ContaminationScore, &m.DriftScore, &hop); err != nil {
			return nil, fmt.Errorf("failed to scan zone member: %w", err)
		}
		if hop.Valid {
			m.HopDistance = intPtr(int(hop.Int64))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ZoneStats(ctx context.Context) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT zone, COUNT(*) FROM accounts GROUP BY zone`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate zones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{ZoneDistribution: make(map[Zone]int)}
	for rows.Next() {
		var zone string
		var n int
		if err := rows.Scan(&zone, &n); err != nil {
			return nil, fmt.Errorf("failed to scan zone count: %w", err)
		}
		stats.ZoneDistribution[Zone(zone)] = n
		stats.TotalAccounts += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE is_fraud
	`).Scan(&stats.ConfirmedFraud); err != nil {
		return nil, fmt.Errorf("failed to count fraud accounts: %w", err)
	}
	return stats, nil
}

func (p *PostgresStore) RecordTransaction(ctx context.Context, tx Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, sender_id, receiver_id, amount, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, tx.ID, tx.SenderID, tx.ReceiverID, tx.Amount, tx.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("%w: %s -> %s", ErrAccountNotFound, tx.SenderID, tx.ReceiverID)
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// UpsertAccount creates or renames an account.
func (p *PostgresStore) UpsertAccount(ctx context.Context, id, name string, isFraud bool) error {
	zone, score := ZoneClean, 0.0
	if isFraud {
		zone, score = ZoneCritical, 1.0
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, name, is_fraud, zone, contamination_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET name = EXCLUDED.name, is_fraud = EXCLUDED.is_fraud
	`, id, name, isFraud, string(zone), score)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// LinkDevice records that an account uses a device.
func (p *PostgresStore) LinkDevice(ctx context.Context, accountID, deviceID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_id) VALUES ($1) ON CONFLICT DO NOTHING
	`, deviceID); err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_devices (account_id, device_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, accountID, deviceID); err != nil {
		return fmt.Errorf("failed to link device: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func expectOneRow(res sql.Result, accountID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}
