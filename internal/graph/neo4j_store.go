package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore implements Store on a property graph:
//
//	(:Account)-[:SENT]->(:Transaction)-[:RECEIVED]->(:Account)
//	(:Account)-[:USES_DEVICE]->(:Device)
//
// A transaction hop between two accounts is therefore two relationships.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, uri, user, password, database string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	return &Neo4jStore{driver: driver, database: database}, nil
}

var neo4jSchema = []string{
	`CREATE CONSTRAINT account_id_unique IF NOT EXISTS FOR (a:Account) REQUIRE a.account_id IS UNIQUE`,
	`CREATE CONSTRAINT transaction_id_unique IF NOT EXISTS FOR (t:Transaction) REQUIRE t.transaction_id IS UNIQUE`,
	`CREATE CONSTRAINT device_id_unique IF NOT EXISTS FOR (d:Device) REQUIRE d.device_id IS UNIQUE`,
	`CREATE INDEX account_zone IF NOT EXISTS FOR (a:Account) ON (a.zone)`,
	`CREATE INDEX account_fraud IF NOT EXISTS FOR (a:Account) ON (a.is_fraud)`,
	`CREATE INDEX transaction_timestamp IF NOT EXISTS FOR (t:Transaction) ON (t.timestamp)`,
}

// EnsureSchema creates the uniqueness constraints and lookup indexes. It is
// safe to call on every start.
func (n *Neo4jStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range neo4jSchema {
		if _, err := n.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to apply neo4j schema: %w", err)
		}
	}
	return nil
}

func (n *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, n.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(n.database))
}

func (n *Neo4jStore) read(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, n.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(n.database),
		neo4j.ExecuteQueryWithReadersRouting())
}

// Variable-length bounds cannot be parameterized in Cypher.
func fraudPathQuery(maxRelHops int) string {
	return fmt.Sprintf(`
		MATCH path = shortestPath(
			(a:Account {account_id: $account_id})-[:SENT|RECEIVED*..%d]-(f:Account)
		)
		WHERE f.is_fraud = true AND a.account_id <> f.account_id
		RETURN f.account_id AS fraud_account, length(path) AS path_length
		ORDER BY path_length ASC, fraud_account ASC
		LIMIT $limit`, maxRelHops)
}

func (n *Neo4jStore) ShortestFraudPathLength(ctx context.Context, accountID string, maxRelHops int) (*int, error) {
	res, err := n.read(ctx, fraudPathQuery(maxRelHops), map[string]any{
		"account_id": accountID,
		"limit":      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud path: %w", err)
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	length, _, err := neo4j.GetRecordValue[int64](res.Records[0], "path_length")
	if err != nil {
		return nil, err
	}
	return intPtr(int(length)), nil
}

func (n *Neo4jStore) FraudNeighbors(ctx context.Context, accountID string, maxRelHops, limit int) ([]FraudNeighbor, error) {
	if ok, err := n.AccountExists(ctx, accountID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	res, err := n.read(ctx, fraudPathQuery(maxRelHops), map[string]any{
		"account_id": accountID,
		"limit":      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query fraud neighbors: %w", err)
	}
	out := make([]FraudNeighbor, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "fraud_account")
		if err != nil {
			return nil, err
		}
		length, _, err := neo4j.GetRecordValue[int64](rec, "path_length")
		if err != nil {
			return nil, err
		}
		out = append(out, FraudNeighbor{AccountID: id, PathLength: int(length), Hops: int(length) / 2})
	}
	return out, nil
}

func (n *Neo4jStore) RecentTransactions(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account {account_id: $account_id})-[:SENT]->(t:Transaction)-[:RECEIVED]->(r:Account)
		WHERE t.timestamp >= $since
		RETURN t.transaction_id AS id, r.account_id AS receiver, t.amount AS amount, t.timestamp AS ts
		ORDER BY ts ASC`, map[string]any{"account_id": accountID, "since": since})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]Transaction, 0, len(res.Records))
	for _, rec := range res.Records {
		tx := Transaction{SenderID: accountID}
		if tx.ID, _, err = neo4j.GetRecordValue[string](rec, "id"); err != nil {
			return nil, err
		}
		if tx.ReceiverID, _, err = neo4j.GetRecordValue[string](rec, "receiver"); err != nil {
			return nil, err
		}
		if tx.Amount, _, err = neo4j.GetRecordValue[float64](rec, "amount"); err != nil {
			return nil, err
		}
		if tx.Timestamp, _, err = neo4j.GetRecordValue[time.Time](rec, "ts"); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (n *Neo4jStore) count(ctx context.Context, query string, params map[string]any) (int, error) {
	res, err := n.read(ctx, query, params)
	if err != nil {
		return 0, err
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	v, _, err := neo4j.GetRecordValue[int64](res.Records[0], "n")
	return int(v), err
}

func (n *Neo4jStore) CounterpartyCount(ctx context.Context, accountID string, since time.Time) (int, error) {
	c, err := n.count(ctx, `
		MATCH (a:Account {account_id: $account_id})-[:SENT]->(t:Transaction)-[:RECEIVED]->(r:Account)
		WHERE t.timestamp >= $since
		RETURN count(DISTINCT r) AS n`, map[string]any{"account_id": accountID, "since": since})
	if err != nil {
		return 0, fmt.Errorf("failed to count counterparties: %w", err)
	}
	return c, nil
}

func (n *Neo4jStore) CountSentSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	c, err := n.count(ctx, `
		MATCH (a:Account {account_id: $account_id})-[:SENT]->(t:Transaction)
		WHERE t.timestamp >= $since
		RETURN count(t) AS n`, map[string]any{"account_id": accountID, "since": since})
	if err != nil {
		return 0, fmt.Errorf("failed to count sent transactions: %w", err)
	}
	return c, nil
}

func (n *Neo4jStore) DeviceCount(ctx context.Context, accountID string) (int, error) {
	c, err := n.count(ctx, `
		MATCH (a:Account {account_id: $account_id})-[:USES_DEVICE]->(d:Device)
		RETURN count(d) AS n`, map[string]any{"account_id": accountID})
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return c, nil
}

// matchOne runs a write that returns one row per matched account.
func (n *Neo4jStore) matchOne(ctx context.Context, accountID, query string, params map[string]any) error {
	res, err := n.run(ctx, query, params)
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (n *Neo4jStore) WriteFingerprint(ctx context.Context, accountID string, fp Fingerprint) error {
	err := n.matchOne(ctx, accountID, `
		MATCH (a:Account {account_id: $account_id})
		SET a.hour_vector = $hour_vector,
		    a.amount_mean = $amount_mean,
		    a.amount_std = $amount_std,
		    a.daily_velocity = $daily_velocity,
		    a.counterparty_weekly = $counterparty_weekly,
		    a.device_count = $device_count,
		    a.fingerprint_updated_at = $updated_at
		RETURN a.account_id`, map[string]any{
		"account_id":          accountID,
		"hour_vector":         fp.HourVector,
		"amount_mean":         fp.AmountMean,
		"amount_std":          fp.AmountStd,
		"daily_velocity":      fp.DailyVelocity,
		"counterparty_weekly": fp.CounterpartyWeekly,
		"device_count":        fp.DeviceCount,
		"updated_at":          fp.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write fingerprint: %w", err)
	}
	return nil
}

func (n *Neo4jStore) ReadFingerprint(ctx context.Context, accountID string) (*Fingerprint, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account {account_id: $account_id})
		WHERE a.amount_mean IS NOT NULL
		RETURN a.hour_vector AS hour_vector, a.amount_mean AS amount_mean,
		       a.amount_std AS amount_std, a.daily_velocity AS daily_velocity,
		       a.counterparty_weekly AS counterparty_weekly,
		       coalesce(a.device_count, 0) AS device_count,
		       a.fingerprint_updated_at AS updated_at`,
		map[string]any{"account_id": accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprint: %w", err)
	}
	if len(res.Records) == 0 {
		return nil, nil
	}
	return fingerprintFromRecord(res.Records[0])
}

func fingerprintFromRecord(rec *neo4j.Record) (*Fingerprint, error) {
	var fp Fingerprint
	raw, _, err := neo4j.GetRecordValue[[]any](rec, "hour_vector")
	if err != nil {
		return nil, err
	}
	fp.HourVector = make([]float64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("hour_vector element has type %T", v)
		}
		fp.HourVector = append(fp.HourVector, f)
	}
	if fp.AmountMean, _, err = neo4j.GetRecordValue[float64](rec, "amount_mean"); err != nil {
		return nil, err
	}
	if fp.AmountStd, _, err = neo4j.GetRecordValue[float64](rec, "amount_std"); err != nil {
		return nil, err
	}
	if fp.DailyVelocity, _, err = neo4j.GetRecordValue[float64](rec, "daily_velocity"); err != nil {
		return nil, err
	}
	if fp.CounterpartyWeekly, _, err = neo4j.GetRecordValue[float64](rec, "counterparty_weekly"); err != nil {
		return nil, err
	}
	devices, _, err := neo4j.GetRecordValue[int64](rec, "device_count")
	if err != nil {
		return nil, err
	}
	fp.DeviceCount = int(devices)
	// updated_at may be absent on fingerprints written by older loaders
	if ts, isNil, err := neo4j.GetRecordValue[time.Time](rec, "updated_at"); err == nil && !isNil {
		fp.UpdatedAt = ts
	}
	return &fp, nil
}

func (n *Neo4jStore) WriteRiskState(ctx context.Context, accountID string, state RiskState) error {
	var hop any
	if state.HopDistance != nil {
		hop = int64(*state.HopDistance)
	}
	err := n.matchOne(ctx, accountID, `
		MATCH (a:Account {account_id: $account_id})
		SET a.contamination_score = $score,
		    a.zone = $zone,
		    a.hop_distance = $hop,
		    a.last_updated = $updated_at
		RETURN a.account_id`, map[string]any{
		"account_id": accountID,
		"score":      state.ContaminationScore,
		"zone":       string(state.Zone),
		"hop":        hop,
		"updated_at": state.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write risk state: %w", err)
	}
	return nil
}

func (n *Neo4jStore) WriteDriftScore(ctx context.Context, accountID string, drift float64) error {
	err := n.matchOne(ctx, accountID, `
		MATCH (a:Account {account_id: $account_id})
		SET a.drift_score = $drift
		RETURN a.account_id`, map[string]any{"account_id": accountID, "drift": drift})
	if err != nil {
		return fmt.Errorf("failed to write drift score: %w", err)
	}
	return nil
}

func (n *Neo4jStore) ReadDriftScore(ctx context.Context, accountID string) (float64, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account {account_id: $account_id})
		RETURN coalesce(a.drift_score, 0.0) AS drift`, map[string]any{"account_id": accountID})
	if err != nil {
		return 0, fmt.Errorf("failed to read drift score: %w", err)
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	drift, _, err := neo4j.GetRecordValue[float64](res.Records[0], "drift")
	return drift, err
}

func (n *Neo4jStore) ListNonFraudAccounts(ctx context.Context) ([]AccountDrift, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account)
		WHERE coalesce(a.is_fraud, false) = false
		RETURN a.account_id AS id, coalesce(a.drift_score, 0.0) AS drift
		ORDER BY id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	out := make([]AccountDrift, 0, len(res.Records))
	for _, rec := range res.Records {
		var a AccountDrift
		if a.AccountID, _, err = neo4j.GetRecordValue[string](rec, "id"); err != nil {
			return nil, err
		}
		if a.DriftScore, _, err = neo4j.GetRecordValue[float64](rec, "drift"); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (n *Neo4jStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	res, err := n.read(ctx, `MATCH (a:Account) RETURN a.account_id AS id ORDER BY id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list account ids: %w", err)
	}
	ids := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (n *Neo4jStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account {account_id: $account_id})
		RETURN coalesce(a.name, '') AS name,
		       coalesce(a.is_fraud, false) AS is_fraud,
		       coalesce(a.drift_score, 0.0) AS drift,
		       coalesce(a.contamination_score, 0.0) AS score,
		       coalesce(a.zone, 'Clean') AS zone,
		       a.hop_distance AS hop,
		       a.last_updated AS updated_at`, map[string]any{"account_id": accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	rec := res.Records[0]

	a := &Account{ID: accountID}
	if a.Name, _, err = neo4j.GetRecordValue[string](rec, "name"); err != nil {
		return nil, err
	}
	if a.IsFraud, _, err = neo4j.GetRecordValue[bool](rec, "is_fraud"); err != nil {
		return nil, err
	}
	if a.Risk.DriftScore, _, err = neo4j.GetRecordValue[float64](rec, "drift"); err != nil {
		return nil, err
	}
	if a.Risk.ContaminationScore, _, err = neo4j.GetRecordValue[float64](rec, "score"); err != nil {
		return nil, err
	}
	zone, _, err := neo4j.GetRecordValue[string](rec, "zone")
	if err != nil {
		return nil, err
	}
	a.Risk.Zone = Zone(zone)
	if hop, isNil, err := neo4j.GetRecordValue[int64](rec, "hop"); err == nil && !isNil {
		a.Risk.HopDistance = intPtr(int(hop))
	}
	if ts, isNil, err := neo4j.GetRecordValue[time.Time](rec, "updated_at"); err == nil && !isNil {
		a.Risk.UpdatedAt = ts
	}

	if a.Fingerprint, err = n.ReadFingerprint(ctx, accountID); err != nil {
		return nil, err
	}
	return a, nil
}

func (n *Neo4jStore) AccountExists(ctx context.Context, accountID string) (bool, error) {
	c, err := n.count(ctx, `
		MATCH (a:Account {account_id: $account_id}) RETURN count(a) AS n`,
		map[string]any{"account_id": accountID})
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return c > 0, nil
}

func (n *Neo4jStore) ListByZone(ctx context.Context, zone Zone, limit int) ([]ZoneMember, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account {zone: $zone})
		RETURN a.account_id AS id, coalesce(a.name, '') AS name,
		       coalesce(a.contamination_score, 0.0) AS score,
		       coalesce(a.drift_score, 0.0) AS drift,
		       a.hop_distance AS hop
		ORDER BY score DESC, id ASC
		LIMIT $limit`, map[string]any{"zone": string(zone), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list zone: %w", err)
	}

	out := make([]ZoneMember, 0, len(res.Records))
	for _, rec := range res.Records {
		var m ZoneMember
		if m.AccountID, _, err = neo4j.GetRecordValue[string](rec, "id"); err != nil {
			return nil, err
		}
		if m.Name, _, err = neo4j.GetRecordValue[string](rec, "name"); err != nil {
			return nil, err
		}
		if m.ContaminationScore, _, err = neo4j.GetRecordValue[float64](rec, "score"); err != nil {
			return nil, err
		}
		if m.DriftScore, _, err = neo4j.GetRecordValue[float64](rec, "drift"); err != nil {
			return nil, err
		}
		if hop, isNil, err := neo4j.GetRecordValue[int64](rec, "hop"); err == nil && !isNil {
			m.HopDistance = intPtr(int(hop))
		}
		out = append(out, m)
	}
	return out, nil
}

func (n *Neo4jStore) ZoneStats(ctx context.Context) (*Stats, error) {
	res, err := n.read(ctx, `
		MATCH (a:Account)
		RETURN coalesce(a.zone, 'Clean') AS zone, count(a) AS n`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate zones: %w", err)
	}

	stats := &Stats{ZoneDistribution: make(map[Zone]int)}
	for _, rec := range res.Records {
		zone, _, err := neo4j.GetRecordValue[string](rec, "zone")
		if err != nil {
			return nil, err
		}
		c, _, err := neo4j.GetRecordValue[int64](rec, "n")
		if err != nil {
			return nil, err
		}
		stats.ZoneDistribution[Zone(zone)] = int(c)
		stats.TotalAccounts += int(c)
	}

	fraud, err := n.count(ctx, `MATCH (a:Account {is_fraud: true}) RETURN count(a) AS n`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count fraud accounts: %w", err)
	}
	stats.ConfirmedFraud = fraud
	return stats, nil
}

func (n *Neo4jStore) RecordTransaction(ctx context.Context, tx Transaction) error {
	res, err := n.run(ctx, `
		MATCH (s:Account {account_id: $sender_id})
		MATCH (r:Account {account_id: $receiver_id})
		CREATE (t:Transaction {
			transaction_id: $id,
			amount: $amount,
			timestamp: $ts,
			flagged: false
		})
		CREATE (s)-[:SENT]->(t)
		CREATE (t)-[:RECEIVED]->(r)
		RETURN t.transaction_id`, map[string]any{
		"sender_id":   tx.SenderID,
		"receiver_id": tx.ReceiverID,
		"id":          tx.ID,
		"amount":      tx.Amount,
		"ts":          tx.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrAccountNotFound, tx.SenderID, tx.ReceiverID)
	}
	return nil
}

// UpsertAccount creates or renames an account node.
func (n *Neo4jStore) UpsertAccount(ctx context.Context, id, name string, isFraud bool) error {
	_, err := n.run(ctx, `
		MERGE (a:Account {account_id: $account_id})
		ON CREATE SET a.zone = 'Clean', a.contamination_score = 0.0, a.drift_score = 0.0
		SET a.name = $name, a.is_fraud = $is_fraud
		WITH a
		WHERE $is_fraud
		SET a.zone = 'Critical', a.contamination_score = 1.0`, map[string]any{
		"account_id": id,
		"name":       name,
		"is_fraud":   isFraud,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// LinkDevice records that an account uses a device.
func (n *Neo4jStore) LinkDevice(ctx context.Context, accountID, deviceID string) error {
	err := n.matchOne(ctx, accountID, `
		MATCH (a:Account {account_id: $account_id})
		MERGE (d:Device {device_id: $device_id})
		MERGE (a)-[:USES_DEVICE]->(d)
		RETURN a.account_id`, map[string]any{"account_id": accountID, "device_id": deviceID})
	if err != nil {
		return fmt.Errorf("failed to link device: %w", err)
	}
	return nil
}

func (n *Neo4jStore) Ping(ctx context.Context) error { return n.driver.VerifyConnectivity(ctx) }

// Close releases the driver. Store.Close has no context, so a background
// context is used.
func (n *Neo4jStore) Close() error { return n.driver.Close(context.Background()) }
