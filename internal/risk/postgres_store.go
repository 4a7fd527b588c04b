package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/pagination"
)

// PostgresStore persists risk assessments in PostgreSQL. The table is
// created by migrations/002_risk_assessments.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment history.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	var hop sql.NullInt64
	if a.HopDistance != nil {
		hop = sql.NullInt64{Int64: int64(*a.HopDistance), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, account_id, hop_distance, drift_score, contamination_score, zone, factors, source, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.AccountID,
		hop,
		a.DriftScore,
		a.ContaminationScore,
		string(a.Zone),
		factorsJSON,
		a.Source,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	var (
		afterTime sql.NullTime
		afterID   string
	)
	if before != nil {
		afterTime = sql.NullTime{Time: before.At, Valid: true}
		afterID = before.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, hop_distance, drift_score, contamination_score,
		       zone, factors, source, evaluated_at
		FROM risk_assessments
		WHERE account_id = $1
		  AND ($3::timestamptz IS NULL OR (evaluated_at, id) < ($3, $4))
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2
	`, accountID, limit, afterTime, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var hop sql.NullInt64
		var zone string
		var factorsJSON []byte

		if err := rows.Scan(&a.ID, &a.AccountID, &hop, &a.DriftScore, &a.ContaminationScore,
			&zone, &factorsJSON, &a.Source, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		if hop.Valid {
			h := int(hop.Int64)
			a.HopDistance = &h
		}
		a.Zone = graph.Zone(zone)
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}
