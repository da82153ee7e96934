package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. JSON-shaped fields
// (context, metrics, impact) live in jsonb columns so the search
// surface stays on plain columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and ensures the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate decision schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS decision_logs (
			decision_id           TEXT PRIMARY KEY,
			ts                    TIMESTAMPTZ NOT NULL,
			station_id            TEXT NOT NULL,
			actor                 TEXT NOT NULL,
			action                TEXT NOT NULL,
			trigger_event         TEXT NOT NULL,
			context               JSONB NOT NULL DEFAULT '{}',
			ml_metrics            JSONB NOT NULL DEFAULT '{}',
			impact                JSONB NOT NULL DEFAULT '{}',
			system_metrics        JSONB NOT NULL DEFAULT '{}',
			priority              TEXT NOT NULL DEFAULT 'medium',
			explanation           TEXT,
			explanation_generated BOOLEAN NOT NULL DEFAULT FALSE,
			explanation_error     TEXT,
			audit_digest          TEXT,
			ledger_ref            TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_decision_logs_ts ON decision_logs (ts DESC);
		CREATE INDEX IF NOT EXISTS idx_decision_logs_station ON decision_logs (station_id);
		CREATE INDEX IF NOT EXISTS idx_decision_logs_actor ON decision_logs (actor)
	`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	mlJSON, _ := json.Marshal(rec.MLMetrics)
	impactJSON, _ := json.Marshal(rec.Impact)
	sysJSON, _ := json.Marshal(rec.SystemMetrics)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_logs (
			decision_id, ts, station_id, actor, action, trigger_event,
			context, ml_metrics, impact, system_metrics, priority,
			explanation, explanation_generated, explanation_error,
			audit_digest, ledger_ref
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.DecisionID, rec.Timestamp, rec.StationID, rec.Actor, rec.Action,
		rec.TriggerEvent, contextJSON, mlJSON, impactJSON, sysJSON, rec.Priority,
		nullable(rec.Explanation), rec.ExplanationGenerated,
		nullable(rec.ExplanationError), nullable(rec.AuditDigest), nullable(rec.LedgerRef))
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", rec.DecisionID, err)
	}
	return nil
}

const selectColumns = `decision_id, ts, station_id, actor, action, trigger_event,
	context, ml_metrics, impact, system_metrics, priority,
	explanation, explanation_generated, explanation_error, audit_digest, ledger_ref`

func (s *PostgresStore) Get(ctx context.Context, decisionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM decision_logs WHERE decision_id = $1", decisionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", decisionID, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                      Record
		contextJSON, mlJSON, impactJSON, sysJSON []byte
		explanation, explErr, digest, ledgerRef  sql.NullString
	)
	err := row.Scan(&rec.DecisionID, &rec.Timestamp, &rec.StationID, &rec.Actor,
		&rec.Action, &rec.TriggerEvent, &contextJSON, &mlJSON, &impactJSON,
		&sysJSON, &rec.Priority, &explanation, &rec.ExplanationGenerated,
		&explErr, &digest, &ledgerRef)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal(mlJSON, &rec.MLMetrics); err != nil {
		return nil, fmt.Errorf("decode mlMetrics: %w", err)
	}
	if err := json.Unmarshal(impactJSON, &rec.Impact); err != nil {
		return nil, fmt.Errorf("decode impact: %w", err)
	}
	if err := json.Unmarshal(sysJSON, &rec.SystemMetrics); err != nil {
		return nil, fmt.Errorf("decode systemMetrics: %w", err)
	}
	rec.Explanation = explanation.String
	rec.ExplanationError = explErr.String
	rec.AuditDigest = digest.String
	rec.LedgerRef = ledgerRef.String
	return &rec, nil
}

// buildWhere assembles the dynamic filter clause with $n placeholders.
func buildWhere(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.StationID != "" {
		add("station_id = $%d", f.StationID)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action ILIKE $%d", "%"+f.Action+"%")
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.HasExplanation != nil {
		add("explanation_generated = $%d", *f.HasExplanation)
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts <= $%d", f.End)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func (s *PostgresStore) Search(ctx context.Context, f Filter, p Page) ([]Record, int64, error) {
	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM decision_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query := "SELECT " + selectColumns + " FROM decision_logs" + where +
		" ORDER BY ts DESC LIMIT $" + strconv.Itoa(len(args)+1) +
		" OFFSET $" + strconv.Itoa(len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search decisions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decision_logs").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MaxSequence(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(decision_id FROM 5) AS BIGINT)), 0)
		FROM decision_logs WHERE decision_id ~ '^DEC_[0-9]+$'`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max decision sequence: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) UpdateExplanation(ctx context.Context, decisionID, explanation string, regeneratedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decision_logs SET
			explanation = $2,
			explanation_generated = $3,
			explanation_error = NULL,
			context = jsonb_set(context, '{regeneratedAt}', to_jsonb($4::text))
		WHERE decision_id = $1`,
		decisionID, explanation, explanation != "",
		regeneratedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update explanation %s: %w", decisionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	cutoff := time.Now().UTC().Add(-window)
	stats := Stats{
		ActorBreakdown: map[string]int64{},
		Window:         windowLabel(window),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(AVG((ml_metrics->>'confidenceScore')::FLOAT), 0),
			COALESCE(AVG((impact->>'riskScore')::FLOAT), 0),
			COALESCE(SUM((impact->>'costImpact')::FLOAT), 0),
			COALESCE(SUM((impact->>'revenueImpact')::FLOAT), 0),
			COALESCE(SUM(CASE WHEN explanation_generated THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ledger_ref IS NOT NULL AND ledger_ref <> '' THEN 1 ELSE 0 END), 0)
		FROM decision_logs WHERE ts >= $1`, cutoff)
	err := row.Scan(&stats.TotalDecisions, &stats.AvgConfidence, &stats.AvgRiskScore,
		&stats.TotalCostImpact, &stats.TotalRevenueImpact,
		&stats.ExplanationsGenerated, &stats.LedgerAudited)
	if err != nil {
		return stats, fmt.Errorf("decision stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT actor, COUNT(*) FROM decision_logs WHERE ts >= $1 GROUP BY actor", cutoff)
	if err != nil {
		return stats, fmt.Errorf("decision stats breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var actor string
		var n int64
		if err := rows.Scan(&actor, &n); err != nil {
			return stats, err
		}
		stats.ActorBreakdown[actor] = n
	}
	return stats, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
