package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
//
// Signal IDs are SIG_%06d from an atomic counter seeded from the table
// count at open, so concurrent appends can never allocate the same ID.
type SQLiteStore struct {
	db        *sql.DB
	signalSeq atomic.Int64
}

// NewSQLiteStore migrates the schema and seeds the signal counter.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	n, err := s.CountSignals(context.Background())
	if err != nil {
		return nil, err
	}
	s.signalSeq.Store(n)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS station_states (
        station_id TEXT PRIMARY KEY,
        status TEXT,
        queue_length INTEGER NOT NULL DEFAULT 0,
        inventory INTEGER NOT NULL DEFAULT 0,
        payload JSON,
        last_updated DATETIME,
        source_event_id TEXT
    );
    CREATE TABLE IF NOT EXISTS signal_logs (
        signal_id TEXT PRIMARY KEY,
        station_id TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        temperature REAL, voltage REAL, current REAL, vibration REAL,
        humidity REAL, power_factor REAL, frequency REAL,
        uptime REAL, error_rate REAL, response_time REAL,
        throughput REAL, efficiency REAL,
        status TEXT,
        payload JSON
    );
    CREATE INDEX IF NOT EXISTS idx_signal_logs_station_time ON signal_logs(station_id, timestamp);
    CREATE TABLE IF NOT EXISTS market_snapshots (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL,
        grid JSON, pricing JSON, environmental JSON, renewable JSON
    );
    CREATE TABLE IF NOT EXISTS user_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT,
        station_id TEXT,
        event_type TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        payload JSON
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertStationState(ctx context.Context, state StationState) error {
	payloadJSON, _ := json.Marshal(state.Payload)
	query := `INSERT INTO station_states (station_id, status, queue_length, inventory, payload, last_updated, source_event_id)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(station_id) DO UPDATE SET
            status = excluded.status,
            queue_length = excluded.queue_length,
            inventory = excluded.inventory,
            payload = excluded.payload,
            last_updated = excluded.last_updated,
            source_event_id = excluded.source_event_id`
	_, err := s.db.ExecContext(ctx, query,
		state.StationID, state.Status, state.QueueLength, state.Inventory,
		string(payloadJSON), state.LastUpdated.UTC().Format(time.RFC3339Nano), state.SourceEventID,
	)
	if err != nil {
		return fmt.Errorf("history: upsert station state %s: %w", state.StationID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendSignal(ctx context.Context, sig Signal) (string, error) {
	ApplySensorDefaults(&sig)
	if sig.SignalID == "" {
		sig.SignalID = fmt.Sprintf("SIG_%06d", s.signalSeq.Add(1))
	}
	payloadJSON, _ := json.Marshal(sig.Payload)

	query := `INSERT INTO signal_logs (
        signal_id, station_id, timestamp,
        temperature, voltage, current, vibration, humidity, power_factor, frequency,
        uptime, error_rate, response_time, throughput, efficiency,
        status, payload
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sig.SignalID, sig.StationID, sig.Timestamp.UTC().Format(time.RFC3339Nano),
		sig.Sensor.Temperature, sig.Sensor.Voltage, sig.Sensor.Current, sig.Sensor.Vibration,
		sig.Sensor.Humidity, sig.Sensor.PowerFactor, sig.Sensor.Frequency,
		sig.Performance.Uptime, sig.Performance.ErrorRate, sig.Performance.ResponseTime,
		sig.Performance.Throughput, sig.Performance.Efficiency,
		sig.Status, string(payloadJSON),
	)
	if err != nil {
		return "", fmt.Errorf("history: append signal for %s: %w", sig.StationID, err)
	}
	return sig.SignalID, nil
}

func (s *SQLiteStore) AppendMarketSnapshot(ctx context.Context, snap MarketSnapshot) error {
	gridJSON, _ := json.Marshal(snap.Grid)
	pricingJSON, _ := json.Marshal(snap.Pricing)
	envJSON, _ := json.Marshal(snap.Environmental)
	renewableJSON, _ := json.Marshal(snap.Renewable)

	query := `INSERT INTO market_snapshots (timestamp, grid, pricing, environmental, renewable)
        VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		snap.Timestamp.UTC().Format(time.RFC3339Nano),
		string(gridJSON), string(pricingJSON), string(envJSON), string(renewableJSON),
	)
	if err != nil {
		return fmt.Errorf("history: append market snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendUserEvent(ctx context.Context, evt UserEvent) error {
	payloadJSON, _ := json.Marshal(evt.Payload)
	query := `INSERT INTO user_events (user_id, station_id, event_type, timestamp, payload)
        VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		evt.UserID, evt.StationID, evt.EventType,
		evt.Timestamp.UTC().Format(time.RFC3339Nano), string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("history: append user event %s: %w", evt.EventType, err)
	}
	return nil
}

func (s *SQLiteStore) StationState(ctx context.Context, stationID string) (*StationState, error) {
	query := `SELECT station_id, status, queue_length, inventory, payload, last_updated, source_event_id
        FROM station_states WHERE station_id = ?`
	row := s.db.QueryRowContext(ctx, query, stationID)

	var (
		state       StationState
		payloadJSON sql.NullString
		lastUpdated string
		status      sql.NullString
		sourceEvent sql.NullString
	)
	err := row.Scan(&state.StationID, &status, &state.QueueLength, &state.Inventory,
		&payloadJSON, &lastUpdated, &sourceEvent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: read station state %s: %w", stationID, err)
	}
	state.Status = status.String
	state.SourceEventID = sourceEvent.String
	state.LastUpdated = parseTime(lastUpdated)
	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &state.Payload)
	}
	return &state, nil
}

func (s *SQLiteStore) RecentSignals(ctx context.Context, stationID string, limit int) ([]Signal, error) {
	query := `SELECT signal_id, station_id, timestamp,
        temperature, voltage, current, vibration, humidity, power_factor, frequency,
        uptime, error_rate, response_time, throughput, efficiency,
        status, payload
        FROM signal_logs WHERE station_id = ?
        ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent signals %s: %w", stationID, err)
	}
	defer func() { _ = rows.Close() }()

	var signals []Signal
	for rows.Next() {
		var (
			sig         Signal
			ts          string
			status      sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&sig.SignalID, &sig.StationID, &ts,
			&sig.Sensor.Temperature, &sig.Sensor.Voltage, &sig.Sensor.Current, &sig.Sensor.Vibration,
			&sig.Sensor.Humidity, &sig.Sensor.PowerFactor, &sig.Sensor.Frequency,
			&sig.Performance.Uptime, &sig.Performance.ErrorRate, &sig.Performance.ResponseTime,
			&sig.Performance.Throughput, &sig.Performance.Efficiency,
			&status, &payloadJSON); err != nil {
			return nil, fmt.Errorf("history: scan signal: %w", err)
		}
		sig.Timestamp = parseTime(ts)
		sig.Status = status.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &sig.Payload)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return signals, nil
}

func (s *SQLiteStore) CountSignals(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signal_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count signals: %w", err)
	}
	return n, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
