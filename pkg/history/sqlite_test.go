package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// In-memory SQLite: keep everything on one connection.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_UpsertStationState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := StationState{
		StationID:     "ST001",
		Status:        "normal",
		QueueLength:   3,
		Inventory:     8,
		Payload:       map[string]any{"operator": "north"},
		LastUpdated:   time.Now().UTC(),
		SourceEventID: "evt-1",
	}
	require.NoError(t, store.UpsertStationState(ctx, first))

	got, err := store.StationState(ctx, "ST001")
	require.NoError(t, err)
	assert.Equal(t, "normal", got.Status)
	assert.Equal(t, 3, got.QueueLength)
	assert.Equal(t, "evt-1", got.SourceEventID)
	assert.Equal(t, "north", got.Payload["operator"])

	// Second write for the same station replaces the snapshot.
	second := first
	second.Status = "offline"
	second.QueueLength = 11
	second.SourceEventID = "evt-2"
	require.NoError(t, store.UpsertStationState(ctx, second))

	got, err = store.StationState(ctx, "ST001")
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Status)
	assert.Equal(t, 11, got.QueueLength)
	assert.Equal(t, "evt-2", got.SourceEventID)
}

func TestSQLiteStore_StationStateNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.StationState(context.Background(), "ST404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_AppendSignal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.AppendSignal(ctx, Signal{
		StationID: "ST001",
		Timestamp: time.Now().UTC(),
		Sensor:    SensorReadings{Temperature: 92, Voltage: 220},
	})
	require.NoError(t, err)
	assert.Equal(t, "SIG_000001", id)

	signals, err := store.RecentSignals(ctx, "ST001", 10)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, 92.0, signals[0].Sensor.Temperature)
	// Defaults filled for fields the payload omitted.
	assert.Equal(t, 50.0, signals[0].Sensor.Humidity)
	assert.Equal(t, 0.95, signals[0].Sensor.PowerFactor)
	assert.Equal(t, 100.0, signals[0].Performance.Uptime)
	assert.Equal(t, "normal", signals[0].Status)

	n, err := store.CountSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_SignalIDsUniqueUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 10
	ids := make(chan string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.AppendSignal(ctx, Signal{
				StationID: fmt.Sprintf("ST%03d", i),
				Timestamp: time.Now().UTC(),
			})
			if err == nil {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate signal id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers)
}

func TestSQLiteStore_AppendMarketSnapshot(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendMarketSnapshot(context.Background(), MarketSnapshot{
		Timestamp: time.Now().UTC(),
		Grid:      map[string]any{"frequency": 49.8},
		Pricing:   map[string]any{"currentEnergyPrice": 12.5},
	})
	assert.NoError(t, err)
}

func TestSQLiteStore_AppendUserEvent(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendUserEvent(context.Background(), UserEvent{
		UserID:    "U42",
		StationID: "ST001",
		EventType: "charging_start",
		Timestamp: time.Now().UTC(),
	})
	assert.NoError(t, err)
}

func TestSQLiteStore_SignalCounterSeededFromExistingRows(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.AppendSignal(ctx, Signal{StationID: "ST001", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	_, err = store.AppendSignal(ctx, Signal{StationID: "ST001", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	// A new store over the same database continues the sequence.
	reopened, err := NewSQLiteStore(db)
	require.NoError(t, err)
	id, err := reopened.AppendSignal(ctx, Signal{StationID: "ST001", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, "SIG_000003", id)
}
