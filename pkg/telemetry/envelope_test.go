package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	payload := map[string]any{
		"stationId":   "ST001",
		"queueLength": 3,
		"sensorData":  map[string]any{"temperature": 72.5},
	}

	env := NewEnvelope(SourceStation, TypeStationUpdate, payload)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, SourceStation, env.Source)
	assert.Equal(t, TypeStationUpdate, env.Type)
	assert.False(t, env.Processed)
	assert.WithinDuration(t, time.Now().UTC(), env.Timestamp, 2*time.Second)

	// Distinct envelopes get distinct IDs.
	env2 := NewEnvelope(SourceStation, TypeStationUpdate, payload)
	assert.NotEqual(t, env.ID, env2.ID)
}

func TestNewEnvelope_CopiesPayload(t *testing.T) {
	payload := map[string]any{
		"stationId":  "ST002",
		"sensorData": map[string]any{"temperature": 40.0},
	}
	env := NewEnvelope(SourceSensor, TypeSensorReading, payload)

	payload["stationId"] = "ST999"
	payload["sensorData"].(map[string]any)["temperature"] = 99.0

	assert.Equal(t, "ST002", env.Str("stationId"))
	temp, ok := env.NestedFloat("sensorData", "temperature")
	require.True(t, ok)
	assert.Equal(t, 40.0, temp)
}

func TestEnvelope_EntityKey(t *testing.T) {
	cases := []struct {
		name    string
		source  Source
		payload map[string]any
		want    string
	}{
		{"station id wins", SourceSensor, map[string]any{"stationId": "ST007"}, "ST007"},
		{"grid id next", SourceGrid, map[string]any{"gridId": "G-NORTH"}, "G-NORTH"},
		{"source fallback", SourceGrid, map[string]any{"currentEnergyPrice": 8.2}, "grid"},
		{"nil payload", SourceUser, nil, "user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := NewEnvelope(tc.source, "x", tc.payload)
			assert.Equal(t, tc.want, env.EntityKey())
		})
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := NewEnvelope(SourceGrid, TypeEnergyUpdate, map[string]any{
		"currentEnergyPrice": 12.5,
		"gridData":           map[string]any{"frequency": 49.8},
	})

	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Source, got.Source)
	price, ok := got.Float("currentEnergyPrice")
	require.True(t, ok)
	assert.Equal(t, 12.5, price)
	freq, ok := got.NestedFloat("gridData", "frequency")
	require.True(t, ok)
	assert.Equal(t, 49.8, freq)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestEnvelope_FloatWidening(t *testing.T) {
	env := NewEnvelope(SourceStation, TypeStationUpdate, map[string]any{
		"queueLength": 7, // int, as written by in-process producers
	})
	v, ok := env.Float("queueLength")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = env.Float("missing")
	assert.False(t, ok)
}
