// Package history is the append-oriented persistent record of every
// processed envelope, keyed by domain entity. It feeds later training
// and analytics; the event processor is its only writer.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on reads for unknown entities.
var ErrNotFound = errors.New("history: not found")

// SensorReadings are the electrical/environmental measurements carried
// by a signal. Missing values are filled with fleet-wide defaults on
// append so every row is complete and queryable.
type SensorReadings struct {
	Temperature float64 `json:"temperature"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Vibration   float64 `json:"vibration"`
	Humidity    float64 `json:"humidity"`
	PowerFactor float64 `json:"powerFactor"`
	Frequency   float64 `json:"frequency"`
}

// PerformanceMetrics describe station-level operational health.
type PerformanceMetrics struct {
	Uptime       float64 `json:"uptime"`
	ErrorRate    float64 `json:"errorRate"`
	ResponseTime float64 `json:"responseTime"`
	Throughput   float64 `json:"throughput"`
	Efficiency   float64 `json:"efficiency"`
}

// Signal is one appended sensor/telemetry record.
type Signal struct {
	SignalID    string             `json:"signalId"`
	StationID   string             `json:"stationId"`
	Timestamp   time.Time          `json:"timestamp"`
	Sensor      SensorReadings     `json:"sensorData"`
	Performance PerformanceMetrics `json:"performance"`
	Status      string             `json:"status"`
	Payload     map[string]any     `json:"payload,omitempty"`
}

// StationState is the upserted per-station snapshot.
type StationState struct {
	StationID     string         `json:"stationId"`
	Status        string         `json:"status"`
	QueueLength   int            `json:"queueLength"`
	Inventory     int            `json:"currentInventory"`
	Payload       map[string]any `json:"payload,omitempty"`
	LastUpdated   time.Time      `json:"lastUpdated"`
	SourceEventID string         `json:"sourceEventId"`
}

// MarketSnapshot is one appended grid/market record.
type MarketSnapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	Grid          map[string]any `json:"gridData,omitempty"`
	Pricing       map[string]any `json:"pricing,omitempty"`
	Environmental map[string]any `json:"environmentalData,omitempty"`
	Renewable     map[string]any `json:"renewableGeneration,omitempty"`
}

// UserEvent is one appended user action record.
type UserEvent struct {
	UserID    string         `json:"userId"`
	StationID string         `json:"stationId"`
	EventType string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Store is the write/read contract the event processor persists
// through.
type Store interface {
	UpsertStationState(ctx context.Context, state StationState) error
	AppendSignal(ctx context.Context, sig Signal) (signalID string, err error)
	AppendMarketSnapshot(ctx context.Context, snap MarketSnapshot) error
	AppendUserEvent(ctx context.Context, evt UserEvent) error

	StationState(ctx context.Context, stationID string) (*StationState, error)
	RecentSignals(ctx context.Context, stationID string, limit int) ([]Signal, error)
	CountSignals(ctx context.Context) (int64, error)
}

// Defaults applied to sparse sensor payloads.
var defaultReadings = SensorReadings{
	Temperature: 25,
	Voltage:     220,
	Humidity:    50,
	PowerFactor: 0.95,
	Frequency:   50,
}

var defaultPerformance = PerformanceMetrics{
	Uptime:     100,
	Efficiency: 95,
}

// ApplySensorDefaults fills zero-valued measurement fields so a signal
// row is always complete. Zero is not a meaningful reading for any of
// the defaulted fields.
func ApplySensorDefaults(s *Signal) {
	if s.Sensor.Temperature == 0 {
		s.Sensor.Temperature = defaultReadings.Temperature
	}
	if s.Sensor.Voltage == 0 {
		s.Sensor.Voltage = defaultReadings.Voltage
	}
	if s.Sensor.Humidity == 0 {
		s.Sensor.Humidity = defaultReadings.Humidity
	}
	if s.Sensor.PowerFactor == 0 {
		s.Sensor.PowerFactor = defaultReadings.PowerFactor
	}
	if s.Sensor.Frequency == 0 {
		s.Sensor.Frequency = defaultReadings.Frequency
	}
	if s.Performance.Uptime == 0 {
		s.Performance.Uptime = defaultPerformance.Uptime
	}
	if s.Performance.Efficiency == 0 {
		s.Performance.Efficiency = defaultPerformance.Efficiency
	}
	if s.Status == "" {
		s.Status = "normal"
	}
}
