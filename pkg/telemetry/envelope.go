// Package telemetry defines the canonical event envelope that every
// producer wraps its payload in before it enters the durable queue, plus
// the normalized event shape republished to decision-making subscribers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies the producer class of an envelope.
type Source string

const (
	SourceStation Source = "station"
	SourceSensor  Source = "sensor"
	SourceUser    Source = "user"
	SourceGrid    Source = "grid"
)

// Well-known event types. User events carry their own type
// (queue_join, charging_start, charging_complete, ...).
const (
	TypeStationUpdate = "station_update"
	TypeSensorReading = "sensor_reading"
	TypeEnergyUpdate  = "energy_update"
)

// Envelope wraps a raw telemetry payload with identity and routing
// metadata. Envelopes are immutable after construction; the payload map
// is copied so later mutation by the producer cannot leak in.
type Envelope struct {
	ID        string         `json:"eventId"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"data"`
	Processed bool           `json:"processed"`
}

// NewEnvelope builds an envelope around payload with a fresh UUID and the
// current UTC time. Pure apart from the ID/clock reads; no I/O.
func NewEnvelope(source Source, eventType string, payload map[string]any) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      eventType,
		Payload:   clonePayload(payload),
	}
}

// EntityKey returns the domain entity this envelope belongs to: the
// station when one is named, the grid identifier for market data, and the
// source class as a last resort so grid-wide events share one live-state
// slot.
func (e Envelope) EntityKey() string {
	if id := e.Str("stationId"); id != "" {
		return id
	}
	if id := e.Str("gridId"); id != "" {
		return id
	}
	return string(e.Source)
}

// Str returns the payload field as a string, or "" when absent or not a
// string.
func (e Envelope) Str(field string) string {
	s, _ := e.Payload[field].(string)
	return s
}

// Float returns the payload field as a float64 and whether it was
// present. JSON round-trips land numbers as float64; int values written
// directly by Go callers are widened.
func (e Envelope) Float(field string) (float64, bool) {
	return asFloat(e.Payload[field])
}

// NestedFloat looks up parent.child, e.g. sensorData.temperature. Sensor
// payloads nest their readings one level down.
func (e Envelope) NestedFloat(parent, child string) (float64, bool) {
	m, ok := e.Payload[parent].(map[string]any)
	if !ok {
		return 0, false
	}
	return asFloat(m[child])
}

// Encode serializes the envelope for queue transport.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// Decode deserializes a queue item back into an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("telemetry: decode envelope: %w", err)
	}
	return e, nil
}

// NormalizedEvent is the fan-out message published for decision-making
// subscribers after an envelope has been durably processed.
type NormalizedEvent struct {
	EventID        string         `json:"eventId"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         Source         `json:"source"`
	Type           string         `json:"type"`
	EntityKey      string         `json:"entityKey"`
	Payload        map[string]any `json:"data"`
	TriggerReasons []string       `json:"triggerReasons"`
	Severity       string         `json:"severity"`
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
