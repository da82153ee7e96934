package processor

import (
	"github.com/voltmesh-labs/voltmesh/core/pkg/telemetry"
)

// Severity grades how urgently a classified event needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Trigger reasons derived from payload thresholds.
const (
	ReasonHighQueue       = "high_queue"
	ReasonLowInventory    = "low_inventory"
	ReasonStationOffline  = "station_offline"
	ReasonHighTemperature = "high_temperature"
	ReasonVoltageAnomaly  = "voltage_anomaly"
	ReasonHighEnergyPrice = "high_energy_price"
	ReasonGridInstability = "grid_instability"
	ReasonRoutine         = "routine_monitoring"
)

// Fixed classification thresholds from the domain glossary.
const (
	queueHighThreshold      = 5
	queueCriticalThreshold  = 10
	queueSevereThreshold    = 8
	inventoryLowThreshold   = 5
	inventorySevereLimit    = 3
	inventoryCriticalLimit  = 2
	temperatureHigh         = 85
	temperatureCritical     = 95
	voltageMin              = 200
	voltageMax              = 240
	priceHighThreshold      = 10
	priceCriticalThreshold  = 15
	gridFrequencyLowerBound = 49
	gridFrequencyUpperBound = 51
)

// payloadView extracts the threshold inputs once; sensor readings may
// sit either at the top level or nested under sensorData, grid readings
// under gridData.
type payloadView struct {
	status         string
	queueLength    float64
	hasQueue       bool
	inventory      float64
	hasInventory   bool
	temperature    float64
	hasTemperature bool
	voltage        float64
	hasVoltage     bool
	price          float64
	hasPrice       bool
	frequency      float64
	hasFrequency   bool
}

func view(env telemetry.Envelope) payloadView {
	v := payloadView{status: env.Str("status")}
	v.queueLength, v.hasQueue = env.Float("queueLength")
	v.inventory, v.hasInventory = env.Float("currentInventory")
	v.price, v.hasPrice = env.Float("currentEnergyPrice")

	if t, ok := env.NestedFloat("sensorData", "temperature"); ok {
		v.temperature, v.hasTemperature = t, true
	} else {
		v.temperature, v.hasTemperature = env.Float("temperature")
	}
	if u, ok := env.NestedFloat("sensorData", "voltage"); ok {
		v.voltage, v.hasVoltage = u, true
	} else {
		v.voltage, v.hasVoltage = env.Float("voltage")
	}
	if f, ok := env.NestedFloat("gridData", "frequency"); ok {
		v.frequency, v.hasFrequency = f, true
	} else {
		v.frequency, v.hasFrequency = env.Float("frequency")
	}
	return v
}

// Classify derives the trigger reasons and severity for an envelope.
// Classification is never persisted; it only steers fan-out and
// notification.
func Classify(env telemetry.Envelope) ([]string, Severity) {
	v := view(env)

	var reasons []string
	if v.hasQueue && v.queueLength > queueHighThreshold {
		reasons = append(reasons, ReasonHighQueue)
	}
	if v.hasInventory && v.inventory < inventoryLowThreshold {
		reasons = append(reasons, ReasonLowInventory)
	}
	if v.status == "offline" {
		reasons = append(reasons, ReasonStationOffline)
	}
	if v.hasTemperature && v.temperature > temperatureHigh {
		reasons = append(reasons, ReasonHighTemperature)
	}
	if v.hasVoltage && (v.voltage < voltageMin || v.voltage > voltageMax) {
		reasons = append(reasons, ReasonVoltageAnomaly)
	}
	if v.hasPrice && v.price > priceHighThreshold {
		reasons = append(reasons, ReasonHighEnergyPrice)
	}
	if v.hasFrequency && (v.frequency < gridFrequencyLowerBound || v.frequency > gridFrequencyUpperBound) {
		reasons = append(reasons, ReasonGridInstability)
	}
	if len(reasons) == 0 {
		reasons = []string{ReasonRoutine}
	}

	return reasons, severity(v)
}

func severity(v payloadView) Severity {
	switch {
	case v.status == "emergency",
		v.hasInventory && v.inventory < inventoryCriticalLimit,
		v.hasQueue && v.queueLength > queueCriticalThreshold,
		v.hasTemperature && v.temperature > temperatureCritical,
		v.hasPrice && v.price > priceCriticalThreshold:
		return SeverityCritical
	case v.status == "offline",
		v.hasQueue && v.queueLength > queueSevereThreshold,
		v.hasInventory && v.inventory < inventorySevereLimit,
		v.hasTemperature && v.temperature > temperatureHigh:
		return SeverityHigh
	case v.hasQueue && v.queueLength > queueHighThreshold,
		v.hasInventory && v.inventory < inventoryLowThreshold,
		v.hasVoltage && (v.voltage < voltageMin || v.voltage > voltageMax),
		v.hasFrequency && (v.frequency < gridFrequencyLowerBound || v.frequency > gridFrequencyUpperBound),
		v.hasPrice && v.price > priceHighThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// NeedsNotification reports whether the severity warrants invoking the
// notification engine.
func NeedsNotification(s Severity) bool {
	return s == SeverityHigh || s == SeverityCritical
}

// NotificationEventType maps an envelope type onto the notification
// engine's event taxonomy.
func NotificationEventType(envelopeType string) string {
	switch envelopeType {
	case telemetry.TypeStationUpdate:
		return "STATION_UPDATE"
	case telemetry.TypeSensorReading:
		return "SENSOR_ALERT"
	case telemetry.TypeEnergyUpdate:
		return "ENERGY_ALERT"
	case "queue_join", "charging_start", "charging_complete":
		return "USER_EVENT"
	default:
		return "SYSTEM_EVENT"
	}
}
