// Package decision persists the auditable trail of autonomous agent
// actions: what actor did what, against which station, with which model
// metrics and expected impact, and why in plain language.
package decision

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a decision ID resolves to nothing.
var ErrNotFound = errors.New("decision not found")

// ErrInvalid marks a decision input that fails validation.
var ErrInvalid = errors.New("invalid decision")

// ErrDuplicateID is returned when inserting an ID that already exists.
var ErrDuplicateID = errors.New("duplicate decision id")

// Actors permitted to log decisions.
const (
	ActorMechanic  = "MechanicAgent"
	ActorTraffic   = "TrafficAgent"
	ActorLogistics = "LogisticsAgent"
	ActorEnergy    = "EnergyAgent"
	ActorAuditor   = "AuditorAgent"
)

var knownActors = map[string]bool{
	ActorMechanic:  true,
	ActorTraffic:   true,
	ActorLogistics: true,
	ActorEnergy:    true,
	ActorAuditor:   true,
}

// Priorities for a logged decision.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var knownPriorities = map[string]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityCritical: true,
}

var stationIDPattern = regexp.MustCompile(`^ST\d{3}$`)

// MLMetrics captures the model run behind a decision.
type MLMetrics struct {
	ConfidenceScore float64 `json:"confidenceScore"`
	ExecutionTime   float64 `json:"executionTime"`
	ModelVersion    string  `json:"modelVersion"`
}

// Impact is the decision's expected business effect.
type Impact struct {
	CostImpact       float64 `json:"costImpact"`
	RevenueImpact    float64 `json:"revenueImpact"`
	SuccessRate      float64 `json:"successRate"`
	UserSatisfaction float64 `json:"userSatisfaction"`
	RiskScore        float64 `json:"riskScore"`
}

// SystemMetrics snapshots host load at decision time.
type SystemMetrics struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	APICalls    int     `json:"apiCalls"`
}

// Input is a decision as submitted by an agent, before ID assignment
// and defaulting.
type Input struct {
	Timestamp     time.Time      `json:"timestamp"`
	StationID     string         `json:"stationId"`
	Actor         string         `json:"agent"`
	Action        string         `json:"action"`
	TriggerEvent  string         `json:"triggerEvent"`
	Context       map[string]any `json:"context"`
	MLMetrics     *MLMetrics     `json:"mlMetrics"`
	Impact        *Impact        `json:"impact"`
	SystemMetrics *SystemMetrics `json:"systemMetrics"`
	Priority      string         `json:"priority"`
}

// Record is a fully materialized decision log entry.
type Record struct {
	DecisionID           string         `json:"decisionId"`
	Timestamp            time.Time      `json:"timestamp"`
	StationID            string         `json:"stationId"`
	Actor                string         `json:"agent"`
	Action               string         `json:"action"`
	TriggerEvent         string         `json:"triggerEvent"`
	Context              map[string]any `json:"context"`
	MLMetrics            MLMetrics      `json:"mlMetrics"`
	Impact               Impact         `json:"impact"`
	SystemMetrics        SystemMetrics  `json:"systemMetrics"`
	Priority             string         `json:"priority"`
	Explanation          string         `json:"explanation"`
	ExplanationGenerated bool           `json:"explanationGenerated"`
	ExplanationError     string         `json:"explanationError,omitempty"`
	AuditDigest          string         `json:"auditDigest,omitempty"`
	LedgerRef            string         `json:"ledgerRef,omitempty"`
}

// Validate checks the input against the actor whitelist, the station ID
// format and metric ranges.
func (in Input) Validate() error {
	if in.Actor == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalid)
	}
	if !knownActors[in.Actor] {
		return fmt.Errorf("%w: unknown agent %q", ErrInvalid, in.Actor)
	}
	if in.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalid)
	}
	if in.StationID == "" {
		return fmt.Errorf("%w: stationId is required", ErrInvalid)
	}
	if !stationIDPattern.MatchString(in.StationID) {
		return fmt.Errorf("%w: stationId %q does not match ST000 format", ErrInvalid, in.StationID)
	}
	if in.MLMetrics != nil {
		if c := in.MLMetrics.ConfidenceScore; c < 0 || c > 1 {
			return fmt.Errorf("%w: confidenceScore %v out of range [0,1]", ErrInvalid, c)
		}
	}
	if in.Priority != "" && !knownPriorities[in.Priority] {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, in.Priority)
	}
	return nil
}

// materialize applies the documented defaults and stamps the ID.
func (in Input) materialize(decisionID string, now time.Time) Record {
	rec := Record{
		DecisionID:   decisionID,
		Timestamp:    in.Timestamp,
		StationID:    in.StationID,
		Actor:        in.Actor,
		Action:       in.Action,
		TriggerEvent: in.TriggerEvent,
		Context:      in.Context,
		Priority:     in.Priority,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	// TIMESTAMPTZ holds microseconds; finer precision would be lost on
	// the storage round trip and the audit digest would stop verifying.
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	if rec.TriggerEvent == "" {
		rec.TriggerEvent = "system_alert"
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	if rec.Priority == "" {
		rec.Priority = PriorityMedium
	}
	if in.MLMetrics != nil {
		rec.MLMetrics = *in.MLMetrics
	} else {
		rec.MLMetrics = MLMetrics{ConfidenceScore: 0.7, ExecutionTime: 0, ModelVersion: "1.0.0"}
	}
	if in.Impact != nil {
		rec.Impact = *in.Impact
	} else {
		rec.Impact = Impact{SuccessRate: 0.8, UserSatisfaction: 0.8, RiskScore: 0.3}
	}
	if in.SystemMetrics != nil {
		rec.SystemMetrics = *in.SystemMetrics
	} else {
		rec.SystemMetrics = SystemMetrics{CPUUsage: 50, MemoryUsage: 60, APICalls: 1}
	}
	return rec
}
