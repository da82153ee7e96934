// Package audit seals decision records with content digests and an
// append-only hash-chained ledger, and verifies stored decisions
// against both.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/voltmesh-labs/voltmesh/core/pkg/decision"
)

// digestSubject is the fixed field subset covered by the digest.
// Explanation and system metrics stay outside it so regenerating an
// explanation never breaks verification.
type digestSubject struct {
	Agent     string             `json:"agent"`
	StationID string             `json:"stationId"`
	Action    string             `json:"action"`
	Timestamp string             `json:"timestamp"`
	Context   map[string]any     `json:"context"`
	MLMetrics decision.MLMetrics `json:"mlMetrics"`
	Impact    decision.Impact    `json:"impact"`
}

// ComputeDigest returns the hex SHA-256 over the record's audited
// field subset. The JSON is canonicalized (RFC 8785) first so digests
// are stable across field ordering and storage round trips.
func ComputeDigest(rec decision.Record) (string, error) {
	subject := digestSubject{
		Agent:     rec.Actor,
		StationID: rec.StationID,
		Action:    rec.Action,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		Context:   rec.Context,
		MLMetrics: rec.MLMetrics,
		Impact:    rec.Impact,
	}
	raw, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("encode digest subject: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize digest subject: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
