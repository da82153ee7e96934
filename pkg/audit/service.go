package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/voltmesh-labs/voltmesh/core/pkg/decision"
)

// Ledger integrity states. "unknown" means the ledger holds no
// locatable receipt for the decision, which is expected when the
// ledger was down at log time.
const (
	LedgerVerified = "verified"
	LedgerFailed   = "failed"
	LedgerUnknown  = "unknown"
)

// entry type written for decision receipts.
const entryTypeDecision = "DECISION"

// verifySearchWindow bounds the backwards ledger scan when a decision
// carries no ledger reference.
const verifySearchWindow = 50

// Verification is the outcome of checking one stored decision.
type Verification struct {
	DecisionID        string    `json:"decisionId"`
	DatabaseIntegrity bool      `json:"databaseIntegrity"`
	LedgerIntegrity   string    `json:"ledgerIntegrity"`
	OverallIntegrity  bool      `json:"overallIntegrity"`
	StoredDigest      string    `json:"storedDigest"`
	ComputedDigest    string    `json:"computedDigest"`
	VerifiedAt        time.Time `json:"verifiedAt"`
}

// TrailEntry is one row of the audit trail listing.
type TrailEntry struct {
	DecisionID  string    `json:"decisionId"`
	Actor       string    `json:"agent"`
	StationID   string    `json:"stationId"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
	AuditDigest string    `json:"auditDigest"`
	LedgerRef   string    `json:"ledgerRef,omitempty"`
}

// Service computes digests at log time and verifies stored decisions
// against both the database copy and the ledger receipt.
type Service struct {
	store  decision.Store
	ledger Ledger
	logger *slog.Logger
}

// NewService builds the audit service over the decision store and a
// ledger.
func NewService(store decision.Store, ledger Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: slog.Default().With("component", "audit"),
	}
}

// Audit computes the record's digest and appends a receipt to the
// ledger. Digest failure is hard; ledger failure is reported in the
// receipt so callers can proceed without a ledger reference.
func (s *Service) Audit(ctx context.Context, rec decision.Record) (decision.AuditReceipt, error) {
	digest, err := ComputeDigest(rec)
	if err != nil {
		return decision.AuditReceipt{}, err
	}
	receipt := decision.AuditReceipt{Digest: digest}

	seq, contentHash, err := s.ledger.Append(entryTypeDecision, map[string]any{
		"decisionId": rec.DecisionID,
		"agent":      rec.Actor,
		"stationId":  rec.StationID,
		"action":     rec.Action,
		"digest":     digest,
	})
	if err != nil {
		receipt.LedgerErr = err.Error()
		s.logger.WarnContext(ctx, "ledger append failed",
			"decisionId", rec.DecisionID, "error", err)
		return receipt, nil
	}
	receipt.LedgerRef = strconv.FormatUint(seq, 10)
	receipt.BlockRef = contentHash
	return receipt, nil
}

// Verify checks a stored decision three ways: the database copy still
// hashes to its stored digest, the ledger holds a matching receipt,
// and the two agree.
func (s *Service) Verify(ctx context.Context, decisionID string) (*Verification, error) {
	rec, err := s.store.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	computed, err := ComputeDigest(*rec)
	if err != nil {
		return nil, fmt.Errorf("recompute digest: %w", err)
	}

	v := &Verification{
		DecisionID:        decisionID,
		DatabaseIntegrity: rec.AuditDigest != "" && rec.AuditDigest == computed,
		StoredDigest:      rec.AuditDigest,
		ComputedDigest:    computed,
		VerifiedAt:        time.Now().UTC(),
	}
	v.LedgerIntegrity = s.ledgerIntegrity(*rec, computed)
	v.OverallIntegrity = v.DatabaseIntegrity && v.LedgerIntegrity != LedgerFailed
	return v, nil
}

// ledgerIntegrity resolves the ledger receipt by reference, falling
// back to a bounded backwards scan for decisions logged while the
// reference was lost.
func (s *Service) ledgerIntegrity(rec decision.Record, computed string) string {
	if rec.LedgerRef != "" {
		seq, err := strconv.ParseUint(rec.LedgerRef, 10, 64)
		if err == nil {
			entry, err := s.ledger.Entry(seq)
			if err == nil {
				if matchesReceipt(entry, rec.DecisionID, computed) {
					return LedgerVerified
				}
				return LedgerFailed
			}
		}
	}

	length := uint64(s.ledger.Length())
	scanned := 0
	for seq := length; seq >= 1 && scanned < verifySearchWindow; seq-- {
		scanned++
		entry, err := s.ledger.Entry(seq)
		if err != nil {
			continue
		}
		if id, _ := entry.Data["decisionId"].(string); id != rec.DecisionID {
			continue
		}
		if matchesReceipt(entry, rec.DecisionID, computed) {
			return LedgerVerified
		}
		return LedgerFailed
	}
	return LedgerUnknown
}

func matchesReceipt(entry *Entry, decisionID, digest string) bool {
	id, _ := entry.Data["decisionId"].(string)
	d, _ := entry.Data["digest"].(string)
	return id == decisionID && d == digest
}

// VerifyChain checks the whole ledger chain.
func (s *Service) VerifyChain() (bool, string) {
	return s.ledger.VerifyChain()
}

// Trail lists the audit trail, newest first.
func (s *Service) Trail(ctx context.Context, f decision.Filter, p decision.Page) ([]TrailEntry, int64, error) {
	recs, total, err := s.store.Search(ctx, f, p)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit trail: %w", err)
	}
	out := make([]TrailEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, TrailEntry{
			DecisionID:  rec.DecisionID,
			Actor:       rec.Actor,
			StationID:   rec.StationID,
			Action:      rec.Action,
			Timestamp:   rec.Timestamp,
			AuditDigest: rec.AuditDigest,
			LedgerRef:   rec.LedgerRef,
		})
	}
	return out, total, nil
}
