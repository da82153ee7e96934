package decision

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Filter narrows a decision search. Zero values mean no constraint.
// Action matches as a case-insensitive substring; the other string
// fields match exactly.
type Filter struct {
	StationID      string
	Actor          string
	Action         string
	Priority       string
	HasExplanation *bool
	Start          time.Time
	End            time.Time
}

// Page controls result windowing. Results are always newest first.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit bounds unpaged searches.
const DefaultPageLimit = 50

// Stats aggregates decision activity over a window.
type Stats struct {
	TotalDecisions        int64            `json:"totalDecisions"`
	ActorBreakdown        map[string]int64 `json:"agentBreakdown"`
	AvgConfidence         float64          `json:"avgConfidence"`
	AvgRiskScore          float64          `json:"avgRiskScore"`
	TotalCostImpact       float64          `json:"totalCostImpact"`
	TotalRevenueImpact    float64          `json:"totalRevenueImpact"`
	ExplanationsGenerated int64            `json:"explanationsGenerated"`
	LedgerAudited         int64            `json:"ledgerAudited"`
	Window                string           `json:"timeRange"`
}

// Store is the decision persistence contract.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, decisionID string) (*Record, error)
	Search(ctx context.Context, f Filter, p Page) ([]Record, int64, error)
	Count(ctx context.Context) (int64, error)
	// MaxSequence reports the highest numeric suffix among DEC_ IDs,
	// so the logger's counter survives restarts.
	MaxSequence(ctx context.Context) (int64, error)
	UpdateExplanation(ctx context.Context, decisionID, explanation string, regeneratedAt time.Time) error
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (m *MemoryStore) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[rec.DecisionID]; exists {
		return ErrDuplicateID
	}
	m.byID[rec.DecisionID] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, decisionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.records[idx]
	return &rec, nil
}

func matches(rec Record, f Filter) bool {
	if f.StationID != "" && rec.StationID != f.StationID {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(rec.Action), strings.ToLower(f.Action)) {
		return false
	}
	if f.Priority != "" && rec.Priority != f.Priority {
		return false
	}
	if f.HasExplanation != nil && rec.ExplanationGenerated != *f.HasExplanation {
		return false
	}
	if !f.Start.IsZero() && rec.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && rec.Timestamp.After(f.End) {
		return false
	}
	return true
}

func (m *MemoryStore) Search(ctx context.Context, f Filter, p Page) ([]Record, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Record
	for _, rec := range m.records {
		if matches(rec, f) {
			hits = append(hits, rec)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})

	total := int64(len(hits))
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if p.Offset >= len(hits) {
		return nil, total, nil
	}
	hits = hits[p.Offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, total, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryStore) MaxSequence(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for id := range m.byID {
		if n, ok := sequenceOf(id); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func (m *MemoryStore) UpdateExplanation(ctx context.Context, decisionID, explanation string, regeneratedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[decisionID]
	if !ok {
		return ErrNotFound
	}
	m.records[idx].Explanation = explanation
	m.records[idx].ExplanationGenerated = explanation != ""
	m.records[idx].ExplanationError = ""
	if m.records[idx].Context == nil {
		m.records[idx].Context = map[string]any{}
	}
	m.records[idx].Context["regeneratedAt"] = regeneratedAt.UTC().Format(time.RFC3339Nano)
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	stats := Stats{
		ActorBreakdown: map[string]int64{},
		Window:         windowLabel(window),
	}
	var confSum, riskSum float64
	for _, rec := range m.records {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalDecisions++
		stats.ActorBreakdown[rec.Actor]++
		confSum += rec.MLMetrics.ConfidenceScore
		riskSum += rec.Impact.RiskScore
		stats.TotalCostImpact += rec.Impact.CostImpact
		stats.TotalRevenueImpact += rec.Impact.RevenueImpact
		if rec.ExplanationGenerated {
			stats.ExplanationsGenerated++
		}
		if rec.LedgerRef != "" {
			stats.LedgerAudited++
		}
	}
	if stats.TotalDecisions > 0 {
		stats.AvgConfidence = confSum / float64(stats.TotalDecisions)
		stats.AvgRiskScore = riskSum / float64(stats.TotalDecisions)
	}
	return stats, nil
}

// sequenceOf extracts the numeric suffix of a DEC_ ID.
func sequenceOf(decisionID string) (int64, bool) {
	suffix, ok := strings.CutPrefix(decisionID, "DEC_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func windowLabel(window time.Duration) string {
	switch {
	case window <= time.Hour:
		return "1h"
	case window <= 24*time.Hour:
		return "24h"
	case window <= 7*24*time.Hour:
		return "7d"
	default:
		return "30d"
	}
}
