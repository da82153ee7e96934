package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voltmesh-labs/voltmesh/core/pkg/observability"
)

// AuditReceipt reports the outcome of the best-effort ledger audit at
// log time.
type AuditReceipt struct {
	Digest    string `json:"digest"`
	LedgerRef string `json:"ledgerRef,omitempty"`
	BlockRef  string `json:"blockRef,omitempty"`
	LedgerErr string `json:"ledgerError,omitempty"`
}

// Auditor seals a decision record into the append-only ledger.
type Auditor interface {
	Audit(ctx context.Context, rec Record) (AuditReceipt, error)
}

// Publisher announces logged decisions to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Result is the per-decision outcome handed back to the caller.
type Result struct {
	DecisionID           string    `json:"decisionId"`
	Explanation          string    `json:"explanation"`
	ExplanationGenerated bool      `json:"explanationGenerated"`
	AuditDigest          string    `json:"auditDigest,omitempty"`
	LedgerRef            string    `json:"ledgerRef,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// BatchResult aggregates a batch of independent log attempts.
type BatchResult struct {
	Items        []BatchItemResult `json:"results"`
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
}

// BatchItemResult pairs one input with its outcome.
type BatchItemResult struct {
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// DefaultDecisionChannel carries logged-decision announcements.
const DefaultDecisionChannel = "decision_logged"

// Logger assigns IDs, generates explanations, seals records into the
// audit ledger, and persists them. Only persistence failure is fatal
// to a log attempt.
type Logger struct {
	store     Store
	explainer Explainer
	fallback  FallbackExplainer
	auditor   Auditor
	publisher Publisher
	channel   string
	metrics   *observability.Provider
	logger    *slog.Logger
	seq       atomic.Int64
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithExplainer sets the primary explanation source. Without one, the
// deterministic fallback templates are used directly.
func WithExplainer(e Explainer) LoggerOption {
	return func(l *Logger) { l.explainer = e }
}

// WithAuditor attaches the ledger-audit service.
func WithAuditor(a Auditor) LoggerOption {
	return func(l *Logger) { l.auditor = a }
}

// WithPublisher attaches the live announcement channel.
func WithPublisher(p Publisher, channel string) LoggerOption {
	return func(l *Logger) {
		l.publisher = p
		if channel != "" {
			l.channel = channel
		}
	}
}

// WithMetrics attaches decision counters.
func WithMetrics(m *observability.Provider) LoggerOption {
	return func(l *Logger) { l.metrics = m }
}

// NewLogger builds a decision logger over a store. The ID counter is
// seeded from the store's highest existing sequence so IDs stay unique
// across restarts.
func NewLogger(ctx context.Context, store Store, opts ...LoggerOption) (*Logger, error) {
	l := &Logger{
		store:   store,
		channel: DefaultDecisionChannel,
		logger:  slog.Default().With("component", "decision"),
	}
	for _, opt := range opts {
		opt(l)
	}
	max, err := store.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed decision counter: %w", err)
	}
	l.seq.Store(max)
	return l, nil
}

func (l *Logger) nextID() string {
	return fmt.Sprintf("DEC_%06d", l.seq.Add(1))
}

// Log validates, materializes and persists one decision. Explanation
// and ledger audit are best effort; the store insert is the only hard
// failure point.
func (l *Logger) Log(ctx context.Context, in Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rec := in.materialize(l.nextID(), time.Now().UTC())

	rec.Explanation, rec.ExplanationError = l.explain(ctx, rec)
	rec.ExplanationGenerated = rec.Explanation != ""

	if l.auditor != nil {
		receipt, err := l.auditor.Audit(ctx, rec)
		if err != nil {
			l.logger.WarnContext(ctx, "ledger audit unavailable",
				"decisionId", rec.DecisionID, "error", err)
		} else {
			rec.AuditDigest = receipt.Digest
			rec.LedgerRef = receipt.LedgerRef
			if receipt.LedgerErr != "" {
				l.logger.WarnContext(ctx, "ledger write failed",
					"decisionId", rec.DecisionID, "error", receipt.LedgerErr)
			}
		}
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}
	l.metrics.DecisionLogged(ctx, rec.Actor)

	l.announce(ctx, rec)

	l.logger.InfoContext(ctx, "decision logged",
		"decisionId", rec.DecisionID, "agent", rec.Actor,
		"action", rec.Action, "stationId", rec.StationID)
	return &Result{
		DecisionID:           rec.DecisionID,
		Explanation:          rec.Explanation,
		ExplanationGenerated: rec.ExplanationGenerated,
		AuditDigest:          rec.AuditDigest,
		LedgerRef:            rec.LedgerRef,
		Timestamp:            rec.Timestamp,
	}, nil
}

// explain tries the primary explainer, then the fallback templates.
// The returned error string records why the primary source failed.
func (l *Logger) explain(ctx context.Context, rec Record) (explanation, explainErr string) {
	if l.explainer != nil {
		text, err := l.explainer.Explain(ctx, rec)
		if err == nil {
			return text, ""
		}
		explainErr = err.Error()
		l.logger.WarnContext(ctx, "explanation generation failed, using fallback",
			"decisionId", rec.DecisionID, "error", err)
	}
	text, _ := l.fallback.Explain(ctx, rec)
	return text, explainErr
}

func (l *Logger) announce(ctx context.Context, rec Record) {
	if l.publisher == nil {
		return
	}
	payload, err := announcementJSON(rec)
	if err != nil {
		l.logger.WarnContext(ctx, "encode decision announcement failed",
			"decisionId", rec.DecisionID, "error", err)
		return
	}
	if err := l.publisher.Publish(ctx, l.channel, payload); err != nil {
		l.logger.WarnContext(ctx, "decision announcement failed",
			"decisionId", rec.DecisionID, "error", err)
	}
}

func announcementJSON(rec Record) ([]byte, error) {
	return json.Marshal(map[string]any{
		"decisionId":  rec.DecisionID,
		"agent":       rec.Actor,
		"action":      rec.Action,
		"stationId":   rec.StationID,
		"explanation": rec.Explanation,
		"timestamp":   rec.Timestamp,
		"impact":      rec.Impact,
	})
}

// LogBatch logs each input independently; one failure never aborts the
// rest.
func (l *Logger) LogBatch(ctx context.Context, inputs []Input) BatchResult {
	out := BatchResult{Items: make([]BatchItemResult, 0, len(inputs))}
	for _, in := range inputs {
		res, err := l.Log(ctx, in)
		if err != nil {
			out.Items = append(out.Items, BatchItemResult{Err: err})
			out.FailureCount++
			continue
		}
		out.Items = append(out.Items, BatchItemResult{Result: res})
		out.SuccessCount++
	}
	return out
}

// Get returns one decision by ID.
func (l *Logger) Get(ctx context.Context, decisionID string) (*Record, error) {
	return l.store.Get(ctx, decisionID)
}

// Search pages through the decision log, newest first.
func (l *Logger) Search(ctx context.Context, f Filter, p Page) ([]Record, int64, error) {
	return l.store.Search(ctx, f, p)
}

// Stats aggregates activity over the window.
func (l *Logger) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	return l.store.Stats(ctx, window)
}

// RegenerateExplanation re-runs explanation for an existing decision
// and stamps the regeneration time into its context.
func (l *Logger) RegenerateExplanation(ctx context.Context, decisionID string) (string, error) {
	rec, err := l.store.Get(ctx, decisionID)
	if err != nil {
		return "", err
	}
	explanation, _ := l.explain(ctx, *rec)
	now := time.Now().UTC()
	if err := l.store.UpdateExplanation(ctx, decisionID, explanation, now); err != nil {
		return "", fmt.Errorf("update explanation: %w", err)
	}
	l.logger.InfoContext(ctx, "explanation regenerated", "decisionId", decisionID)
	return explanation, nil
}
