// Package ingest is the producer-facing gateway: it wraps raw telemetry
// payloads into envelopes, pushes them onto the durable queue, and emits
// best-effort live projections to any connected viewers.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/voltmesh-labs/voltmesh/core/pkg/observability"
	"github.com/voltmesh-labs/voltmesh/core/pkg/queue"
	"github.com/voltmesh-labs/voltmesh/core/pkg/telemetry"
)

// DefaultSignalQueue is the durable queue all producers share.
const DefaultSignalQueue = "signal_events"

// Live projection channels, keyed by telemetry kind.
const (
	LiveStationChannel = "live:station"
	LiveSensorChannel  = "live:sensor"
	LiveUserChannel    = "live:user"
	LiveEnergyChannel  = "live:energy"
)

// Projector delivers advisory live projections. Losing a projection is
// acceptable; the event processor is the durable source of truth.
type Projector interface {
	Project(ctx context.Context, channel string, payload map[string]any) error
}

// PubSubProjector projects over the queue's fan-out channel.
type PubSubProjector struct {
	Queue queue.Queue
}

func (p *PubSubProjector) Project(ctx context.Context, channel string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: encode projection: %w", err)
	}
	return p.Queue.Publish(ctx, channel, raw)
}

// Result reports the outcome of a single ingest call.
type Result struct {
	EventID string `json:"eventId"`
	Queued  bool   `json:"queued"`
}

// BatchItem is one entry of a heterogeneous ingest batch.
type BatchItem struct {
	Source  telemetry.Source `json:"source"`
	Type    string           `json:"type,omitempty"` // user events carry their own type
	Payload map[string]any   `json:"payload"`
}

// BatchItemResult is the per-item outcome; batches never fail wholesale.
type BatchItemResult struct {
	EventID string `json:"eventId,omitempty"`
	Err     error  `json:"-"`
}

// BatchResult aggregates per-item outcomes.
type BatchResult struct {
	Items        []BatchItemResult `json:"items"`
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
}

// HealthStatus reports gateway liveness for operators.
type HealthStatus struct {
	Healthy     bool      `json:"healthy"`
	QueueLength int64     `json:"queueLength"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Gateway accepts telemetry from concurrent producers.
type Gateway struct {
	queue     queue.Queue
	queueName string
	projector Projector
	limiter   *rate.Limiter
	metrics   *observability.Provider
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithQueueName overrides DefaultSignalQueue.
func WithQueueName(name string) Option {
	return func(g *Gateway) { g.queueName = name }
}

// WithProjector sets the live-projection sink. Nil disables projections.
func WithProjector(p Projector) Option {
	return func(g *Gateway) { g.projector = p }
}

// WithRateLimit throttles producers to r events/sec with the given
// burst. Throttled calls wait rather than fail; the queue stays the only
// hard-failure point.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(g *Gateway) { g.limiter = rate.NewLimiter(r, burst) }
}

// WithMetrics attaches pipeline counters.
func WithMetrics(m *observability.Provider) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway over q.
func NewGateway(q queue.Queue, opts ...Option) *Gateway {
	g := &Gateway{
		queue:     q,
		queueName: DefaultSignalQueue,
		logger:    slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IngestStationUpdate accepts a station status payload.
func (g *Gateway) IngestStationUpdate(ctx context.Context, payload map[string]any) (Result, error) {
	return g.ingest(ctx, telemetry.SourceStation, telemetry.TypeStationUpdate, payload, LiveStationChannel)
}

// IngestSensorReading accepts a sensor measurement payload.
func (g *Gateway) IngestSensorReading(ctx context.Context, payload map[string]any) (Result, error) {
	return g.ingest(ctx, telemetry.SourceSensor, telemetry.TypeSensorReading, payload, LiveSensorChannel)
}

// IngestUserEvent accepts a user action. The payload's "type" field
// (queue_join, charging_start, ...) becomes the envelope type.
func (g *Gateway) IngestUserEvent(ctx context.Context, payload map[string]any) (Result, error) {
	eventType, _ := payload["type"].(string)
	if eventType == "" {
		return Result{}, fmt.Errorf("ingest: user event payload missing type")
	}
	return g.ingest(ctx, telemetry.SourceUser, eventType, payload, LiveUserChannel)
}

// IngestEnergyUpdate accepts grid/market data.
func (g *Gateway) IngestEnergyUpdate(ctx context.Context, payload map[string]any) (Result, error) {
	return g.ingest(ctx, telemetry.SourceGrid, telemetry.TypeEnergyUpdate, payload, LiveEnergyChannel)
}

func (g *Gateway) ingest(ctx context.Context, source telemetry.Source, eventType string, payload map[string]any, liveChannel string) (Result, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("ingest: throttled: %w", err)
		}
	}

	env := telemetry.NewEnvelope(source, eventType, payload)
	raw, err := env.Encode()
	if err != nil {
		return Result{}, err
	}

	if err := g.queue.Push(ctx, g.queueName, raw); err != nil {
		return Result{}, err
	}
	g.metrics.EventIngested(ctx, string(source))
	g.logger.DebugContext(ctx, "event queued",
		"eventId", env.ID, "source", source, "type", eventType, "entity", env.EntityKey())

	// Advisory projection: loss here never affects correctness.
	if g.projector != nil {
		if err := g.projector.Project(ctx, liveChannel, env.Payload); err != nil {
			g.logger.WarnContext(ctx, "live projection dropped",
				"eventId", env.ID, "channel", liveChannel, "error", err)
		}
	}

	return Result{EventID: env.ID, Queued: true}, nil
}

// IngestBatch applies the single-event operation to each item, never
// aborting the batch on an item failure.
func (g *Gateway) IngestBatch(ctx context.Context, items []BatchItem) BatchResult {
	out := BatchResult{Items: make([]BatchItemResult, 0, len(items))}
	for _, item := range items {
		var (
			res Result
			err error
		)
		switch item.Source {
		case telemetry.SourceStation:
			res, err = g.IngestStationUpdate(ctx, item.Payload)
		case telemetry.SourceSensor:
			res, err = g.IngestSensorReading(ctx, item.Payload)
		case telemetry.SourceUser:
			res, err = g.IngestUserEvent(ctx, item.Payload)
		case telemetry.SourceGrid:
			res, err = g.IngestEnergyUpdate(ctx, item.Payload)
		default:
			err = fmt.Errorf("ingest: unknown source %q", item.Source)
		}
		if err != nil {
			out.Items = append(out.Items, BatchItemResult{Err: err})
			out.FailureCount++
			continue
		}
		out.Items = append(out.Items, BatchItemResult{EventID: res.EventID})
		out.SuccessCount++
	}
	return out
}

// QueueLength reports the backlog of unprocessed envelopes.
func (g *Gateway) QueueLength(ctx context.Context) (int64, error) {
	return g.queue.Length(ctx, g.queueName)
}

// PeekQueue returns up to n queued envelopes without removing them.
func (g *Gateway) PeekQueue(ctx context.Context, n int64) ([]telemetry.Envelope, error) {
	raws, err := g.queue.Peek(ctx, g.queueName, n)
	if err != nil {
		return nil, err
	}
	envs := make([]telemetry.Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := telemetry.Decode(raw)
		if err != nil {
			g.logger.Warn("skipping undecodable queued item", "error", err)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// ClearQueue drains the queue. Operational/testing use only.
func (g *Gateway) ClearQueue(ctx context.Context) (int64, error) {
	removed, err := g.queue.Clear(ctx, g.queueName)
	if err != nil {
		return 0, err
	}
	g.logger.Info("queue cleared", "removed", removed)
	return removed, nil
}

// HealthCheck reports backend reachability and backlog.
func (g *Gateway) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Timestamp: time.Now().UTC()}
	n, err := g.queue.Length(ctx, g.queueName)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Healthy = true
	status.QueueLength = n
	return status
}
