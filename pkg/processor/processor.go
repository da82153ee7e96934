// Package processor runs the single long-running consumer loop: it pops
// envelopes from the durable queue one at a time, persists them to the
// history store, merges them into the live-state cache, classifies them,
// republishes a normalized event for decision-making subscribers, and
// invokes the notification engine for high-severity events.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltmesh-labs/voltmesh/core/pkg/history"
	"github.com/voltmesh-labs/voltmesh/core/pkg/livestate"
	"github.com/voltmesh-labs/voltmesh/core/pkg/observability"
	"github.com/voltmesh-labs/voltmesh/core/pkg/queue"
	"github.com/voltmesh-labs/voltmesh/core/pkg/telemetry"
)

// DefaultAgentChannel carries normalized events to decision-making
// subscribers.
const DefaultAgentChannel = "agent_events"

// Notifier is the notification engine contract. Recipient and channel
// resolution happen behind it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]any, evtCtx map[string]any) error
}

// Stats is the operator-visible processor state.
type Stats struct {
	IsRunning      bool    `json:"isRunning"`
	ProcessedCount uint64  `json:"processedCount"`
	ErrorCount     uint64  `json:"errorCount"`
	SuccessRate    float64 `json:"successRate"`
}

// Processor is the single sequential consumer. One instance per signal
// queue; running two would break the single-consumer ordering model.
type Processor struct {
	queue        queue.Queue
	history      history.Store
	cache        livestate.Cache
	notifier     Notifier
	metrics      *observability.Provider
	logger       *slog.Logger
	queueName    string
	agentChannel string
	popTimeout   time.Duration
	errorPause   time.Duration

	mu      sync.Mutex
	running atomic.Bool
	done    chan struct{}

	processed atomic.Uint64
	errors    atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier attaches the notification engine.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithMetrics attaches pipeline counters.
func WithMetrics(m *observability.Provider) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithQueueName overrides the signal queue name.
func WithQueueName(name string) Option {
	return func(p *Processor) { p.queueName = name }
}

// WithAgentChannel overrides the fan-out channel name.
func WithAgentChannel(name string) Option {
	return func(p *Processor) { p.agentChannel = name }
}

// WithPopTimeout bounds the blocking pop; it is the loop's only
// suspension point.
func WithPopTimeout(d time.Duration) Option {
	return func(p *Processor) { p.popTimeout = d }
}

// WithErrorPause sets the pause after a failed iteration.
func WithErrorPause(d time.Duration) Option {
	return func(p *Processor) { p.errorPause = d }
}

// New creates a processor over the queue, history store and live-state
// cache.
func New(q queue.Queue, store history.Store, cache livestate.Cache, opts ...Option) *Processor {
	p := &Processor{
		queue:        q,
		history:      store,
		cache:        cache,
		logger:       slog.Default().With("component", "processor"),
		queueName:    "signal_events",
		agentChannel: DefaultAgentChannel,
		popTimeout:   time.Second,
		errorPause:   time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the consumer loop. Starting an already-running
// processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		p.logger.Warn("processor already running")
		return
	}
	p.running.Store(true)
	p.done = make(chan struct{})
	p.logger.InfoContext(ctx, "processor started", "queue", p.queueName)
	go p.run(ctx)
}

// Stop halts the loop after the current iteration completes and waits
// for it to exit. In-flight work is never cancelled mid-iteration.
func (p *Processor) Stop() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if !p.running.Swap(false) {
		return
	}
	if done != nil {
		<-done
	}
	p.logger.Info("processor stopped")
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	for p.running.Load() && ctx.Err() == nil {
		item, ok, err := p.queue.PopBlocking(ctx, p.queueName, p.popTimeout)
		if err != nil {
			p.countError(ctx, "", "pop failed", err)
			p.pause(ctx)
			continue
		}
		if !ok {
			continue // bounded wait expired empty
		}

		env, err := telemetry.Decode(item)
		if err != nil {
			p.countError(ctx, "", "undecodable envelope dropped", err)
			continue
		}

		if err := p.ProcessOne(ctx, env); err != nil {
			p.countError(ctx, env.ID, "envelope processing failed", err)
			p.pause(ctx)
			continue
		}
		p.processed.Add(1)
		p.metrics.EventProcessed(ctx, env.Type)
	}
	p.running.Store(false)
}

// ProcessOne runs the persist → cache → classify → dispatch pipeline for
// a single envelope. Exported so tests can drive iterations without the
// loop.
func (p *Processor) ProcessOne(ctx context.Context, env telemetry.Envelope) error {
	// Persist first: a failure here aborts the remaining steps and the
	// envelope is lost. The pop is destructive, so persistence failures
	// are at-most-once.
	if err := p.persist(ctx, env); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	if err := p.mergeLiveState(ctx, env); err != nil {
		return fmt.Errorf("cache merge: %w", err)
	}

	reasons, sev := Classify(env)

	if err := p.dispatch(ctx, env, reasons, sev); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	p.logger.DebugContext(ctx, "envelope processed",
		"eventId", env.ID, "type", env.Type, "entity", env.EntityKey(),
		"reasons", reasons, "severity", sev)
	return nil
}

func (p *Processor) persist(ctx context.Context, env telemetry.Envelope) error {
	switch env.Type {
	case telemetry.TypeStationUpdate:
		return p.persistStationUpdate(ctx, env)
	case telemetry.TypeSensorReading:
		_, err := p.history.AppendSignal(ctx, signalFromEnvelope(env))
		return err
	case telemetry.TypeEnergyUpdate:
		return p.history.AppendMarketSnapshot(ctx, marketFromEnvelope(env))
	default:
		if env.Source == telemetry.SourceUser {
			return p.history.AppendUserEvent(ctx, history.UserEvent{
				UserID:    env.Str("userId"),
				StationID: env.Str("stationId"),
				EventType: env.Type,
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			})
		}
		// Unknown types are recorded nowhere but do not fail the loop.
		p.logger.Warn("unknown event type skipped", "eventId", env.ID, "type", env.Type)
		return nil
	}
}

func (p *Processor) persistStationUpdate(ctx context.Context, env telemetry.Envelope) error {
	queueLen, _ := env.Float("queueLength")
	inventory, _ := env.Float("currentInventory")
	err := p.history.UpsertStationState(ctx, history.StationState{
		StationID:     env.EntityKey(),
		Status:        env.Str("status"),
		QueueLength:   int(queueLen),
		Inventory:     int(inventory),
		Payload:       env.Payload,
		LastUpdated:   env.Timestamp,
		SourceEventID: env.ID,
	})
	if err != nil {
		return err
	}
	// Station updates that carry sensor readings also feed the signal
	// log used for model training.
	if _, ok := env.Payload["sensorData"]; ok {
		_, err = p.history.AppendSignal(ctx, signalFromEnvelope(env))
	}
	return err
}

func signalFromEnvelope(env telemetry.Envelope) history.Signal {
	sig := history.Signal{
		StationID: env.EntityKey(),
		Timestamp: env.Timestamp,
		Status:    env.Str("status"),
		Payload:   env.Payload,
	}
	read := func(field string) (float64, bool) {
		if v, ok := env.NestedFloat("sensorData", field); ok {
			return v, true
		}
		return env.Float(field)
	}
	if v, ok := read("temperature"); ok {
		sig.Sensor.Temperature = v
	}
	if v, ok := read("voltage"); ok {
		sig.Sensor.Voltage = v
	}
	if v, ok := read("current"); ok {
		sig.Sensor.Current = v
	}
	if v, ok := read("vibration"); ok {
		sig.Sensor.Vibration = v
	}
	if v, ok := read("humidity"); ok {
		sig.Sensor.Humidity = v
	}
	if v, ok := read("powerFactor"); ok {
		sig.Sensor.PowerFactor = v
	}
	if v, ok := read("frequency"); ok {
		sig.Sensor.Frequency = v
	}
	return sig
}

func marketFromEnvelope(env telemetry.Envelope) history.MarketSnapshot {
	snap := history.MarketSnapshot{Timestamp: env.Timestamp}
	if m, ok := env.Payload["gridData"].(map[string]any); ok {
		snap.Grid = m
	}
	if m, ok := env.Payload["pricing"].(map[string]any); ok {
		snap.Pricing = m
	}
	if m, ok := env.Payload["environmentalData"].(map[string]any); ok {
		snap.Environmental = m
	}
	if m, ok := env.Payload["renewableGeneration"].(map[string]any); ok {
		snap.Renewable = m
	}
	return snap
}

func (p *Processor) mergeLiveState(ctx context.Context, env telemetry.Envelope) error {
	fields := livestate.Flatten(env.Payload)
	fields[livestate.FieldLastUpdated] = env.Timestamp.Format(time.RFC3339Nano)
	fields[livestate.FieldSourceEventID] = env.ID
	return p.cache.Merge(ctx, env.EntityKey(), fields)
}

func (p *Processor) dispatch(ctx context.Context, env telemetry.Envelope, reasons []string, sev Severity) error {
	normalized := telemetry.NormalizedEvent{
		EventID:        env.ID,
		Timestamp:      env.Timestamp,
		Source:         env.Source,
		Type:           env.Type,
		EntityKey:      env.EntityKey(),
		Payload:        env.Payload,
		TriggerReasons: reasons,
		Severity:       string(sev),
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode normalized event: %w", err)
	}
	if err := p.queue.Publish(ctx, p.agentChannel, raw); err != nil {
		return err
	}

	if p.notifier == nil || !NeedsNotification(sev) {
		return nil
	}
	payload := map[string]any{
		"stationId": env.EntityKey(),
		"severity":  string(sev),
	}
	for k, v := range env.Payload {
		payload[k] = v
	}
	return p.notifier.Dispatch(ctx, NotificationEventType(env.Type), payload, map[string]any{
		"source":         "event_processor",
		"eventId":        env.ID,
		"triggerReasons": reasons,
	})
}

// Stats reports loop health for the administrative surface.
func (p *Processor) Stats() Stats {
	processed := p.processed.Load()
	errs := p.errors.Load()
	total := processed + errs
	rate := 0.0
	if total > 0 {
		rate = float64(processed) / float64(total)
	}
	return Stats{
		IsRunning:      p.running.Load(),
		ProcessedCount: processed,
		ErrorCount:     errs,
		SuccessRate:    rate,
	}
}

func (p *Processor) countError(ctx context.Context, eventID, msg string, err error) {
	p.errors.Add(1)
	p.metrics.ProcessingError(ctx)
	p.logger.ErrorContext(ctx, msg, "eventId", eventID, "error", err)
}

// pause briefly backs off after a failure to avoid error spam, without
// outliving Stop or the context.
func (p *Processor) pause(ctx context.Context) {
	t := time.NewTimer(p.errorPause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
