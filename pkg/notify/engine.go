// Package notify routes high-severity pipeline events to people. For
// each event it resolves who should hear about it, picks the delivery
// channels, and fans out per recipient. Delivery failures are isolated
// per recipient and per channel so one dead push subscription never
// blocks the rest.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voltmesh-labs/voltmesh/core/pkg/observability"
)

// Roles used by the recipient table.
const (
	RoleAdmin         = "admin"
	RoleOperator      = "operator"
	RoleTechnician    = "technician"
	RoleLogistics     = "logistics"
	RoleEnergyManager = "energy_manager"
	RoleCompliance    = "compliance"
	RoleAuditor       = "auditor"
	RoleUser          = "user"
)

// Recipient is a deliverable endpoint, identified by user ID.
type Recipient struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Channels selects the delivery paths for one event.
type Channels struct {
	Socket  bool `json:"socket"`
	WebPush bool `json:"webpush"`
}

// Message is the envelope handed to channel senders.
type Message struct {
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// RecipientResolver maps an event onto the set of users who should be
// told about it.
type RecipientResolver interface {
	Resolve(ctx context.Context, eventType string, payload map[string]any) ([]Recipient, error)
}

// SocketEmitter delivers a real-time message to a connected user.
type SocketEmitter interface {
	Emit(ctx context.Context, r Recipient, msg Message) error
}

// PushSender delivers a web-push notification to a subscribed user.
type PushSender interface {
	Send(ctx context.Context, r Recipient, msg Message) error
}

// events that force a push regardless of severity.
var alwaysPush = map[string]bool{
	"HARDWARE_FAILURE":     true,
	"MAINTENANCE_REQUIRED": true,
	"STOCKOUT_IMMINENT":    true,
	"INVENTORY_CRITICAL":   true,
	"GRID_INSTABILITY":     true,
	"PRICE_SPIKE_CRITICAL": true,
	"COMPLIANCE_VIOLATION": true,
}

// events that are real-time only and never push.
var neverPush = map[string]bool{
	"LOCATION_UPDATE": true,
	"STATUS_UPDATE":   true,
	"HEARTBEAT":       true,
}

// ResolveChannels picks channels for an event. Socket is always on;
// web push is gated on severity unless the event type overrides it.
func ResolveChannels(eventType string, payload map[string]any) Channels {
	ch := Channels{Socket: true}
	if sev, _ := payload["severity"].(string); sev == "high" || sev == "critical" {
		ch.WebPush = true
	}
	if alwaysPush[eventType] {
		ch.WebPush = true
	}
	if neverPush[eventType] {
		ch.WebPush = false
	}
	return ch
}

// StaticResolver resolves recipients against an in-memory directory of
// registered users, grouped by role per event class. User-scoped events
// resolve against the payload's userId instead of a role set.
type StaticResolver struct {
	mu    sync.RWMutex
	users []Recipient
}

// NewStaticResolver builds a resolver over a fixed user directory.
func NewStaticResolver(users ...Recipient) *StaticResolver {
	return &StaticResolver{users: users}
}

// Register adds a user to the directory.
func (s *StaticResolver) Register(r Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, r)
}

// roleTable maps event types onto the roles that care about them.
var roleTable = map[string][]string{
	"STATION_UPDATE":       {RoleOperator, RoleAdmin},
	"SENSOR_ALERT":         {RoleOperator, RoleAdmin, RoleTechnician},
	"HARDWARE_FAILURE":     {RoleOperator, RoleAdmin, RoleTechnician},
	"MAINTENANCE_REQUIRED": {RoleOperator, RoleAdmin, RoleTechnician},
	"STATION_OFFLINE":      {RoleOperator, RoleAdmin},
	"STATION_ONLINE":       {RoleOperator, RoleAdmin},
	"ENERGY_ALERT":         {RoleOperator, RoleAdmin, RoleEnergyManager},
	"PRICE_SPIKE":          {RoleOperator, RoleAdmin, RoleEnergyManager},
	"PRICE_SPIKE_CRITICAL": {RoleOperator, RoleAdmin, RoleEnergyManager},
	"GRID_INSTABILITY":     {RoleOperator, RoleAdmin, RoleEnergyManager},
	"STOCKOUT_PREDICTED":   {RoleLogistics, RoleOperator, RoleAdmin},
	"STOCKOUT_IMMINENT":    {RoleLogistics, RoleOperator, RoleAdmin},
	"INVENTORY_CRITICAL":   {RoleLogistics, RoleOperator, RoleAdmin},
	"DISPATCH_INITIATED":   {RoleLogistics},
	"DISPATCH_COMPLETED":   {RoleLogistics},
	"ANOMALY_DETECTED":     {RoleAdmin, RoleCompliance, RoleAuditor},
	"COMPLIANCE_VIOLATION": {RoleAdmin, RoleCompliance, RoleAuditor},
	"AUDIT_COMPLETE":       {RoleAdmin, RoleCompliance, RoleAuditor},
	"SYSTEM_EVENT":         {RoleAdmin},
}

// user-scoped events deliver to the payload's userId only.
var userScoped = map[string]bool{
	"USER_EVENT":           true,
	"INCENTIVE_OFFERED":    true,
	"CHARGING_COMPLETE":    true,
	"CHARGING_INTERRUPTED": true,
	"PAYMENT_FAILED":       true,
}

// Resolve returns the deduplicated recipient set for the event.
func (s *StaticResolver) Resolve(ctx context.Context, eventType string, payload map[string]any) ([]Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userScoped[eventType] {
		userID, _ := payload["userId"].(string)
		if userID == "" {
			return nil, nil
		}
		for _, u := range s.users {
			if u.UserID == userID {
				return []Recipient{u}, nil
			}
		}
		return nil, nil
	}

	roles, ok := roleTable[eventType]
	if !ok {
		return nil, nil
	}
	wanted := make(map[string]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}

	seen := make(map[string]bool)
	var out []Recipient
	for _, u := range s.users {
		if wanted[u.Role] && !seen[u.UserID] {
			seen[u.UserID] = true
			out = append(out, u)
		}
	}
	return out, nil
}

// Engine glues resolution and delivery together.
type Engine struct {
	resolver RecipientResolver
	socket   SocketEmitter
	push     PushSender
	metrics  *observability.Provider
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSocketEmitter attaches the real-time channel.
func WithSocketEmitter(e SocketEmitter) EngineOption {
	return func(n *Engine) { n.socket = e }
}

// WithPushSender attaches the web-push channel.
func WithPushSender(p PushSender) EngineOption {
	return func(n *Engine) { n.push = p }
}

// WithMetrics attaches dispatch counters.
func WithMetrics(m *observability.Provider) EngineOption {
	return func(n *Engine) { n.metrics = m }
}

// NewEngine builds an engine over a recipient resolver.
func NewEngine(resolver RecipientResolver, opts ...EngineOption) *Engine {
	n := &Engine{
		resolver: resolver,
		logger:   slog.Default().With("component", "notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dispatch resolves recipients and channels for the event and delivers
// to each recipient. Resolution failure is the only hard error;
// individual delivery failures are logged and skipped.
func (n *Engine) Dispatch(ctx context.Context, eventType string, payload map[string]any, evtCtx map[string]any) error {
	recipients, err := n.resolver.Resolve(ctx, eventType, payload)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		n.logger.DebugContext(ctx, "no recipients for event", "eventType", eventType)
		return nil
	}

	channels := ResolveChannels(eventType, payload)
	msg := Message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Context:   evtCtx,
	}

	for _, r := range recipients {
		if channels.Socket && n.socket != nil {
			if err := n.socket.Emit(ctx, r, msg); err != nil {
				n.logger.WarnContext(ctx, "socket delivery failed",
					"eventType", eventType, "userId", r.UserID, "error", err)
			} else {
				n.metrics.NotificationSent(ctx, "socket")
			}
		}
		if channels.WebPush && n.push != nil {
			if err := n.push.Send(ctx, r, msg); err != nil {
				n.logger.WarnContext(ctx, "push delivery failed",
					"eventType", eventType, "userId", r.UserID, "error", err)
			} else {
				n.metrics.NotificationSent(ctx, "webpush")
			}
		}
	}

	n.logger.InfoContext(ctx, "notification dispatched",
		"eventType", eventType, "recipients", len(recipients),
		"socket", channels.Socket, "webpush", channels.WebPush)
	return nil
}
