package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags a lifecycle event.
type EventKind string

// Lifecycle event kinds.
const (
	EventCreate    EventKind = "create"
	EventUpdate    EventKind = "update"
	EventRemove    EventKind = "remove"
	EventConfigure EventKind = "configure"
)

// EventService is the meta.service value of every event.
const EventService = "devicemanager"

const defaultPublishTimeout = 5 * time.Second

// Publisher is a fire-and-forget event bus.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, payload []byte) error
}

// HistoryWriter records lifecycle events for later analysis. Writes are
// non-blocking and never fail the caller.
type HistoryWriter interface {
	WriteLifecycleEvent(tenantID, deviceID, kind string, at time.Time)
}

// Logger defines the logging interface used by the device package.
// It is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives operation outcomes. Satisfied by *metrics.Registry.
type Metrics interface {
	ObserveOperation(op, outcome string)
	ObservePublish(kind string, ok bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string) {}
func (noopMetrics) ObservePublish(string, bool)     {}

// Event is the payload published for every lifecycle event.
type Event struct {
	Event  EventKind `json:"event"`
	Tenant string    `json:"tenant"`
	Data   any       `json:"data"`
	Meta   EventMeta `json:"meta"`
}

// EventMeta describes the publisher.
type EventMeta struct {
	Service     string    `json:"service"`
	PublishedAt time.Time `json:"published_at"`
}

// ConfigurePayload is the data of a configure event.
type ConfigurePayload struct {
	DeviceID string         `json:"device_id"`
	Topic    string         `json:"topic"`
	Attrs    map[string]any `json:"attrs"`
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	// TopicPrefix starts every topic. Default "devicemanager".
	TopicPrefix string

	// Timeout bounds each publish.
	Timeout time.Duration
}

// Notifier emits lifecycle events after their change has committed.
// A failed publish is logged and returned as a warning; it never undoes
// the change.
type Notifier struct {
	publisher Publisher
	history   HistoryWriter
	prefix    string
	timeout   time.Duration
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewNotifier creates a Notifier. A nil publisher drops every event.
func NewNotifier(publisher Publisher, cfg NotifierConfig) *Notifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = EventService
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	return &Notifier{
		publisher: publisher,
		prefix:    cfg.TopicPrefix,
		timeout:   cfg.Timeout,
		logger:    noopLogger{},
		metrics:   noopMetrics{},
		now:       time.Now,
	}
}

// SetLogger sets the logger.
func (n *Notifier) SetLogger(logger Logger) {
	n.logger = logger
}

// SetMetrics sets the metrics sink.
func (n *Notifier) SetMetrics(m Metrics) {
	n.metrics = m
}

// SetHistory adds a lifecycle history sink.
func (n *Notifier) SetHistory(h HistoryWriter) {
	n.history = h
}

// Topic returns the topic for a tenant's events of kind.
func Topic(prefix, tenantID string, kind EventKind) string {
	return fmt.Sprintf("%s/%s/device/%s", prefix, tenantID, kind)
}

// Publish emits one event and returns a warning when it could not be
// delivered. The publish outlives cancellation of ctx, bounded by the
// configured timeout.
func (n *Notifier) Publish(ctx context.Context, tenantID string, kind EventKind, deviceID string, data any) string {
	at := n.now().UTC()
	if n.history != nil {
		n.history.WriteLifecycleEvent(tenantID, deviceID, string(kind), at)
	}
	if n.publisher == nil {
		return ""
	}

	payload, err := json.Marshal(Event{
		Event:  kind,
		Tenant: tenantID,
		Data:   data,
		Meta:   EventMeta{Service: EventService, PublishedAt: at},
	})
	if err != nil {
		return n.fail(kind, deviceID, fmt.Errorf("encoding event: %w", err))
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.publisher.PublishEvent(pubCtx, Topic(n.prefix, tenantID, kind), payload); err != nil {
		return n.fail(kind, deviceID, err)
	}

	n.metrics.ObservePublish(string(kind), true)
	return ""
}

func (n *Notifier) fail(kind EventKind, deviceID string, err error) string {
	n.metrics.ObservePublish(string(kind), false)
	n.logger.Warn("lifecycle event not published",
		"event", string(kind),
		"device_id", deviceID,
		"error", err,
	)
	return fmt.Sprintf("%s event for device %s not published: %v", kind, deviceID, err)
}
