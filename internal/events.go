package internal

import (
	"time"

	"github.com/WelcomerTeam/Panini/internal/broadcast"
)

// EventType identifies a telemetry event. Events are for observation only,
// nothing in the client waits on them.
type EventType string

const (
	EventDebug                 EventType = "DEBUG"
	EventRequestQueued         EventType = "REQUEST_QUEUED"
	EventAPIRequest            EventType = "API_REQUEST"
	EventAPIResponse           EventType = "API_RESPONSE"
	EventRateLimit             EventType = "RATE_LIMITED"
	EventInvalidRequestWarning EventType = "INVALID_REQUEST_WARNING"
	EventGatewayStatus         EventType = "GATEWAY_STATUS"
	EventGatewayFatal          EventType = "GATEWAY_FATAL"
	EventVoiceStateUpdate      EventType = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate     EventType = "VOICE_SERVER_UPDATE"
	EventVoiceDisconnect       EventType = "VOICE_DISCONNECT"
)

// EventBufferSize is the default buffer of a subscription.
const EventBufferSize = 256

// Event is a single telemetry event.
type Event struct {
	Time time.Time   `json:"time"`
	Data interface{} `json:"data,omitempty"`
	Type EventType   `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// RequestEvent describes a REST submission. ID on the event correlates
// queued, request and response events of one submission.
type RequestEvent struct {
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Route      string        `json:"route"`
	Duration   time.Duration `json:"duration,omitempty"`
	Priority   int           `json:"priority,omitempty"`
	Retries    int           `json:"retries,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
}

// RateLimitEvent is emitted whenever a submission has to wait on a limiter.
type RateLimitEvent struct {
	Method  string        `json:"method"`
	Path    string        `json:"path"`
	Route   string        `json:"route"`
	Bucket  string        `json:"bucket,omitempty"`
	Timeout time.Duration `json:"timeout"`
	Limit   int           `json:"limit"`
	Global  bool          `json:"global"`
}

// InvalidRequestWarningEvent is emitted every configured number of
// 401, 403 and 429 responses inside the rolling window.
type InvalidRequestWarningEvent struct {
	Count         int           `json:"count"`
	RemainingTime time.Duration `json:"remaining_time"`
}

// GatewayStatusEvent is emitted on every session connection transition.
type GatewayStatusEvent struct {
	From GatewayStatus `json:"from"`
	To   GatewayStatus `json:"to"`
}

// DebugEvent carries a free form diagnostic.
type DebugEvent struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

// EventBus fans telemetry out to subscribers. A nil EventBus drops events.
type EventBus struct {
	server *broadcast.BroadcastServer[Event]
}

func NewEventBus() *EventBus {
	return &EventBus{
		server: broadcast.NewBroadcastServer[Event](),
	}
}

// Emit publishes an event without blocking.
func (eb *EventBus) Emit(eventType EventType, id string, data interface{}) {
	if eb == nil {
		return
	}

	eb.server.Broadcast(Event{
		Time: time.Now().UTC(),
		Data: data,
		Type: eventType,
		ID:   id,
	})
}

// Subscribe returns a channel of events and a function to cancel it.
func (eb *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := eb.server.Subscribe(buffer)

	return ch, func() { eb.server.CancelSubscription(ch) }
}

// Subscribers returns the number of active subscriptions.
func (eb *EventBus) Subscribers() int {
	return eb.server.ListenersCount()
}

// Dropped returns the number of events lost to full subscribers.
func (eb *EventBus) Dropped() uint64 {
	return eb.server.Dropped()
}

func (eb *EventBus) Close() {
	if eb != nil {
		eb.server.Close()
	}
}
