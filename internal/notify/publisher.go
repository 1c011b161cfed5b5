// Package notify publishes geofence transitions to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
	"procodus.dev/fleetwatch/pkg/mq"
)

// DefaultPushTimeout bounds one confirmed push, retries included.
const DefaultPushTimeout = 10 * time.Second

// Notification is the JSON body of a transition message.
type Notification struct {
	Event       string    `json:"event"`
	DeviceID    string    `json:"device_id"`
	GeofenceIDs []int64   `json:"geofence_ids"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventType is the message type of a transition, e.g. "geofence.entered".
func EventType(kind tracker.TransitionKind) string {
	return "geofence." + kind.String()
}

// NewNotification converts a transition to its message body.
func NewNotification(t tracker.Transition) Notification {
	ids := t.GeofenceIDs
	if ids == nil {
		ids = []int64{}
	}
	return Notification{
		Event:       EventType(t.Kind),
		DeviceID:    t.DeviceID,
		GeofenceIDs: ids,
		Latitude:    t.Latitude,
		Longitude:   t.Longitude,
		Timestamp:   t.Timestamp,
	}
}

// Config holds the publisher settings.
type Config struct {
	Client      mq.Pusher
	Logger      *slog.Logger
	PushTimeout time.Duration
	Metrics     *metrics.NotifierMetrics
}

// Publisher forwards transitions to the queue from its own goroutine so
// the engine loop never waits on the broker. Transitions are published
// in the order they were enqueued; one that cannot be published after
// the client's retries is logged and dropped.
type Publisher struct {
	client  mq.Pusher
	logger  *slog.Logger
	timeout time.Duration
	metrics *metrics.NotifierMetrics

	mu    sync.Mutex
	queue []tracker.Transition
	wake  chan struct{}
}

// NewPublisher validates cfg.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	return &Publisher{
		client:  cfg.Client,
		logger:  cfg.Logger.With("queue", cfg.Client.Queue()),
		timeout: timeout,
		metrics: cfg.Metrics,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Enqueue queues t for publication. It never blocks.
func (p *Publisher) Enqueue(t tracker.Transition) {
	p.mu.Lock()
	p.queue = append(p.queue, t)
	n := len(p.queue)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Backlog.Set(float64(n))
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Backlog returns the number of transitions not yet taken by Run.
func (p *Publisher) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run publishes queued transitions until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		t, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
			}
			continue
		}
		if err := p.Publish(ctx, t); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Publisher) next() (tracker.Transition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return tracker.Transition{}, false
	}
	t := p.queue[0]
	p.queue[0] = tracker.Transition{}
	p.queue = p.queue[1:]
	if p.metrics != nil {
		p.metrics.Backlog.Set(float64(len(p.queue)))
	}
	return t, true
}

// Publish pushes one transition and waits for the broker's confirmation.
func (p *Publisher) Publish(ctx context.Context, t tracker.Transition) error {
	kind := t.Kind.String()
	body, err := json.Marshal(NewNotification(t))
	if err != nil {
		p.countFailure(kind)
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if !p.client.IsReady() {
		p.logger.Debug("broker not ready, push will wait for reconnection", "device_id", t.DeviceID)
	}

	if err := p.client.Push(pushCtx, mq.Message{Type: EventType(t.Kind), Body: body}); err != nil {
		p.countFailure(kind)
		p.logger.Warn("dropping geofence transition",
			"device_id", t.DeviceID,
			"kind", kind,
			"error", err)
		return err
	}

	if p.metrics != nil {
		p.metrics.Published.WithLabelValues(kind).Inc()
	}
	p.logger.Debug("geofence transition published", "device_id", t.DeviceID, "kind", kind)
	return nil
}

func (p *Publisher) countFailure(kind string) {
	if p.metrics != nil {
		p.metrics.Failed.WithLabelValues(kind).Inc()
	}
}
