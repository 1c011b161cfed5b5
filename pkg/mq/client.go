// Package mq provides a RabbitMQ publisher with automatic reconnection and confirmed delivery.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleetwatch/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// ContentTypeJSON is the content type of every published message.
	ContentTypeJSON = "application/json"
)

var (
	// ErrNotConnected is returned by UnsafePush while no channel is ready.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrAlreadyClosed is returned by a second Close.
	ErrAlreadyClosed = errors.New("already closed: not connected to the server")
	// ErrShutdown is returned by Push when the client closes mid-retry.
	ErrShutdown = errors.New("client is shutting down")
	// ErrMaxRetriesExceeded is returned by Push after maxRetryAttempts.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	// ErrNacked is returned when the broker refuses a message.
	ErrNacked = errors.New("message not acknowledged")
)

// Message is one publication. Type becomes the AMQP type property.
type Message struct {
	Type string
	Body []byte
}

// Config holds the publisher settings.
type Config struct {
	URL    string
	Queue  string
	Logger *slog.Logger
	// Durable declares the queue as durable and publishes persistent messages.
	Durable bool
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client is a RabbitMQ publisher that handles connection management,
// automatic reconnection and publisher confirms.
type Client struct {
	m               *sync.Mutex
	pushMu          sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closed          bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	durable         bool
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New validates cfg and starts connecting in the background.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	client := &Client{
		m:         &sync.Mutex{},
		logger:    cfg.Logger.With("queue", cfg.Queue),
		queueName: cfg.Queue,
		durable:   cfg.Durable,
		done:      make(chan struct{}),
		metrics:   cfg.Metrics,
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// Queue returns the queue the client publishes to.
func (client *Client) Queue() string {
	return client.queueName
}

// IsReady reports whether a channel is open.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.m.Lock()
	if client.closed {
		client.m.Unlock()
		_ = conn.Close()
		return nil, ErrShutdown
	}
	client.changeConnection(conn)
	client.m.Unlock()
	client.logger.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting...")
			if client.metrics != nil {
				client.metrics.ConnectionStatus.Set(0)
			}
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel in confirm mode and declare the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.m.Lock()
	client.changeChannel(ch)
	client.isReady = true
	client.m.Unlock()
	client.logger.Info("client init done")

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

func newPushBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          backoffMultiplier,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Push publishes msg and waits for the broker's confirmation. While the
// client is reconnecting, or when the broker nacks, it retries with
// exponential backoff and gives up after maxRetryAttempts retries.
// Pushes are serialized so each confirmation matches its message.
func (client *Client) Push(ctx context.Context, msg Message) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	client.pushMu.Lock()
	defer client.pushMu.Unlock()

	retries := 0
	op := func() error {
		select {
		case <-client.done:
			return backoff.Permanent(ErrShutdown)
		default:
		}

		confirms, err := client.publish(ctx, msg)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-client.done:
			return backoff.Permanent(ErrShutdown)
		case confirm, ok := <-confirms:
			if !ok {
				return ErrNotConnected
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrNacked, confirm.DeliveryTag)
			}
			client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "retry_count", retries)
			return nil
		}
	}
	notify := func(err error, wait time.Duration) {
		retries++
		client.logger.Info("push failed, retrying with backoff",
			"error", err,
			"backoff", wait,
			"retry_count", retries)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newPushBackOff(), maxRetryAttempts), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		if client.metrics != nil {
			client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		client.countFailure("context_canceled")
		return err
	case errors.Is(err, ErrShutdown):
		client.countFailure("shutdown")
		return err
	default:
		client.logger.Error("maximum retry attempts exceeded",
			"error", err,
			"max_attempts", maxRetryAttempts)
		client.countFailure("max_retries_exceeded")
		return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	}
}

func (client *Client) countFailure(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// UnsafePush publishes msg without waiting for confirmation. It returns an
// error if the client is not connected. No guarantees are provided for
// whether the server will receive the message.
func (client *Client) UnsafePush(ctx context.Context, msg Message) error {
	_, err := client.publish(ctx, msg)
	return err
}

// publish returns the confirmation channel of the channel it published on.
func (client *Client) publish(ctx context.Context, msg Message) (<-chan amqp.Confirmation, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch, confirms := client.channel, client.notifyConfirm
	client.m.Unlock()

	mode := amqp.Transient
	if client.durable {
		mode = amqp.Persistent
	}
	err := ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  ContentTypeJSON,
			DeliveryMode: mode,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Type:         msg.Type,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return nil, err
	}
	return confirms, nil
}

// Close stops reconnecting and shuts down the channel and connection.
// It is safe to call more than once; later calls return ErrAlreadyClosed.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return ErrAlreadyClosed
	}
	client.closed = true
	close(client.done)

	wasReady := client.isReady
	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}
	if !wasReady {
		if client.connection != nil {
			_ = client.connection.Close()
		}
		return nil
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
