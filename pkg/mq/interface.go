package mq

import (
	"context"
)

// Pusher publishes messages to a single queue. Client is the RabbitMQ
// implementation; mock.MockClient stands in for it in unit tests.
type Pusher interface {
	// Push publishes msg and blocks until the broker confirms it or the
	// retries are exhausted.
	Push(ctx context.Context, msg Message) error

	// UnsafePush publishes msg without waiting for a confirmation.
	UnsafePush(ctx context.Context, msg Message) error

	// IsReady reports whether a channel to the broker is open.
	IsReady() bool

	// Queue returns the name of the queue messages are published to.
	Queue() string

	Close() error
}

var _ Pusher = (*Client)(nil)
