// Package testcontainers starts the brokers the e2e suites publish to.
package testcontainers

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultRabbitMQImage is the broker image used when none is configured.
const DefaultRabbitMQImage = "rabbitmq:3-management-alpine"

// ErrRabbitMQNotReady is returned when the broker does not accept connections in time.
var ErrRabbitMQNotReady = errors.New("timeout waiting for RabbitMQ to be ready")

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// Image defaults to DefaultRabbitMQImage.
	Image string
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartRabbitMQ starts a RabbitMQ container and returns it with its AMQP URL.
// The broker accepts connections when StartRabbitMQ returns.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}
	if config.Image == "" {
		config.Image = DefaultRabbitMQImage
	}
	if config.User == "" {
		config.User = "guest"
	}
	if config.Password == "" {
		config.Password = "guest"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        config.Image,
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": config.User,
				"RABBITMQ_DEFAULT_PASS": config.Password,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%s/", config.User, config.Password, host, port.Port())
	if err := WaitForRabbitMQ(ctx, url, 30*time.Second); err != nil {
		_ = container.Terminate(ctx)
		return nil, "", err
	}

	return container, url, nil
}

// WaitForRabbitMQ dials url until it succeeds or timeout elapses.
func WaitForRabbitMQ(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrRabbitMQNotReady
		case <-ticker.C:
			conn, err := amqp.Dial(url)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}

// Consumer reads one queue with a connection of its own, the way a
// downstream service would.
type Consumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	Deliveries <-chan amqp.Delivery
}

// Consume declares queue with the same durability the publisher uses and
// starts consuming it with manual acknowledgements.
func Consume(url, queue string, durable bool) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, Deliveries: deliveries}, nil
}

// Close stops consuming and closes the connection.
func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
