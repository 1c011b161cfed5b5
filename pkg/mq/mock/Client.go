// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	"procodus.dev/fleetwatch/pkg/mq"
)

// MockClient is an in-memory mq.Pusher. It records every call and returns
// the configured errors.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, msg mq.Message) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls tracks all calls to Push with their arguments.
	PushCalls []PushCall

	// UnsafePushFunc is called when UnsafePush is invoked. If nil, returns UnsafePushError.
	UnsafePushFunc func(ctx context.Context, msg mq.Message) error
	// UnsafePushError is returned by UnsafePush if UnsafePushFunc is nil.
	UnsafePushError error
	// UnsafePushCalls tracks all calls to UnsafePush with their arguments.
	UnsafePushCalls []PushCall

	// QueueName is returned by Queue.
	QueueName string
	// NotReady makes IsReady report false.
	NotReady bool

	// CloseFunc is called when Close is invoked. If nil, returns CloseError.
	CloseFunc func() error
	// CloseError is returned by Close if CloseFunc is nil.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PushCall records the arguments to a Push or UnsafePush call.
type PushCall struct {
	Ctx context.Context
	Msg mq.Message
}

// NewMockClient returns a ready MockClient whose calls all succeed.
func NewMockClient() *MockClient {
	return &MockClient{
		QueueName:       "geofence-transitions",
		PushCalls:       make([]PushCall, 0),
		UnsafePushCalls: make([]PushCall, 0),
	}
}

// Push records the call. PushFunc runs outside the lock so it
// may block.
func (m *MockClient) Push(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, Msg: msg})
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// UnsafePush records the call.
func (m *MockClient) UnsafePush(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	m.UnsafePushCalls = append(m.UnsafePushCalls, PushCall{Ctx: ctx, Msg: msg})
	fn, err := m.UnsafePushFunc, m.UnsafePushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return err
}

// IsReady reports !NotReady.
func (m *MockClient) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.NotReady
}

// Queue returns QueueName.
func (m *MockClient) Queue() string {
	return m.QueueName
}

// Close counts the call.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.CloseError
}

// Pushed returns a copy of the messages passed to Push.
func (m *MockClient) Pushed() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]mq.Message, 0, len(m.PushCalls))
	for _, c := range m.PushCalls {
		out = append(out, c.Msg)
	}
	return out
}

// Reset forgets the recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = make([]PushCall, 0)
	m.UnsafePushCalls = make([]PushCall, 0)
	m.CloseCalls = 0
}

var _ mq.Pusher = (*MockClient)(nil)
