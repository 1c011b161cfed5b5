package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"procodus.dev/fleetwatch/pkg/metrics"
)

// DefaultMaxReconnectAttempts bounds automatic reconnection before Failed.
const DefaultMaxReconnectAttempts = 10

const (
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

const (
	// DefaultPingInterval is how often a client ping is sent on an open connection.
	DefaultPingInterval = 25 * time.Second
	// DefaultPongTimeout is how long a ping may go unanswered before the
	// connection is treated as dead.
	DefaultPongTimeout = 30 * time.Second
)

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// Conn is one open persistent connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler schedules with time.AfterFunc.
var SystemScheduler Scheduler = systemScheduler{}

// ConnState is the lifecycle state of the connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionStatus is one state change. Attempt and Delay are set while Reconnecting.
type ConnectionStatus struct {
	State       ConnState     `json:"state"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Err         error         `json:"-"`
}

func (s ConnectionStatus) String() string {
	switch s.State {
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		secs := int(math.Ceil(s.Delay.Seconds()))
		return fmt.Sprintf("Reconnecting in %ds... (%d/%d)", secs, s.Attempt, s.MaxAttempts)
	case StateFailed:
		return "Connection failed"
	default:
		return "Disconnected"
	}
}

// ConnectionConfig holds the connection manager settings.
type ConnectionConfig struct {
	URL         string
	Dialer      Dialer
	MaxAttempts int
	Scheduler   Scheduler
	Logger      *slog.Logger
	Metrics     *metrics.TrackerMetrics

	// PingInterval enables the client heartbeat when positive.
	PingInterval time.Duration
	// PongTimeout defaults to DefaultPongTimeout.
	PongTimeout time.Duration
}

// ConnectionManager owns one persistent connection and its reconnection
// policy. It only emits typed events and state changes.
type ConnectionManager struct {
	mu        sync.Mutex
	url       string
	dialer    Dialer
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *metrics.TrackerMetrics

	maxAttempts int
	attempt     int
	backoff     *backoff.ExponentialBackOff

	pingInterval time.Duration
	pongTimeout  time.Duration
	beat         Timer
	pongDeadline Timer
	// writeMu serialises frames written by the read loop and the heartbeat.
	writeMu sync.Mutex

	// gen identifies the current connect session. Callbacks from an older
	// session are dropped.
	gen     uint64
	stopped bool
	status  ConnectionStatus
	conn    Conn
	retry   Timer
	cancel  context.CancelFunc

	eventSubs []func(LocationEvent)
	stateSubs []func(ConnectionStatus)
}

// NewConnectionManager validates cfg. The manager starts Disconnected.
func NewConnectionManager(cfg ConnectionConfig) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport url cannot be empty")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.MaxAttempts < 0 {
		return nil, errors.New("max reconnect attempts cannot be negative")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	return &ConnectionManager{
		url:         cfg.URL,
		dialer:      cfg.Dialer,
		scheduler:   cfg.Scheduler,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxAttempts: cfg.MaxAttempts,
		backoff:     newReconnectBackOff(),
		status:      ConnectionStatus{State: StateDisconnected},

		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
	}, nil
}

// newReconnectBackOff yields 2s, 4s, 8s, 16s, then 30s for every later attempt.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialReconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxReconnectDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// OnEvent registers a subscriber for decoded location events.
func (m *ConnectionManager) OnEvent(fn func(LocationEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSubs = append(m.eventSubs, fn)
}

// OnStateChange registers a subscriber for connection state changes.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateSubs = append(m.stateSubs, fn)
}

// Connect opens the connection in the background. It resets the attempt
// counter, which makes it the way out of Failed. It is a no-op while a
// connection is open or being opened.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	m.stopped = false
	m.attempt = 0
	m.backoff.Reset()
	if m.status.State == StateConnected || m.status.State == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	ctx, change := m.startDialLocked()
	m.mu.Unlock()

	m.emit([]ConnectionStatus{change})
	go m.dial(ctx, gen)
}

// Disconnect closes the connection and suppresses automatic reconnection.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	m.stopRetryLocked()
	m.stopHeartbeatLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	var changes []ConnectionStatus
	if m.status.State != StateDisconnected {
		changes = append(changes, m.setStatusLocked(ConnectionStatus{State: StateDisconnected}))
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("error closing connection", "error", err)
		}
	}
	m.emit(changes)
}

// IsConnected reports whether the connection is open.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == StateConnected
}

// Status returns the most recent state change.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempt returns the current reconnection attempt, 0 when none is pending.
func (m *ConnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// startDialLocked moves to Connecting. The caller emits the change before
// starting the dial so subscribers observe states in order.
func (m *ConnectionManager) startDialLocked() (context.Context, ConnectionStatus) {
	ctx, cancel := context.WithCancel(context.Background())
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.logger.Info("connecting", "url", m.url, "attempt", m.attempt)
	return ctx, m.setStatusLocked(ConnectionStatus{State: StateConnecting})
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64) {
	conn, err := m.dialer.Dial(ctx, m.url)

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Error("failed to connect", "error", err, "url", m.url)
		changes := m.scheduleRetryLocked(gen, err)
		m.mu.Unlock()
		m.emit(changes)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.backoff.Reset()
	m.armHeartbeatLocked(gen, conn)
	change := m.setStatusLocked(ConnectionStatus{State: StateConnected})
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.url)
	m.emit([]ConnectionStatus{change})
	go m.readLoop(gen, conn)
}

func (m *ConnectionManager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}
		m.handleFrame(gen, conn, data)
	}
}

func (m *ConnectionManager) handleFrame(gen uint64, conn Conn, data []byte) {
	frame := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(frame, pingFrame):
		if err := m.write(conn, pongFrame); err != nil {
			m.logger.Debug("failed to answer ping", "error", err)
		}
		return
	case bytes.Equal(frame, pongFrame):
		m.mu.Lock()
		if gen == m.gen && m.conn == conn && m.pongDeadline != nil {
			m.pongDeadline.Stop()
			m.pongDeadline = nil
		}
		m.mu.Unlock()
		return
	}

	ev, err := DecodeEvent(frame)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		if m.metrics != nil {
			m.metrics.MalformedFrames.Inc()
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	subs := slices.Clone(m.eventSubs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (m *ConnectionManager) handleClose(gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.logger.Warn("connection closed", "error", cause)
	changes := []ConnectionStatus{m.setStatusLocked(ConnectionStatus{State: StateDisconnected, Err: cause})}
	changes = append(changes, m.scheduleRetryLocked(gen, cause)...)
	m.mu.Unlock()

	_ = conn.Close()
	m.emit(changes)
}

// scheduleRetryLocked arms the next attempt, or gives up once maxAttempts
// retries have been spent.
func (m *ConnectionManager) scheduleRetryLocked(gen uint64, cause error) []ConnectionStatus {
	if m.attempt >= m.maxAttempts {
		m.logger.Error("giving up reconnecting", "attempts", m.attempt, "error", cause)
		return []ConnectionStatus{m.setStatusLocked(ConnectionStatus{State: StateFailed, Err: cause})}
	}

	m.attempt++
	delay := m.backoff.NextBackOff()
	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}
	m.logger.Info("scheduling reconnect", "attempt", m.attempt, "delay", delay)

	m.retry = m.scheduler.AfterFunc(delay, func() { m.fireRetry(gen) })
	return []ConnectionStatus{m.setStatusLocked(ConnectionStatus{
		State:       StateReconnecting,
		Attempt:     m.attempt,
		MaxAttempts: m.maxAttempts,
		Delay:       delay,
		Err:         cause,
	})}
}

func (m *ConnectionManager) fireRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.status.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	ctx, change := m.startDialLocked()
	m.mu.Unlock()

	m.emit([]ConnectionStatus{change})
	go m.dial(ctx, gen)
}

func (m *ConnectionManager) write(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(frame)
}

// armHeartbeatLocked schedules the next client ping on conn.
func (m *ConnectionManager) armHeartbeatLocked(gen uint64, conn Conn) {
	if m.pingInterval <= 0 {
		return
	}
	m.beat = m.scheduler.AfterFunc(m.pingInterval, func() { m.sendPing(gen, conn) })
}

// sendPing writes a ping and starts the pong deadline unless one is
// already running, so the deadline counts from the oldest unanswered ping.
func (m *ConnectionManager) sendPing(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.conn != conn {
		m.mu.Unlock()
		return
	}
	if m.pongDeadline == nil {
		m.pongDeadline = m.scheduler.AfterFunc(m.pongTimeout, func() { m.expirePong(gen, conn) })
	}
	m.armHeartbeatLocked(gen, conn)
	m.mu.Unlock()

	if err := m.write(conn, pingFrame); err != nil {
		m.logger.Debug("failed to send ping", "error", err)
	}
}

// expirePong closes a connection whose ping went unanswered. The read loop
// then observes the close and the usual reconnect schedule applies.
func (m *ConnectionManager) expirePong(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.pongDeadline = nil
	m.mu.Unlock()

	m.logger.Warn("no pong from server, closing connection", "timeout", m.pongTimeout)
	if m.metrics != nil {
		m.metrics.HeartbeatTimeouts.Inc()
	}
	_ = conn.Close()
}

func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.beat != nil {
		m.beat.Stop()
		m.beat = nil
	}
	if m.pongDeadline != nil {
		m.pongDeadline.Stop()
		m.pongDeadline = nil
	}
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *ConnectionManager) setStatusLocked(s ConnectionStatus) ConnectionStatus {
	m.status = s
	if m.metrics != nil {
		m.metrics.ConnectionState.Set(float64(s.State))
	}
	return s
}

func (m *ConnectionManager) emit(changes []ConnectionStatus) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	subs := slices.Clone(m.stateSubs)
	m.mu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}
