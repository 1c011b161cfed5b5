package tracker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/fleetwatch/internal/tracker"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const time2h = 2 * time.Hour

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func event(device string, n int) tracker.LocationEvent {
	return tracker.LocationEvent{
		DeviceID:  device,
		Latitude:  40 + float64(n)*0.001,
		Longitude: -3 - float64(n)*0.001,
		Timestamp: base.Add(time.Duration(n) * time.Second),
	}
}

// fakeConn is a transport connection fed through channels.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Send(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

// fakeDialer hands out fakeConns, or fails while fail is set.
type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	calls int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (tracker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) SetFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errRefused = errors.New("connection refused")

// fakeScheduler records timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) tracker.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

// Stopped reports whether timer i was stopped or has fired.
func (s *fakeScheduler) Stopped(i int) bool {
	s.mu.Lock()
	t := s.timers[i]
	s.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire runs timer i unless it was stopped.
func (s *fakeScheduler) Fire(i int) {
	s.mu.Lock()
	t := s.timers[i]
	s.mu.Unlock()
	t.mu.Lock()
	stopped := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !stopped {
		t.fn()
	}
}

// scriptedOracle answers containment checks from a fixed script, one entry per call.
type scriptedOracle struct {
	mu     sync.Mutex
	script []oracleAnswer
	calls  int
}

type oracleAnswer struct {
	fences []tracker.Geofence
	err    error
}

func inside(ids ...int64) oracleAnswer {
	fences := make([]tracker.Geofence, 0, len(ids))
	for _, id := range ids {
		fences = append(fences, tracker.Geofence{ID: id, Name: "zone"})
	}
	return oracleAnswer{fences: fences}
}

func outside() oracleAnswer { return oracleAnswer{} }

func unavailable() oracleAnswer {
	return oracleAnswer{err: errors.New("503 service unavailable")}
}

func (o *scriptedOracle) Containing(_ context.Context, _, _ float64) ([]tracker.Geofence, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls >= len(o.script) {
		o.calls++
		return nil, nil
	}
	a := o.script[o.calls]
	o.calls++
	return a.fences, a.err
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fakeQueries is an in-memory query service.
type fakeQueries struct {
	mu        sync.Mutex
	LocFunc   func(ctx context.Context, q tracker.Query) ([]tracker.LocationEvent, error)
	latest    []tracker.LocationEvent
	devices   []tracker.DeviceSummary
	stats     tracker.Stats
	queries   []tracker.Query
	statsHits int
}

func (f *fakeQueries) Locations(ctx context.Context, q tracker.Query) ([]tracker.LocationEvent, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	fn := f.LocFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, q)
}

func (f *fakeQueries) Latest(_ context.Context, limit int) ([]tracker.LocationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.latest) > limit {
		return f.latest[:limit], nil
	}
	return f.latest, nil
}

func (f *fakeQueries) Devices(context.Context) ([]tracker.DeviceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices, nil
}

func (f *fakeQueries) Stats(context.Context) (tracker.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsHits++
	return f.stats, nil
}

func (f *fakeQueries) Queries() []tracker.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Query(nil), f.queries...)
}
