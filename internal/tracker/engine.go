package tracker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"procodus.dev/fleetwatch/pkg/metrics"
)

const (
	// DefaultStatsInterval is how often aggregate counters are polled.
	DefaultStatsInterval = 5 * time.Second

	// ClusterThreshold is the view size above which consumers should cluster markers.
	ClusterThreshold = 100
)

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("engine stopped")

// ShouldCluster reports whether n locations should be drawn as clusters.
func ShouldCluster(n int) bool { return n > ClusterThreshold }

// Stats are the aggregate counters of the query service.
type Stats struct {
	ConnectedClients int    `json:"connected_clients"`
	TotalLocations   int64  `json:"total_locations"`
	ActiveDevices    int    `json:"active_devices"`
	LastUpdate       string `json:"last_update"`
}

// QueryService is the request/response side of the backend.
type QueryService interface {
	Locations(ctx context.Context, q Query) ([]LocationEvent, error)
	Latest(ctx context.Context, limit int) ([]LocationEvent, error)
	Devices(ctx context.Context) ([]DeviceSummary, error)
	Stats(ctx context.Context) (Stats, error)
}

// QueryResult is the outcome of a history query. Empty is the explicit
// "no results" signal and is distinct from Err.
type QueryResult struct {
	Token  uint64          `json:"token"`
	Filter Filter          `json:"filter"`
	Events []LocationEvent `json:"events"`
	Empty  bool            `json:"empty"`
	Err    error           `json:"-"`
}

// View is a snapshot of what consumers render.
type View struct {
	Mode      Mode            `json:"mode"`
	Locations []LocationEvent `json:"locations"`
	Clustered bool            `json:"clustered"`
	Pending   int             `json:"pending"`
	Selection int             `json:"selection"`
	Limit     int             `json:"history_limit"`
}

// DeviceView is a registry entry with its resolved palette color.
type DeviceView struct {
	Device
	Hex    string `json:"hex"`
	Inside bool   `json:"inside_geofence"`
}

// Config holds the engine settings.
type Config struct {
	Logger               *slog.Logger
	Queries              QueryService
	Dialer               Dialer
	TransportURL         string
	Oracle               ContainmentOracle
	HistoryLimit         int
	MaxReconnectAttempts int
	Palette              []string
	StatsInterval        time.Duration
	Scheduler            Scheduler
	Metrics              *metrics.TrackerMetrics
	// PingInterval is DefaultPingInterval when zero; negative disables the heartbeat.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Engine runs the ingestion pipeline. Every mutation of the session runs on
// one loop goroutine; connection callbacks, timers and query completions are
// posted to it as tasks.
type Engine struct {
	logger        *slog.Logger
	queries       QueryService
	metrics       *metrics.TrackerMetrics
	statsInterval time.Duration

	session  *Session
	conn     *ConnectionManager
	detector *ViolationDetector

	tasks chan func()
	done  chan struct{}
	once  sync.Once
	// life outlives single calls; background fetches started by the
	// public methods use it.
	life context.Context
	stop context.CancelFunc

	mu         sync.Mutex
	stats      Stats
	viewSubs   []func(View)
	transSubs  []func(Transition)
	stateSubs  []func(ConnectionStatus)
	statsSubs  []func(Stats)
	resultSubs []func(QueryResult)
}

// NewEngine validates cfg and assembles the components.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Queries == nil {
		return nil, errors.New("query service cannot be nil")
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	session, err := NewSession(SessionConfig{
		Logger:       cfg.Logger.With("component", "reconciler"),
		HistoryLimit: cfg.HistoryLimit,
		Palette:      cfg.Palette,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	conn, err := NewConnectionManager(ConnectionConfig{
		URL:         cfg.TransportURL,
		Dialer:      cfg.Dialer,
		MaxAttempts: cfg.MaxReconnectAttempts,
		Scheduler:   cfg.Scheduler,
		Logger:      cfg.Logger.With("component", "connection"),
		Metrics:     cfg.Metrics,

		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
	})
	if err != nil {
		return nil, err
	}

	life, stop := context.WithCancel(context.Background())
	e := &Engine{
		life:          life,
		stop:          stop,
		logger:        cfg.Logger.With("component", "engine"),
		queries:       cfg.Queries,
		metrics:       cfg.Metrics,
		statsInterval: cfg.StatsInterval,
		session:       session,
		conn:          conn,
		tasks:         make(chan func()),
		done:          make(chan struct{}),
	}

	if cfg.Oracle != nil {
		e.detector, err = NewViolationDetector(cfg.Logger.With("component", "geofence"), cfg.Oracle, cfg.Metrics)
		if err != nil {
			return nil, err
		}
		session.Reconciler().OnReconciled(e.detector.OnReconciled)
		e.detector.OnTransition(func(t Transition) {
			e.post(func() { e.fanOutTransition(t) })
		})
	}

	session.Reconciler().OnView(func([]LocationEvent) { e.fanOutView() })
	conn.OnEvent(func(ev LocationEvent) {
		e.post(func() {
			if err := e.session.HandleEvent(ev); err != nil {
				e.logger.Debug("live event not applied", "error", err, "device_id", ev.DeviceID)
			}
		})
	})
	conn.OnStateChange(func(s ConnectionStatus) {
		e.post(func() { e.fanOutState(s) })
	})

	return e, nil
}

// OnView registers a subscriber for every republished view. Subscribers run
// on the engine loop and must not call back into the engine synchronously.
func (e *Engine) OnView(fn func(View)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewSubs = append(e.viewSubs, fn)
}

// OnTransition registers a subscriber for geofence transitions.
func (e *Engine) OnTransition(fn func(Transition)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transSubs = append(e.transSubs, fn)
}

// OnConnectionState registers a subscriber for connection state changes.
func (e *Engine) OnConnectionState(fn func(ConnectionStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateSubs = append(e.stateSubs, fn)
}

// OnStats registers a subscriber for polled stats.
func (e *Engine) OnStats(fn func(Stats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsSubs = append(e.statsSubs, fn)
}

// OnQueryResult registers a subscriber for completed history queries.
func (e *Engine) OnQueryResult(fn func(QueryResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resultSubs = append(e.resultSubs, fn)
}

// Run bootstraps the registry and seed, connects, and serves the loop until
// ctx is done. The connection is closed on return.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.stop()

	var wg sync.WaitGroup
	if e.detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.detector.Run(ctx)
		}()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.bootstrap(ctx)
	}()
	go func() {
		defer wg.Done()
		e.pollStats(ctx)
	}()
	// Connect emits its first state change synchronously, which needs the loop.
	go func() {
		defer wg.Done()
		e.conn.Connect()
	}()
	e.logger.Info("engine started")

	for {
		select {
		case <-ctx.Done():
			e.once.Do(func() { close(e.done) })
			wg.Wait()
			e.conn.Disconnect()
			e.logger.Info("engine stopped")
			return nil
		case task := <-e.tasks:
			task()
		}
	}
}

// post hands fn to the loop. It reports false once the engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.tasks <- task:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) bootstrap(ctx context.Context) {
	devices, err := e.queries.Devices(ctx)
	if err != nil {
		e.logger.Error("failed to load devices", "error", err)
	} else {
		e.post(func() { e.session.Registry().Bootstrap(devices) })
	}
	e.fetchSeed(ctx)
}

// fetchSeed loads the most recent stored location to show until the first
// live event arrives.
func (e *Engine) fetchSeed(ctx context.Context) {
	var token uint64
	if err := e.do(ctx, func() { token = e.session.Coordinator().Token() }); err != nil {
		return
	}
	latest, err := e.queries.Latest(ctx, 1)
	if err != nil {
		e.logger.Warn("failed to load seed location", "error", err)
		return
	}
	if len(latest) == 0 {
		return
	}
	_ = e.do(ctx, func() {
		if e.session.CompleteSeed(token, latest[0]) {
			e.logger.Debug("seed location applied", "device_id", latest[0].DeviceID)
		}
	})
}

func (e *Engine) pollStats(ctx context.Context) {
	ticker := time.NewTicker(e.statsInterval)
	defer ticker.Stop()
	for {
		e.refreshStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) refreshStats(ctx context.Context) {
	stats, err := e.queries.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("failed to load stats", "error", err)
		}
		return
	}
	e.mu.Lock()
	e.stats = stats
	subs := slices.Clone(e.statsSubs)
	e.mu.Unlock()
	e.post(func() {
		for _, fn := range subs {
			fn(stats)
		}
	})
}

// ApplyFilter enters History(f), or replaces the filter in History, and
// runs the query. A None filter issues no query and returns a nil result.
func (e *Engine) ApplyFilter(ctx context.Context, f Filter) (*QueryResult, error) {
	var (
		q    Query
		ok   bool
		ferr error
	)
	if err := e.do(ctx, func() {
		if _, ferr = e.session.ApplyFilter(f); ferr != nil {
			return
		}
		q, ok = e.session.Coordinator().Query()
	}); err != nil {
		return nil, err
	}
	if ferr != nil {
		return nil, ferr
	}
	if !ok {
		return nil, nil
	}
	return e.runQuery(ctx, q)
}

// EnterHistory switches to History resuming the persisted filter, and runs
// its query when there is one.
func (e *Engine) EnterHistory(ctx context.Context) (*QueryResult, error) {
	var (
		q  Query
		ok bool
	)
	if err := e.do(ctx, func() {
		e.session.EnterHistory()
		q, ok = e.session.Coordinator().Query()
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return e.runQuery(ctx, q)
}

// ExitHistory returns to Live, draining queued events first. It returns
// the number of queued events applied.
func (e *Engine) ExitHistory(ctx context.Context) (int, error) {
	var (
		applied int
		changed bool
	)
	if err := e.do(ctx, func() {
		var change ModeChange
		change, applied = e.session.ExitHistory()
		changed = change.Changed
	}); err != nil {
		return 0, err
	}
	if changed && applied == 0 {
		go e.fetchSeed(e.life)
	}
	return applied, nil
}

// ClearFilter forgets the persisted filter.
func (e *Engine) ClearFilter(ctx context.Context) error {
	return e.do(ctx, func() { e.session.ClearFilter() })
}

// Refresh reloads the current mode: the seed in Live, the query in History.
func (e *Engine) Refresh(ctx context.Context) (*QueryResult, error) {
	var (
		q    Query
		ok   bool
		live bool
	)
	if err := e.do(ctx, func() {
		e.session.Refresh()
		live = e.session.Coordinator().IsLive()
		q, ok = e.session.Coordinator().Query()
	}); err != nil {
		return nil, err
	}
	if live {
		e.fetchSeed(ctx)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return e.runQuery(ctx, q)
}

// SetVisible toggles a device. In History the query is re-run with the new
// device scope.
func (e *Engine) SetVisible(ctx context.Context, id string, visible bool) (bool, error) {
	var (
		found bool
		q     Query
		ok    bool
	)
	if err := e.do(ctx, func() {
		found = e.session.SetVisible(id, visible)
		if found && !e.session.Coordinator().IsLive() {
			e.session.Coordinator().Reissue()
			q, ok = e.session.Coordinator().Query()
		}
	}); err != nil {
		return false, err
	}
	if ok {
		if _, err := e.runQuery(ctx, q); err != nil && !errors.Is(err, ErrSuperseded) {
			return found, err
		}
	}
	return found, nil
}

// SetHistoryLimit changes the live history cap.
func (e *Engine) SetHistoryLimit(ctx context.Context, limit int) error {
	var lerr error
	if err := e.do(ctx, func() { lerr = e.session.SetHistoryLimit(limit) }); err != nil {
		return err
	}
	return lerr
}

// Select marks a location of the current view as selected.
func (e *Engine) Select(ctx context.Context, index int) error {
	return e.do(ctx, func() {
		e.session.Coordinator().Select(index)
		e.fanOutView()
	})
}

// Reconnect is the external connect used after focus or visibility regain.
func (e *Engine) Reconnect() {
	e.conn.Connect()
}

// View returns the current view.
func (e *Engine) View(ctx context.Context) (View, error) {
	var v View
	err := e.do(ctx, func() { v = e.snapshotView() })
	return v, err
}

// Devices returns the registry in first-seen order.
func (e *Engine) Devices(ctx context.Context) ([]DeviceView, error) {
	var out []DeviceView
	err := e.do(ctx, func() {
		reg := e.session.Registry()
		for _, d := range reg.Snapshot() {
			dv := DeviceView{Device: d, Hex: reg.ColorOf(d.ID)}
			if e.detector != nil {
				dv.Inside = e.detector.Inside(d.ID)
			}
			out = append(out, dv)
		}
	})
	return out, err
}

// Status returns the connection status.
func (e *Engine) Status() ConnectionStatus {
	return e.conn.Status()
}

// Stats returns the most recently polled stats.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// runQuery runs q on the engine's lifetime rather than ctx. A caller whose
// ctx ends stops waiting, but the result is still applied when it arrives
// while its token is current; newer requests supersede it by token.
func (e *Engine) runQuery(ctx context.Context, q Query) (*QueryResult, error) {
	type outcome struct {
		res *QueryResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.completeQuery(q)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) completeQuery(q Query) (*QueryResult, error) {
	kind := q.Filter.Kind.String()
	start := time.Now()
	events, qerr := e.queries.Locations(e.life, q)
	if e.metrics != nil {
		e.metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}

	res := &QueryResult{Token: q.Token, Filter: q.Filter, Events: events, Empty: len(events) == 0, Err: qerr}
	var applyErr error
	if err := e.do(e.life, func() {
		if qerr != nil {
			if e.metrics != nil {
				e.metrics.QueryFailures.WithLabelValues(kind).Inc()
			}
			e.logger.Error("history query failed", "error", qerr, "filter", kind)
			return
		}
		applyErr = e.session.CompleteQuery(q.Token, events)
		if applyErr == nil {
			e.fanOutResult(*res)
		}
	}); err != nil {
		return nil, err
	}
	if qerr != nil {
		res.Empty = false
		return res, qerr
	}
	return res, applyErr
}

func (e *Engine) snapshotView() View {
	locs := e.session.Reconciler().CurrentView()
	return View{
		Mode:      e.session.Coordinator().Mode(),
		Locations: locs,
		Clustered: ShouldCluster(len(locs)),
		Pending:   e.session.Reconciler().PendingLen(),
		Selection: e.session.Coordinator().Selection(),
		Limit:     e.session.Reconciler().Limit(),
	}
}

func (e *Engine) fanOutView() {
	e.mu.Lock()
	subs := slices.Clone(e.viewSubs)
	e.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	v := e.snapshotView()
	for _, fn := range subs {
		fn(v)
	}
}

func (e *Engine) fanOutTransition(t Transition) {
	e.mu.Lock()
	subs := slices.Clone(e.transSubs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (e *Engine) fanOutState(s ConnectionStatus) {
	e.mu.Lock()
	subs := slices.Clone(e.stateSubs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (e *Engine) fanOutResult(r QueryResult) {
	e.mu.Lock()
	subs := slices.Clone(e.resultSubs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(r)
	}
}
