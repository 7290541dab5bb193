package gradchat

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// MonitorConfig configures reconnection backoff.
type MonitorConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int // 0 retries forever
	Jitter         float64
	AttemptTimeout time.Duration
	// StableAfter resets the backoff once a connection has stayed up this long.
	StableAfter time.Duration
}

func (c *MonitorConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = 0.5
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
}

// MonitorOption configures a ConnectionMonitor.
type MonitorOption func(*ConnectionMonitor)

// WithMonitorConfig overrides the backoff settings.
func WithMonitorConfig(cfg MonitorConfig) MonitorOption {
	return func(m *ConnectionMonitor) { m.config = cfg }
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(log *zap.Logger) MonitorOption {
	return func(m *ConnectionMonitor) { m.log = log }
}

// WithMonitorMetrics records reconnects and state changes.
func WithMonitorMetrics(metrics *Metrics) MonitorOption {
	return func(m *ConnectionMonitor) { m.metrics = metrics }
}

// ============================================================================
// Listeners
// ============================================================================

// ConnectionListener is notified of connectivity transitions.
type ConnectionListener interface {
	OnOnline()
	OnOffline()
}

// ReconnectingListener is optionally implemented by a ConnectionListener to
// observe reconnect attempts.
type ReconnectingListener interface {
	OnReconnecting(attempt int, delay time.Duration)
}

// ResubscribeFunc reopens a broken subscription.
type ResubscribeFunc func(ctx context.Context) error

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      float64
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *MonitorConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.BaseDelay,
		maxDelay:    config.MaxDelay,
		maxAttempts: config.MaxAttempts,
		jitter:      config.Jitter,
		stableAfter: config.StableAfter,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * r.jitter)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ConnectionMonitor
// ============================================================================

type brokenLink struct {
	resubscribe ResubscribeFunc
	gen         uint64
}

// ConnectionMonitor tracks network reachability and the liveness of live
// subscriptions. Components report a broken subscription together with a
// function that reopens it; the monitor retries with capped exponential
// backoff and announces OnOnline once every link is back, which is the
// signal for sessions to run their catch-up fetch.
type ConnectionMonitor struct {
	config  MonitorConfig
	log     *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	state     ConnectionState
	reachable bool
	links     map[string]brokenLink
	pending   []ConnectionState
	gen       uint64
	running   bool
	recon     *reconnector
	closed    bool

	listenerMu sync.Mutex
	listeners  map[int]ConnectionListener
	nextID     int
	states     listenerList[ConnectionState]
	emitMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionMonitor creates a monitor in the online state.
func NewConnectionMonitor(opts ...MonitorOption) *ConnectionMonitor {
	m := &ConnectionMonitor{
		log:       zap.NewNop(),
		state:     ConnectionOnline,
		reachable: true,
		links:     make(map[string]brokenLink),
		listeners: make(map[int]ConnectionListener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.defaults()
	m.recon = newReconnector(&m.config)
	m.states.setLogger(m.log, "monitor")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.metrics.setConnectionState(m.state)
	return m
}

// State returns the current connection state.
func (m *ConnectionMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddListener registers l for transitions.
func (m *ConnectionMonitor) AddListener(l ConnectionListener) (remove func()) {
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, id)
			m.listenerMu.Unlock()
		})
	}
}

// OnStateChange registers fn for every state change, including reconnecting.
func (m *ConnectionMonitor) OnStateChange(fn func(ConnectionState)) (remove func()) {
	return m.states.add(fn)
}

// ReportFailure records that the subscription called name terminated with
// err. The monitor goes offline and keeps calling resubscribe until it
// succeeds, a newer report for name replaces it, or Forget(name) is called.
func (m *ConnectionMonitor) ReportFailure(name string, err error, resubscribe ResubscribeFunc) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.links[name] = brokenLink{resubscribe: resubscribe, gen: m.gen}
	wentOffline := m.setStateLocked(ConnectionOffline)
	m.startLocked()
	m.unlock()

	m.log.Warn("subscription failed", zap.String("link", name), zap.Error(err))
	if wentOffline {
		m.notifyOffline()
	}
}

// Forget drops a broken link that no longer needs to be reopened.
func (m *ConnectionMonitor) Forget(name string) {
	m.mu.Lock()
	delete(m.links, name)
	m.mu.Unlock()
}

// SetReachable feeds the platform's network reachability into the monitor.
func (m *ConnectionMonitor) SetReachable(reachable bool) {
	m.mu.Lock()
	if m.closed || m.reachable == reachable {
		m.mu.Unlock()
		return
	}
	m.reachable = reachable
	var wentOffline bool
	if reachable {
		m.recon.reset()
		m.startLocked()
	} else {
		wentOffline = m.setStateLocked(ConnectionOffline)
	}
	m.unlock()

	if wentOffline {
		m.log.Info("network unreachable")
		m.notifyOffline()
	}
}

// Resync is the manual resync trigger. Online, it re-announces OnOnline so
// listeners run their catch-up; otherwise it restarts reconnection with a
// fresh backoff.
func (m *ConnectionMonitor) Resync() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state == ConnectionOnline && len(m.links) == 0 {
		m.mu.Unlock()
		m.notifyOnline()
		return
	}
	m.recon.reset()
	m.startLocked()
	m.mu.Unlock()
}

// Close stops reconnection and waits for the background loop.
func (m *ConnectionMonitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.states.removeAll()
}

func (m *ConnectionMonitor) setStateLocked(s ConnectionState) bool {
	if m.state == s {
		return false
	}
	m.state = s
	m.metrics.setConnectionState(s)
	m.pending = append(m.pending, s)
	return true
}

// unlock releases mu and delivers state changes queued while it was held,
// in the order they happened.
func (m *ConnectionMonitor) unlock() {
	pending := m.pending
	m.pending = nil
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, s := range pending {
		m.states.emit(s)
	}
}

func (m *ConnectionMonitor) startLocked() {
	if m.running || !m.reachable || m.closed {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.loop()
}

func (m *ConnectionMonitor) loop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if !m.reachable || m.closed {
			m.running = false
			m.mu.Unlock()
			return
		}
		if len(m.links) == 0 {
			m.running = false
			m.recon.markConnected()
			cameOnline := m.state != ConnectionOnline
			if cameOnline {
				m.setStateLocked(ConnectionReconnecting)
				m.setStateLocked(ConnectionOnline)
			}
			m.unlock()
			if cameOnline {
				m.log.Info("connection restored")
				m.notifyOnline()
			}
			return
		}
		if !m.recon.shouldReconnect() {
			m.running = false
			m.setStateLocked(ConnectionOffline)
			attempts := m.recon.attempt
			m.unlock()
			m.log.Warn("giving up reconnecting", zap.Int("attempts", attempts))
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.setStateLocked(ConnectionReconnecting)
		names := make([]string, 0, len(m.links))
		for name := range m.links {
			names = append(names, name)
		}
		sort.Strings(names)
		links := make([]brokenLink, len(names))
		for i, name := range names {
			links[i] = m.links[name]
		}
		m.unlock()

		m.notifyReconnecting(attempt, delay)
		if !sleepCtx(m.ctx, delay) {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		}

		failed := 0
		for i, link := range links {
			ctx, cancel := context.WithTimeout(m.ctx, m.config.AttemptTimeout)
			err := link.resubscribe(ctx)
			cancel()

			m.mu.Lock()
			if err == nil {
				if cur, ok := m.links[names[i]]; ok && cur.gen == link.gen {
					delete(m.links, names[i])
				}
			} else {
				failed++
			}
			m.mu.Unlock()

			if err != nil {
				m.log.Debug("resubscribe failed",
					zap.String("link", names[i]), zap.Int("attempt", attempt), zap.Error(err))
			}
		}

		if failed > 0 {
			m.metrics.observeReconnect(false)
			m.mu.Lock()
			m.setStateLocked(ConnectionOffline)
			m.unlock()
		} else {
			m.metrics.observeReconnect(true)
		}
	}
}

func (m *ConnectionMonitor) snapshotListeners() []ConnectionListener {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]ConnectionListener, len(ids))
	for i, id := range ids {
		out[i] = m.listeners[id]
	}
	return out
}

func (m *ConnectionMonitor) notifyOnline() {
	for _, l := range m.snapshotListeners() {
		l.OnOnline()
	}
}

func (m *ConnectionMonitor) notifyOffline() {
	for _, l := range m.snapshotListeners() {
		l.OnOffline()
	}
}

func (m *ConnectionMonitor) notifyReconnecting(attempt int, delay time.Duration) {
	for _, l := range m.snapshotListeners() {
		if rl, ok := l.(ReconnectingListener); ok {
			rl.OnReconnecting(attempt, delay)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
