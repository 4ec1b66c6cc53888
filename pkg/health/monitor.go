package health

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
	"github.com/offlinekit/offlinekit/pkg/metrics"
)

// Events emitted by the monitor. Payload is always a State snapshot.
const (
	EventConnectionLost = "connection-lost"
	EventReconnected    = "reconnected"
	EventDegraded       = "degraded"
)

// Prober performs a cheap read-only reachability check. It must not
// fetch business data.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a plain function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// State is a snapshot of the monitor's current belief about backend
// reachability.
type State struct {
	Online              bool          `json:"online"`
	Degraded            bool          `json:"degraded"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ReconnectAttempt    int           `json:"reconnect_attempt"`
	NextRetryIn         time.Duration `json:"next_retry_in"`
}

// Monitor maintains a best-effort belief about backend reachability.
// While presumed online it probes on a fixed interval; on failure it
// flips offline and retries with capped exponential backoff until a
// probe succeeds. External online/offline signals short-circuit both
// loops.
type Monitor struct {
	cfg       config.HealthConfig
	primary   Prober
	secondary Prober
	emitter   *lifecycle.Emitter
	cleanup   *lifecycle.Cleanup
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	state State

	kickCh    chan struct{}
	offlineCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   bool
}

// NewMonitor creates a monitor. secondary may be nil; degradation
// detection is then disabled and any primary failure counts as outage.
func NewMonitor(primary Prober, secondary Prober, cfg config.HealthConfig, m *metrics.Metrics) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 2.0
	}

	return &Monitor{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		emitter:   lifecycle.NewEmitter(),
		cleanup:   lifecycle.NewCleanup(),
		logger:    logging.GetLogger(),
		metrics:   m,
		state:     State{Online: true},
		kickCh:    make(chan struct{}, 1),
		offlineCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
}

// Close stops the probe loop and drops all listeners.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.cleanup.Close()
	m.emitter.RemoveAll()
}

// Status returns a snapshot of the current connection state.
func (m *Monitor) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the backend is currently believed reachable.
func (m *Monitor) Online() bool {
	return m.Status().Online
}

// CheckNow triggers an immediate probe instead of waiting for the next
// interval or backoff delay. Used for external "online" signals and
// manual retry-now actions.
func (m *Monitor) CheckNow() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// ForceOffline flips the monitor offline immediately, without waiting
// for a probe to fail. Used for external "offline" signals.
func (m *Monitor) ForceOffline() {
	select {
	case m.offlineCh <- struct{}{}:
	default:
	}
}

// OnConnectionLost registers a handler for the offline transition.
func (m *Monitor) OnConnectionLost(h func(State)) func() {
	return m.on(EventConnectionLost, h)
}

// OnReconnected registers a handler for the online transition.
func (m *Monitor) OnReconnected(h func(State)) func() {
	return m.on(EventReconnected, h)
}

// OnDegraded registers a handler for partial-degradation transitions.
func (m *Monitor) OnDegraded(h func(State)) func() {
	return m.on(EventDegraded, h)
}

func (m *Monitor) on(event string, h func(State)) func() {
	unsub := m.emitter.On(event, func(payload any) {
		if s, ok := payload.(State); ok {
			h(s)
		}
	})
	m.cleanup.Add(unsub)
	return unsub
}

func (m *Monitor) loop() {
	for {
		online := m.Online()

		if online {
			select {
			case <-m.stopCh:
				return
			case <-m.offlineCh:
				m.goOffline(false)
				continue
			case <-m.kickCh:
			case <-time.After(m.cfg.ProbeInterval):
			}
			m.probe()
			continue
		}

		// Offline: exponential backoff between reconnect probes.
		delay := m.nextDelay()
		select {
		case <-m.stopCh:
			return
		case <-m.offlineCh:
			continue
		case <-m.kickCh:
		case <-time.After(delay):
		}
		m.probe()
	}
}

// probe runs the primary check and updates state accordingly.
func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	err := m.primary.Probe(ctx)
	cancel()

	if m.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.metrics.ProbesTotal.WithLabelValues(result).Inc()
	}

	if err == nil {
		m.goOnline()
		return
	}

	// Primary failed; a succeeding secondary means partial degradation
	// rather than full outage.
	degraded := false
	if m.secondary != nil {
		sctx, scancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		degraded = m.secondary.Probe(sctx) == nil
		scancel()
	}

	if degraded {
		m.goDegraded()
		return
	}
	m.goOffline(true)
}

func (m *Monitor) goOnline() {
	m.mu.Lock()
	wasOnline := m.state.Online
	wasDegraded := m.state.Degraded
	m.state = State{Online: true, LastCheckedAt: time.Now()}
	snapshot := m.state
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionState.Set(1)
		m.metrics.ReconnectAttempt.Set(0)
	}

	if !wasOnline || wasDegraded {
		m.logger.LogConnectionEvent("reconnected", true, 0, nil)
		m.emitter.Emit(EventReconnected, snapshot)
	}
}

func (m *Monitor) goDegraded() {
	m.mu.Lock()
	wasOnline := m.state.Online
	wasDegraded := m.state.Degraded
	m.state.Online = true
	m.state.Degraded = true
	m.state.LastCheckedAt = time.Now()
	m.state.ConsecutiveFailures++
	m.state.ReconnectAttempt = 0
	m.state.NextRetryIn = 0
	snapshot := m.state
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionState.Set(1)
		m.metrics.ReconnectAttempt.Set(0)
	}

	if !wasOnline {
		// Degraded still counts as reachable: consumers bound to the
		// reconnect event must resume replay rather than stay paused
		// until the primary recovers.
		m.logger.LogConnectionEvent("reconnected", true, snapshot.ConsecutiveFailures, nil)
		m.emitter.Emit(EventReconnected, snapshot)
	}
	if !wasDegraded {
		m.logger.LogConnectionEvent("degraded", true, snapshot.ConsecutiveFailures, nil)
		m.emitter.Emit(EventDegraded, snapshot)
	}
}

// goOffline flips to offline. probed is false for external offline
// signals, which do not count as probe failures.
func (m *Monitor) goOffline(probed bool) {
	m.mu.Lock()
	wasOnline := m.state.Online
	m.state.Online = false
	m.state.Degraded = false
	m.state.LastCheckedAt = time.Now()
	if probed {
		m.state.ConsecutiveFailures++
	}
	snapshot := m.state
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionState.Set(0)
	}

	if wasOnline {
		m.logger.LogConnectionEvent("connection_lost", false, snapshot.ConsecutiveFailures, nil)
		m.emitter.Emit(EventConnectionLost, snapshot)
	}
}

// nextDelay computes the current backoff delay and advances the
// reconnect attempt counter.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.Lock()
	attempt := m.state.ReconnectAttempt
	m.state.ReconnectAttempt++
	delay := m.backoffDelay(attempt)
	m.state.NextRetryIn = delay
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconnectAttempt.Set(float64(attempt + 1))
	}
	return delay
}

func (m *Monitor) backoffDelay(attempt int) time.Duration {
	delay := float64(m.cfg.BackoffInitial) * math.Pow(m.cfg.BackoffFactor, float64(attempt))
	if delay > float64(m.cfg.BackoffMax) {
		delay = float64(m.cfg.BackoffMax)
	}
	if m.cfg.Jitter {
		delay += rand.Float64() * 0.1 * delay
		if delay > float64(m.cfg.BackoffMax) {
			delay = float64(m.cfg.BackoffMax)
		}
	}
	return time.Duration(delay)
}
