package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/health"
	"github.com/offlinekit/offlinekit/pkg/identity"
	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
	"github.com/offlinekit/offlinekit/pkg/metrics"
	"github.com/offlinekit/offlinekit/pkg/recovery"
	"github.com/offlinekit/offlinekit/pkg/store"
)

// Options wires the manager's collaborators.
type Options struct {
	Provider    identity.Provider
	Backend     store.Backend
	Broadcaster *store.Broadcaster
	Config      config.SessionConfig
	KeyPrefix   string
	Metrics     *metrics.Metrics
}

// Manager owns the session state machine and the cross-instance
// refresh coordination. At most one upstream refresh call happens per
// expiry cycle across all instances: concurrent callers in one
// instance coalesce through a singleflight group, and across instances
// the refresh is guarded by a storage-backed lock. Losers wait for a
// tokens-updated broadcast and adopt the winner's tokens.
type Manager struct {
	cfg         config.SessionConfig
	provider    identity.Provider
	broadcaster *store.Broadcaster
	lock        *store.Lock
	retrier     *recovery.Retrier
	emitter     *lifecycle.Emitter
	cleanup     *lifecycle.Cleanup
	logger      *logging.Logger
	metrics     *metrics.Metrics

	sf singleflight.Group

	mu             sync.RWMutex
	session        *identity.Session
	status         Status
	lastActivityAt time.Time
	suspended      bool
	adoptCh        chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. Call Initialize before use.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 5 * time.Minute
	}
	if cfg.RefreshAttempts <= 0 {
		cfg.RefreshAttempts = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "offlinekit"
	}

	return &Manager{
		cfg:         cfg,
		provider:    opts.Provider,
		broadcaster: opts.Broadcaster,
		lock:        store.NewLock(opts.Backend, prefix+":session:refresh-lock", cfg.LockTTL, cfg.LockHeartbeat, logging.GetLogger()),
		retrier: recovery.NewRetrier(recovery.RetryConfig{
			MaxAttempts: cfg.RefreshAttempts,
			Jitter:      true,
		}),
		emitter:        lifecycle.NewEmitter(),
		cleanup:        lifecycle.NewCleanup(),
		logger:         logging.GetLogger(),
		metrics:        opts.Metrics,
		status:         StatusUninitialized,
		adoptCh:        make(chan struct{}),
		lastActivityAt: time.Now(),
		stopCh:         make(chan struct{}),
	}
}

// Initialize loads an existing session from the identity provider,
// subscribes to peer broadcasts and starts the monitoring loop. It
// fails with an auth-invalid error when no session exists.
func (m *Manager) Initialize(ctx context.Context) error {
	sess, err := m.provider.GetSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return errors.NewAuthInvalid("no existing session")
	}

	status := StatusActive
	if !sess.Valid() {
		status = StatusExpired
	}

	m.mu.Lock()
	m.session = sess
	m.setStatusLocked(status)
	m.lastActivityAt = time.Now()
	m.mu.Unlock()

	if err := m.subscribe(); err != nil {
		return err
	}

	go m.monitorLoop()
	m.cleanup.Add(func() { m.stopOnce.Do(func() { close(m.stopCh) }) })

	m.logger.LogSessionEvent("initialized", sess.ID, string(status), nil)
	return nil
}

// subscribe registers the peer broadcast handlers.
func (m *Manager) subscribe() error {
	if m.broadcaster == nil {
		return nil
	}

	unsub, err := m.broadcaster.On(BroadcastChannel, BroadcastTokensUpdate, func(msg store.Message) {
		var sess identity.Session
		if err := msg.Decode(&sess); err != nil {
			m.logger.Warn("Discarding malformed token broadcast", "error", err.Error())
			return
		}
		m.adopt(&sess, "broadcast")
	})
	if err != nil {
		return err
	}
	m.cleanup.Add(unsub)

	unsub, err = m.broadcaster.On(BroadcastChannel, BroadcastSignedOut, func(store.Message) {
		m.clearSession(EventTerminated, StatusTerminated)
	})
	if err != nil {
		return err
	}
	m.cleanup.Add(unsub)
	return nil
}

// Current returns a snapshot of the managed session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(m.session, m.status, m.lastActivityAt)
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Validate reports whether the session can authenticate a call right
// now: status active or expiring with an unexpired access token.
func (m *Manager) Validate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusActive && m.status != StatusExpiring {
		return false
	}
	return m.session != nil && time.Now().Before(m.session.ExpiresAt)
}

// UpdateActivity records user activity for idle-timeout accounting.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	m.lastActivityAt = time.Now()
	m.mu.Unlock()
}

// SignIn authenticates from scratch, replacing any previous session.
// This is also the re-authentication path out of the expired state.
func (m *Manager) SignIn(ctx context.Context, creds identity.Credentials) error {
	sess, err := m.provider.SignIn(ctx, creds)
	if err != nil {
		return err
	}
	m.adopt(sess, "sign_in")
	m.publishTokens(ctx, sess)
	return nil
}

// Refresh obtains a fresh token pair. Concurrent callers within this
// instance share one outstanding call; across instances exactly one
// upstream call happens per expiry cycle, the rest adopt broadcast
// tokens. Returns nil when the session ends up active with new tokens,
// regardless of which instance did the upstream call.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.status == StatusTerminated || m.status == StatusUninitialized {
		m.mu.Unlock()
		return errors.NewAuthInvalid("no session to refresh")
	}
	refreshToken := m.session.RefreshToken
	revert := m.status
	m.setStatusLocked(StatusRefreshing)
	adoptCh := m.adoptCh
	m.mu.Unlock()

	acquired, err := m.lock.TryAcquire(ctx)
	if err != nil {
		// Storage trouble must not block refresh entirely; proceed with
		// an uncoordinated upstream call.
		m.logger.Warn("Refresh lock unavailable, refreshing without coordination", "error", err.Error())
		acquired = true
	}

	if !acquired {
		// Another instance is refreshing. Wait for its broadcast,
		// bounded by the lock TTL, then make one more acquire attempt
		// in case the holder died.
		if m.waitForAdoption(ctx, adoptCh, m.cfg.LockTTL) {
			m.recordRefresh("success", "broadcast")
			return nil
		}
		acquired, err = m.lock.TryAcquire(ctx)
		if err != nil || !acquired {
			m.setStatus(revert)
			m.recordRefresh("failure", "broadcast")
			return errors.NewTimeout("session refresh").WithDetail("reason", "lock held and no token broadcast arrived")
		}
	}
	defer m.lock.Release(context.Background())

	start := time.Now()
	var fresh *identity.Session
	err = m.retrier.Execute(ctx, func(ctx context.Context) error {
		sess, callErr := m.provider.Refresh(ctx, refreshToken)
		if callErr != nil {
			return callErr
		}
		fresh = sess
		return nil
	})
	if m.metrics != nil {
		m.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if recovery.Dispose(err) == recovery.DispositionRetry {
			// Transient exhaustion: surface as recoverable, keep the
			// session in expiring so the monitor loop tries again.
			m.setStatus(StatusExpiring)
			m.recordRefresh("failure", "upstream")
			return err
		}
		// Anything the routing table will not retry is terminal for the
		// refresh token.
		m.clearSession(EventExpired, StatusExpired)
		m.recordRefresh("terminal_failure", "upstream")
		return err
	}

	m.adopt(fresh, "upstream")
	m.publishTokens(ctx, fresh)
	m.recordRefresh("success", "upstream")
	return nil
}

func (m *Manager) waitForAdoption(ctx context.Context, adoptCh <-chan struct{}, ttl time.Duration) bool {
	select {
	case <-adoptCh:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-time.After(ttl):
		return false
	}
}

// adopt installs a new token pair, transitions to active and releases
// any callers waiting on a broadcast.
func (m *Manager) adopt(sess *identity.Session, source string) {
	m.mu.Lock()
	m.session = sess
	m.setStatusLocked(StatusActive)
	close(m.adoptCh)
	m.adoptCh = make(chan struct{})
	snap := snapshot(m.session, m.status, m.lastActivityAt)
	m.mu.Unlock()

	m.logger.LogSessionEvent("tokens_adopted", sess.ID, string(StatusActive), map[string]interface{}{
		"source": source,
	})
	m.emitter.Emit(EventRefreshed, snap)
}

func (m *Manager) publishTokens(ctx context.Context, sess *identity.Session) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.Send(ctx, BroadcastChannel, BroadcastTokensUpdate, sess); err != nil {
		m.logger.Warn("Token broadcast failed", "error", err.Error())
	}
}

// Terminate revokes the session upstream, clears local state and
// broadcasts the sign-out to peer instances.
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess != nil {
		if err := m.provider.SignOut(ctx, sess.AccessToken); err != nil {
			m.logger.Warn("Upstream sign-out failed", "error", err.Error())
		}
	}

	m.clearSession(EventTerminated, StatusTerminated)

	if m.broadcaster != nil {
		if err := m.broadcaster.Send(ctx, BroadcastChannel, BroadcastSignedOut, nil); err != nil {
			m.logger.Warn("Sign-out broadcast failed", "error", err.Error())
		}
	}
	return nil
}

// clearSession drops the token pair and emits the given event.
func (m *Manager) clearSession(event string, status Status) {
	m.mu.Lock()
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.ID
	}
	m.session = nil
	m.setStatusLocked(status)
	snap := snapshot(nil, m.status, m.lastActivityAt)
	m.mu.Unlock()

	m.logger.LogSessionEvent("session_cleared", sessionID, string(status), nil)
	m.emitter.Emit(event, snap)
}

// Suspend pauses proactive refresh, typically while offline.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
}

// Resume re-enables proactive refresh and immediately re-evaluates
// expiry.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
	m.checkExpiry()
}

// BindHealth suspends proactive refresh while the backend is
// unreachable and resumes it on reconnect.
func (m *Manager) BindHealth(monitor *health.Monitor) {
	m.cleanup.Add(monitor.OnConnectionLost(func(health.State) { m.Suspend() }))
	m.cleanup.Add(monitor.OnReconnected(func(health.State) { m.Resume() }))
}

// OnExpiring registers a handler for the expiring transition.
func (m *Manager) OnExpiring(h func(Session)) func() { return m.on(EventExpiring, h) }

// OnExpired registers a handler for the expired transition.
func (m *Manager) OnExpired(h func(Session)) func() { return m.on(EventExpired, h) }

// OnRefreshed registers a handler for token adoption.
func (m *Manager) OnRefreshed(h func(Session)) func() { return m.on(EventRefreshed, h) }

// OnTerminated registers a handler for sign-out.
func (m *Manager) OnTerminated(h func(Session)) func() { return m.on(EventTerminated, h) }

func (m *Manager) on(event string, h func(Session)) func() {
	unsub := m.emitter.On(event, func(payload any) {
		if s, ok := payload.(Session); ok {
			h(s)
		}
	})
	m.cleanup.Add(unsub)
	return unsub
}

// Close tears down timers, listeners and the refresh lock.
func (m *Manager) Close() {
	m.cleanup.Close()
	m.lock.Close()
	m.emitter.RemoveAll()
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkExpiry()
		}
	}
}

// checkExpiry is one pass of the monitoring loop: idle timeout first,
// then expiry-driven transitions.
func (m *Manager) checkExpiry() {
	m.mu.Lock()
	if m.suspended || m.session == nil || (m.status != StatusActive && m.status != StatusExpiring) {
		m.mu.Unlock()
		return
	}

	if m.cfg.IdleTimeout > 0 && time.Since(m.lastActivityAt) > m.cfg.IdleTimeout {
		m.mu.Unlock()
		m.logger.Info("Idle timeout reached, terminating session")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Terminate(ctx)
		return
	}

	remaining := time.Until(m.session.ExpiresAt)
	status := m.status
	var snap Session
	transitioned := false
	if remaining < m.cfg.RefreshThreshold && status == StatusActive {
		m.setStatusLocked(StatusExpiring)
		snap = snapshot(m.session, m.status, m.lastActivityAt)
		transitioned = true
	}
	m.mu.Unlock()

	if transitioned {
		m.logger.LogSessionEvent("expiring", snap.ID, string(StatusExpiring), map[string]interface{}{
			"remaining": remaining.String(),
		})
		m.emitter.Emit(EventExpiring, snap)
	}

	if remaining < m.cfg.RefreshThreshold {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LockTTL+10*time.Second)
		defer cancel()
		if err := m.Refresh(ctx); err != nil {
			m.logger.Warn("Proactive refresh failed", "error", err.Error())
		}
	}
}

// setStatusLocked applies a transition, ignoring edges outside the
// state machine. Callers hold m.mu.
func (m *Manager) setStatusLocked(to Status) {
	if !canTransition(m.status, to) {
		m.logger.Warn("Ignoring invalid session transition",
			"from", string(m.status),
			"to", string(to),
		)
		return
	}
	if m.status == to {
		return
	}
	m.status = to
	if m.metrics != nil {
		for _, s := range []Status{StatusUninitialized, StatusActive, StatusExpiring, StatusRefreshing, StatusExpired, StatusTerminated} {
			v := 0.0
			if s == to {
				v = 1.0
			}
			m.metrics.SessionStatus.WithLabelValues(string(s)).Set(v)
		}
	}
}

func (m *Manager) setStatus(to Status) {
	m.mu.Lock()
	m.setStatusLocked(to)
	m.mu.Unlock()
}

func (m *Manager) recordRefresh(outcome, source string) {
	if m.metrics != nil {
		m.metrics.RefreshTotal.WithLabelValues(outcome, source).Inc()
	}
}
