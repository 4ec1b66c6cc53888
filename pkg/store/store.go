package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
	"github.com/offlinekit/offlinekit/pkg/metrics"
)

// Entry is the persisted envelope around every stored value. TTL here is
// logical: the value stays physically retained for the stale window beyond it
// so the recovery policy can serve it as an explicitly flagged stale fallback.
type Entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

// Expired reports whether the entry is past its logical TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// StateStore is generic named-state persistence surviving restarts, with TTL
// and periodic auto-save. When the durable backend fails it degrades to
// in-memory-only storage with a single warning instead of crashing.
type StateStore struct {
	config  config.StoreConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	cleanup *lifecycle.Cleanup

	mu       sync.RWMutex
	backend  Backend
	fallback *MemoryBackend
	degraded bool
	warnOnce sync.Once
}

// NewStateStore creates a state store on the given backend.
func NewStateStore(backend Backend, cfg config.StoreConfig, logger *logging.Logger, m *metrics.Metrics) *StateStore {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.StaleWindow < cfg.DefaultTTL {
		cfg.StaleWindow = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "offlinekit"
	}
	return &StateStore{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		cleanup:  lifecycle.NewCleanup(),
		backend:  backend,
		fallback: NewMemoryBackend(),
	}
}

func (s *StateStore) key(name string) string {
	return fmt.Sprintf("%s:state:%s", s.config.KeyPrefix, name)
}

// Degraded reports whether the store has fallen back to in-memory storage.
func (s *StateStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// current returns the backend to use for the next operation.
func (s *StateStore) current() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return s.fallback
	}
	return s.backend
}

// degrade flips the store to memory-only after a backend failure. Warned once;
// later saves are best-effort until the process restarts.
func (s *StateStore) degrade(err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()

	s.warnOnce.Do(func() {
		s.logger.Warn("Persistent storage unavailable, falling back to in-memory state",
			"error", err.Error(),
		)
		if s.metrics != nil {
			s.metrics.StorageDegraded.Set(1)
		}
	})
}

// SaveState persists a named value. A non-positive ttl uses the configured
// default. The write is synchronous: when it returns nil the value survives a
// restart as long as the backend itself does.
func (s *StateStore) SaveState(ctx context.Context, name string, value any, ttl time.Duration) error {
	if name == "" {
		return errors.NewValidationFailed("state name cannot be empty")
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return errors.NewValidationFailed("state value is not serializable").WithCause(err)
	}
	entry, err := json.Marshal(Entry{Value: raw, StoredAt: time.Now(), TTL: ttl})
	if err != nil {
		return errors.NewValidationFailed("state entry is not serializable").WithCause(err)
	}

	// Physical retention outlives the logical TTL by the stale window.
	physical := ttl + s.config.StaleWindow
	if err := s.current().Set(ctx, s.key(name), entry, physical); err != nil {
		s.degrade(err)
		s.countState("save", "degraded")
		return s.fallback.Set(ctx, s.key(name), entry, physical)
	}
	s.countState("save", "ok")
	return nil
}

// RestoreState loads a named value into dest. It returns false when the key is
// missing or past its logical TTL; expired values are never returned here.
func (s *StateStore) RestoreState(ctx context.Context, name string, dest any) (bool, error) {
	entry, ok, err := s.load(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if entry.Expired(time.Now()) {
		return false, nil
	}
	if dest != nil {
		if err := json.Unmarshal(entry.Value, dest); err != nil {
			return false, errors.NewValidationFailed("stored state does not match destination type").WithCause(err)
		}
	}
	s.countState("restore", "ok")
	return true, nil
}

// RestoreStale loads a named value regardless of logical expiry, reporting
// whether it is stale. This is the recovery policy's cache-fallback read.
func (s *StateStore) RestoreStale(ctx context.Context, name string) (value json.RawMessage, stale bool, ok bool) {
	entry, found, err := s.load(ctx, name)
	if err != nil || !found {
		return nil, false, false
	}
	return entry.Value, entry.Expired(time.Now()), true
}

func (s *StateStore) load(ctx context.Context, name string) (*Entry, bool, error) {
	raw, ok, err := s.current().Get(ctx, s.key(name))
	if err != nil {
		s.degrade(err)
		raw, ok, err = s.fallback.Get(ctx, s.key(name))
		if err != nil || !ok {
			return nil, false, err
		}
	}
	if !ok {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Unreadable entries are dropped rather than poisoning every read.
		_ = s.current().Delete(ctx, s.key(name))
		return nil, false, nil
	}
	return &entry, true, nil
}

// ClearState removes a named value.
func (s *StateStore) ClearState(ctx context.Context, name string) error {
	if err := s.current().Delete(ctx, s.key(name)); err != nil {
		s.degrade(err)
		return s.fallback.Delete(ctx, s.key(name))
	}
	s.countState("clear", "ok")
	return nil
}

// EnableAutoSave snapshots a named form on a timer until the returned stop
// function (or Close) runs. The final snapshot on stop covers the page-hide
// path: the latest state is flushed even if the timer never fired.
func (s *StateStore) EnableAutoSave(formID string, interval time.Duration, snapshot func() any) func() {
	if interval <= 0 {
		interval = s.config.AutoSaveInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	name := "autosave:" + formID
	save := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveState(ctx, name, snapshot(), 0); err != nil {
			s.logger.Debug("Auto-save failed", "form_id", formID, "error", err.Error())
		}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			save()
		})
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				save()
			case <-done:
				return
			}
		}
	}()

	s.cleanup.Add(stop)
	return stop
}

// Close stops auto-save timers and releases resources.
func (s *StateStore) Close() {
	s.cleanup.Close()
}

func (s *StateStore) countState(operation, result string) {
	if s.metrics != nil {
		s.metrics.StateOperations.WithLabelValues(operation, result).Inc()
	}
}
