package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
)

// Lock is a storage-backed mutual exclusion primitive shared by independent
// client instances. An in-memory mutex cannot cover processes, so ownership is
// a key holding the owner id with a TTL, acquired by compare-and-set and kept
// alive by a heartbeat that extends the TTL only while ownership holds. A
// crashed owner simply lets the TTL lapse.
type Lock struct {
	backend   Backend
	key       string
	owner     string
	ttl       time.Duration
	heartbeat time.Duration
	logger    *logging.Logger

	mu      sync.Mutex
	held    bool
	stopHB  chan struct{}
	cleanup *lifecycle.Cleanup
}

// NewLock creates a lock on the given key. ttl bounds how long a crashed
// holder can block others; heartbeat must be comfortably shorter than ttl.
func NewLock(backend Backend, key string, ttl, heartbeat time.Duration, logger *logging.Logger) *Lock {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if heartbeat <= 0 || heartbeat >= ttl {
		heartbeat = ttl / 3
	}
	return &Lock{
		backend:   backend,
		key:       key,
		owner:     uuid.New().String(),
		ttl:       ttl,
		heartbeat: heartbeat,
		logger:    logger,
		cleanup:   lifecycle.NewCleanup(),
	}
}

// Owner returns this lock instance's owner id.
func (l *Lock) Owner() string {
	return l.owner
}

// TTL returns the lock's expiry window.
func (l *Lock) TTL() time.Duration {
	return l.ttl
}

// TryAcquire attempts to take the lock without blocking. On success a
// heartbeat goroutine renews the TTL until Release.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}

	acquired, err := l.backend.SetNX(ctx, l.key, []byte(l.owner), l.ttl)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	l.held = true
	l.stopHB = make(chan struct{})
	go l.heartbeatLoop(l.stopHB)
	l.cleanup.Add(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Release(releaseCtx)
	})
	return true, nil
}

// Held reports whether this instance currently believes it holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release gives the lock up if held. Only this owner's key is deleted; a lock
// that expired and was re-acquired elsewhere is left untouched.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	close(l.stopHB)
	l.stopHB = nil
	l.mu.Unlock()

	_, err := l.backend.CompareAndDelete(ctx, l.key, []byte(l.owner))
	return err
}

// Close releases the lock and stops the heartbeat.
func (l *Lock) Close() {
	l.cleanup.Close()
}

func (l *Lock) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.heartbeat)
			renewed, err := l.backend.CompareAndExtend(ctx, l.key, []byte(l.owner), l.ttl)
			cancel()
			if err != nil {
				l.logger.Debug("Lock heartbeat failed", "key", l.key, "error", err.Error())
				continue
			}
			if !renewed {
				// Ownership lapsed; stop renewing so a future TryAcquire
				// goes through the full compare-and-set again.
				l.mu.Lock()
				if l.held && l.stopHB == stop {
					l.held = false
					l.stopHB = nil
				}
				l.mu.Unlock()
				l.logger.Warn("Lock ownership lost", "key", l.key)
				return
			}
		}
	}
}
