package syncq

import (
	"context"
	"sync"
	"time"

	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/metrics"
	"github.com/offlinekit/offlinekit/pkg/store"
)

// queueTTL keeps persisted queue contents alive far longer than any
// realistic outage. Queued mutations must survive restarts, not expire
// like cache entries.
const queueTTL = 30 * 24 * time.Hour

// Queue is the persisted, priority-partitioned operation store. Each
// priority class is one ordered list under its own key, plus one
// dead-letter list shared by all classes.
type Queue struct {
	mu    sync.Mutex
	store *store.StateStore
	m     *metrics.Metrics
}

// NewQueue creates a queue persisted through the given state store.
func NewQueue(st *store.StateStore, m *metrics.Metrics) *Queue {
	return &Queue{store: st, m: m}
}

func classKey(p Priority) string {
	return "syncq:pending:" + p.String()
}

const deadLetterKey = "syncq:dead"

// Append adds an operation to the tail of its priority class.
func (q *Queue) Append(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadLocked(ctx, classKey(op.Priority))
	if err != nil {
		return err
	}
	ops = append(ops, op)
	return q.saveLocked(ctx, op.Priority, ops)
}

// Load returns the current contents of one priority class in FIFO
// order.
func (q *Queue) Load(ctx context.Context, p Priority) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx, classKey(p))
}

// Replace overwrites one priority class with the given contents.
func (q *Queue) Replace(ctx context.Context, p Priority, ops []Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked(ctx, p, ops)
}

// PopFront removes and returns the first due operation of one priority
// class, skipping over operations still waiting out a backoff deadline.
// The removal is persisted before the operation is handed out, so a
// replay and a concurrent enqueue can never clobber each other's
// writes.
func (q *Queue) PopFront(ctx context.Context, p Priority) (Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadLocked(ctx, classKey(p))
	if err != nil {
		return Operation{}, false, err
	}

	now := time.Now()
	for i, op := range ops {
		if !op.due(now) {
			continue
		}
		rest := append(append([]Operation(nil), ops[:i]...), ops[i+1:]...)
		if err := q.saveLocked(ctx, p, rest); err != nil {
			return Operation{}, false, err
		}
		return op, true, nil
	}
	return Operation{}, false, nil
}

// NextAttemptIn returns how long until the earliest queued operation in
// any class becomes due. The bool is false when every class is empty.
func (q *Queue) NextAttemptIn(ctx context.Context) (time.Duration, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var earliest time.Time
	pending := false
	for _, p := range classes {
		ops, err := q.loadLocked(ctx, classKey(p))
		if err != nil {
			return 0, false, err
		}
		for _, op := range ops {
			pending = true
			if op.due(now) {
				return 0, true, nil
			}
			if earliest.IsZero() || op.NextAttemptAt.Before(earliest) {
				earliest = op.NextAttemptAt
			}
		}
	}
	if !pending {
		return 0, false, nil
	}
	return earliest.Sub(now), true, nil
}

// Pending returns the number of queued operations per priority class.
func (q *Queue) Pending(ctx context.Context) (map[Priority]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[Priority]int, len(classes))
	for _, p := range classes {
		ops, err := q.loadLocked(ctx, classKey(p))
		if err != nil {
			return nil, err
		}
		out[p] = len(ops)
	}
	return out, nil
}

// DeadLetter moves an operation to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.loadLocked(ctx, deadLetterKey)
	if err != nil {
		return err
	}
	dead = append(dead, op)
	if err := q.store.SaveState(ctx, deadLetterKey, dead, queueTTL); err != nil {
		return err
	}
	if q.m != nil {
		q.m.DeadLetterTotal.Inc()
	}
	return nil
}

// DeadLetters returns the dead-letter list.
func (q *Queue) DeadLetters(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx, deadLetterKey)
}

// RequeueDeadLetter moves one dead-lettered operation back into its
// priority class with a reset retry budget. This is the manual
// intervention path.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.loadLocked(ctx, deadLetterKey)
	if err != nil {
		return err
	}

	idx := -1
	for i, op := range dead {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.NewValidationFailed("no dead-lettered operation with that id")
	}

	op := dead[idx]
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	dead = append(dead[:idx], dead[idx+1:]...)

	if err := q.store.SaveState(ctx, deadLetterKey, dead, queueTTL); err != nil {
		return err
	}

	ops, err := q.loadLocked(ctx, classKey(op.Priority))
	if err != nil {
		return err
	}
	ops = append(ops, op)
	return q.saveLocked(ctx, op.Priority, ops)
}

func (q *Queue) loadLocked(ctx context.Context, key string) ([]Operation, error) {
	var ops []Operation
	ok, err := q.store.RestoreState(ctx, key, &ops)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ops, nil
}

func (q *Queue) saveLocked(ctx context.Context, p Priority, ops []Operation) error {
	if err := q.store.SaveState(ctx, classKey(p), ops, queueTTL); err != nil {
		return err
	}
	if q.m != nil {
		q.m.QueueDepth.WithLabelValues(p.String()).Set(float64(len(ops)))
	}
	return nil
}
