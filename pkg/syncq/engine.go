package syncq

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/health"
	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
	"github.com/offlinekit/offlinekit/pkg/metrics"
	"github.com/offlinekit/offlinekit/pkg/recovery"
)

// Executor performs the remote call an operation stands for.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op Operation) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// Events emitted by the engine.
const (
	EventProgress     = "sync-progress"
	EventDeadLettered = "operation-dead-lettered"
	EventComplete     = "sync-complete"
)

// Progress reports one replayed operation.
type Progress struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Outcome     string `json:"outcome"`
}

// Summary reports one completed sync run.
type Summary struct {
	Replayed     int `json:"replayed"`
	Discarded    int `json:"discarded"`
	DeadLettered int `json:"dead_lettered"`
}

// Options wires the engine's collaborators. Refresher and Resolver are
// optional; without them auth-expired and conflict failures go straight
// to the dead-letter list.
type Options struct {
	Queue     *Queue
	Executor  Executor
	Refresher recovery.SessionRefresher
	Resolver  recovery.Resolver
	Config    config.QueueConfig
	Metrics   *metrics.Metrics
}

// Engine records mutations attempted while offline and replays them
// once connectivity returns. A single-flight guard keeps overlapping
// triggers (auto-reconnect plus a manual sync-now) from executing the
// same operation twice; the queue itself is popped one durable step at
// a time, so operations enqueued mid-sync are never lost.
type Engine struct {
	queue     *Queue
	executor  Executor
	refresher recovery.SessionRefresher
	resolver  recovery.Resolver
	cfg       config.QueueConfig
	emitter   *lifecycle.Emitter
	cleanup   *lifecycle.Cleanup
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	online      bool
	syncing     bool
	pendingPass bool
}

// NewEngine creates a sync engine. The engine starts in the online
// state; bind a health monitor to drive offline transitions.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryBackoffInitial <= 0 {
		cfg.RetryBackoffInitial = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = recovery.SurfaceResolver
	}
	return &Engine{
		queue:     opts.Queue,
		executor:  opts.Executor,
		refresher: opts.Refresher,
		resolver:  resolver,
		cfg:       cfg,
		emitter:   lifecycle.NewEmitter(),
		cleanup:   lifecycle.NewCleanup(),
		logger:    logging.GetLogger(),
		metrics:   opts.Metrics,
		online:    true,
	}
}

// BindHealth drives the engine from a health monitor: replay starts on
// reconnect and execution pauses while offline.
func (e *Engine) BindHealth(monitor *health.Monitor) {
	e.setOnline(monitor.Online())
	e.cleanup.Add(monitor.OnConnectionLost(func(health.State) {
		e.setOnline(false)
	}))
	e.cleanup.Add(monitor.OnReconnected(func(health.State) {
		e.setOnline(true)
		go func() {
			if err := e.Sync(context.Background()); err != nil {
				e.logger.Warn("Reconnect sync failed", "error", err.Error())
			}
		}()
	}))
}

func (e *Engine) setOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
}

// Online reports the engine's current belief about connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Do executes the operation immediately when online, queueing it
// instead when offline or when the call fails with a retryable
// classification. The returned bool reports whether the operation was
// queued for later replay.
func (e *Engine) Do(ctx context.Context, op Operation) (bool, error) {
	op = e.prepare(op)
	if err := op.validate(); err != nil {
		return false, err
	}

	if !e.Online() {
		return true, e.Enqueue(ctx, op)
	}

	err := e.execute(ctx, op)
	if err == nil {
		return false, nil
	}

	switch recovery.Dispose(err) {
	case recovery.DispositionRetry:
		// The inline attempt counts as the first failure; back the
		// replay off accordingly.
		op.NextAttemptAt = time.Now().Add(e.retryDelay(1))
		return true, e.Enqueue(ctx, op)
	case recovery.DispositionRefreshAndRetry:
		if e.refresher != nil {
			if refreshErr := e.refresher.Refresh(ctx); refreshErr == nil {
				if retryErr := e.execute(ctx, op); retryErr == nil {
					return false, nil
				}
			}
		}
		return false, err
	default:
		return false, err
	}
}

// Enqueue appends an operation for deferred replay. The write is
// persisted before Enqueue returns.
func (e *Engine) Enqueue(ctx context.Context, op Operation) error {
	op = e.prepare(op)
	if err := op.validate(); err != nil {
		return err
	}
	if err := e.queue.Append(ctx, op); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.OperationsQueued.WithLabelValues(op.Type, op.Priority.String()).Inc()
	}
	e.logger.LogSyncEvent("queued", op.ID, op.Type, nil)
	return nil
}

// prepare fills the generated fields callers usually leave empty.
func (e *Engine) prepare(op Operation) Operation {
	if op.ID == "" {
		op.ID = NewOperation(op.Type, op.Payload).ID
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.Priority == 0 {
		op.Priority = PriorityNormal
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = e.cfg.MaxRetries
	}
	return op
}

// Sync drains the queue, higher priority classes first, FIFO within
// each class. Overlapping calls coalesce: a call that arrives mid-sync
// schedules one more full pass instead of running concurrently.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.pendingPass = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	for {
		summary, err := e.pass(ctx)
		e.logger.LogSyncEvent("complete", "", "", map[string]interface{}{
			"replayed":      summary.Replayed,
			"dead_lettered": summary.DeadLettered,
		})
		e.emitter.Emit(EventComplete, summary)
		if err != nil {
			return err
		}

		e.mu.Lock()
		again := e.pendingPass
		e.pendingPass = false
		e.mu.Unlock()
		if !again {
			return nil
		}
	}
}

// pass drains the queue, highest class first. After every batch the
// class scan restarts from the top, so high-priority operations
// enqueued mid-sync jump ahead of a long lower-class backlog. When
// nothing is due but requeued operations are still waiting out their
// backoff, the pass sleeps until the earliest deadline.
func (e *Engine) pass(ctx context.Context) (Summary, error) {
	var summary Summary
	for {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if !e.Online() {
			return summary, nil
		}

		replayed := false
		for _, p := range classes {
			n, err := e.drainBatch(ctx, p, &summary)
			if err != nil {
				return summary, err
			}
			if n > 0 {
				replayed = true
				break
			}
		}
		if replayed {
			continue
		}

		wait, pending, err := e.queue.NextAttemptIn(ctx)
		if err != nil {
			return summary, err
		}
		if !pending {
			return summary, nil
		}
		if !e.sleep(ctx, wait) {
			return summary, ctx.Err()
		}
	}
}

// drainBatch pops and replays due operations from one class, at most
// one batch worth. Retryable failures re-enter at the tail with a
// backoff deadline, so a flaky operation gets its later attempts after
// the rest of the class has had its turn.
func (e *Engine) drainBatch(ctx context.Context, p Priority, summary *Summary) (int, error) {
	replayed := 0
	for replayed < e.cfg.BatchSize {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		if !e.Online() {
			return replayed, nil
		}

		op, ok, err := e.queue.PopFront(ctx, p)
		if err != nil {
			return replayed, err
		}
		if !ok {
			return replayed, nil
		}

		if err := e.replay(ctx, op, summary); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// replay executes one popped operation and routes its outcome.
func (e *Engine) replay(ctx context.Context, op Operation, summary *Summary) error {
	execErr := e.execute(ctx, op)
	if execErr == nil {
		summary.Replayed++
		e.recordReplay("success")
		e.emitProgress(op, "replayed")
		return nil
	}

	switch recovery.Dispose(execErr) {
	case recovery.DispositionRetry:
		op.RetryCount++
		if op.RetryCount >= op.MaxRetries {
			return e.deadLetter(ctx, op, summary, "retries_exhausted")
		}
		op.NextAttemptAt = time.Now().Add(e.retryDelay(op.RetryCount))
		e.recordReplay("requeued")
		return e.queue.Append(ctx, op)

	case recovery.DispositionRefreshAndRetry:
		if e.refresher != nil {
			if refreshErr := e.refresher.Refresh(ctx); refreshErr == nil {
				if retryErr := e.execute(ctx, op); retryErr == nil {
					summary.Replayed++
					e.recordReplay("success")
					e.emitProgress(op, "replayed")
					return nil
				}
			}
		}
		return e.deadLetter(ctx, op, summary, "auth_failed")

	case recovery.DispositionResolve:
		return e.resolveConflict(ctx, op, execErr, summary)

	default:
		return e.deadLetter(ctx, op, summary, "not_retryable")
	}
}

// resolveConflict applies the injected resolver's decision.
func (e *Engine) resolveConflict(ctx context.Context, op Operation, execErr error, summary *Summary) error {
	classified := errors.Classify(execErr)
	resolution := e.resolver(op.Payload, classified.RemoteState)

	switch resolution.Action {
	case recovery.ActionRetry:
		// Re-queued as a new operation; CreatedAt stays so the ordering
		// key is preserved, the retry budget keeps counting.
		merged := op
		merged.ID = NewOperation(op.Type, op.Payload).ID
		if resolution.MergedPayload != nil {
			merged.Payload = resolution.MergedPayload
		}
		merged.RetryCount = op.RetryCount + 1
		if merged.RetryCount >= merged.MaxRetries {
			return e.deadLetter(ctx, merged, summary, "conflict_retries_exhausted")
		}
		merged.NextAttemptAt = time.Now().Add(e.retryDelay(merged.RetryCount))
		e.recordReplay("conflict_requeued")
		return e.queue.Append(ctx, merged)

	case recovery.ActionDiscard:
		summary.Discarded++
		e.recordReplay("discarded")
		e.emitProgress(op, "discarded")
		return nil

	default:
		return e.deadLetter(ctx, op, summary, "conflict_unresolved")
	}
}

func (e *Engine) deadLetter(ctx context.Context, op Operation, summary *Summary, reason string) error {
	if err := e.queue.DeadLetter(ctx, op); err != nil {
		return err
	}
	summary.DeadLettered++
	e.recordReplay("dead_lettered")
	e.logger.LogSyncEvent("dead_lettered", op.ID, op.Type, map[string]interface{}{
		"reason":      reason,
		"retry_count": op.RetryCount,
	})
	e.emitter.Emit(EventDeadLettered, op)
	return nil
}

// retryDelay computes the backoff before replay attempt n, doubling
// from the configured floor up to the cap.
func (e *Engine) retryDelay(attempt int) time.Duration {
	delay := float64(e.cfg.RetryBackoffInitial) * math.Pow(2, float64(attempt-1))
	if delay > float64(e.cfg.RetryBackoffMax) {
		delay = float64(e.cfg.RetryBackoffMax)
	}
	return time.Duration(delay)
}

func (e *Engine) execute(ctx context.Context, op Operation) error {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()
	return e.executor.Execute(opCtx, op)
}

func (e *Engine) emitProgress(op Operation, outcome string) {
	e.emitter.Emit(EventProgress, Progress{
		OperationID: op.ID,
		Type:        op.Type,
		Outcome:     outcome,
	})
}

func (e *Engine) recordReplay(outcome string) {
	if e.metrics != nil {
		e.metrics.OperationsReplayed.WithLabelValues(outcome).Inc()
	}
}

// DeadLetters returns the operations that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context) ([]Operation, error) {
	return e.queue.DeadLetters(ctx)
}

// RequeueDeadLetter puts a dead-lettered operation back in its class
// and triggers a sync when online.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := e.queue.RequeueDeadLetter(ctx, id); err != nil {
		return err
	}
	if e.Online() {
		return e.Sync(ctx)
	}
	return nil
}

// Pending returns the queued operation count per priority class.
func (e *Engine) Pending(ctx context.Context) (map[Priority]int, error) {
	return e.queue.Pending(ctx)
}

// OnProgress registers a handler for per-operation replay progress.
func (e *Engine) OnProgress(h func(Progress)) func() {
	unsub := e.emitter.On(EventProgress, func(payload any) {
		if p, ok := payload.(Progress); ok {
			h(p)
		}
	})
	e.cleanup.Add(unsub)
	return unsub
}

// OnDeadLettered registers a handler for dead-lettered operations.
func (e *Engine) OnDeadLettered(h func(Operation)) func() {
	unsub := e.emitter.On(EventDeadLettered, func(payload any) {
		if op, ok := payload.(Operation); ok {
			h(op)
		}
	})
	e.cleanup.Add(unsub)
	return unsub
}

// OnComplete registers a handler for sync run summaries.
func (e *Engine) OnComplete(h func(Summary)) func() {
	unsub := e.emitter.On(EventComplete, func(payload any) {
		if s, ok := payload.(Summary); ok {
			h(s)
		}
	})
	e.cleanup.Add(unsub)
	return unsub
}

// Close tears down health bindings and listeners.
func (e *Engine) Close() {
	e.cleanup.Close()
	e.emitter.RemoveAll()
}
