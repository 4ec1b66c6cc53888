package syncq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/recovery"
	"github.com/offlinekit/offlinekit/pkg/store"
)

// recordingExecutor records every attempt and fails according to the
// per-operation script.
type recordingExecutor struct {
	mu       sync.Mutex
	attempts []string
	stamps   []time.Time
	fail     map[string][]error // popped front to back per attempt
}

func (r *recordingExecutor) Execute(_ context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, op.ID)
	r.stamps = append(r.stamps, time.Now())
	if errs := r.fail[op.ID]; len(errs) > 0 {
		err := errs[0]
		r.fail[op.ID] = errs[1:]
		return err
	}
	return nil
}

func (r *recordingExecutor) attemptsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a == id {
			n++
		}
	}
	return n
}

func (r *recordingExecutor) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func (r *recordingExecutor) stampsFor(id string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for i, a := range r.attempts {
		if a == id {
			out = append(out, r.stamps[i])
		}
	}
	return out
}

func newTestEngine(t *testing.T, exec Executor, opts ...func(*Options)) *Engine {
	t.Helper()
	st := store.NewStateStore(store.NewMemoryBackend(), config.StoreConfig{
		DefaultTTL:  time.Hour,
		StaleWindow: 24 * time.Hour,
		KeyPrefix:   "test",
	}, nil, nil)
	t.Cleanup(st.Close)

	o := Options{
		Queue:    NewQueue(st, nil),
		Executor: exec,
		Config: config.QueueConfig{
			MaxRetries:          3,
			RetryBackoffInitial: 2 * time.Millisecond,
			RetryBackoffMax:     20 * time.Millisecond,
			OperationTimeout:    time.Second,
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	e := NewEngine(o)
	t.Cleanup(e.Close)
	return e
}

func TestEngine_OfflineReplayCycle(t *testing.T) {
	// Five operations queued while offline; on reconnect the backend
	// fails #3 twice then accepts it. The queue must end empty with #3
	// attempted exactly three times.
	exec := &recordingExecutor{fail: map[string][]error{
		"op-3": {errors.NewServerError("boom"), errors.NewServerError("boom")},
	}}
	e := newTestEngine(t, exec)
	e.setOnline(false)

	ctx := context.Background()
	for _, id := range []string{"op-1", "op-2", "op-3", "op-4", "op-5"} {
		queued, err := e.Do(ctx, op(id, PriorityNormal))
		require.NoError(t, err)
		assert.True(t, queued, "offline operations must queue, not execute")
	}
	assert.Empty(t, exec.order(), "nothing executes while offline")

	e.setOnline(true)
	require.NoError(t, e.Sync(ctx))

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	for p, n := range pending {
		assert.Zero(t, n, "class %s not drained", p)
	}
	assert.Equal(t, 3, exec.attemptsFor("op-3"))
	for _, id := range []string{"op-1", "op-2", "op-4", "op-5"} {
		assert.Equal(t, 1, exec.attemptsFor(id))
	}

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestEngine_PriorityClassesDrainHighFirst(t *testing.T) {
	exec := &recordingExecutor{}
	e := newTestEngine(t, exec)
	e.setOnline(false)

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("low-1", PriorityLow)))
	require.NoError(t, e.Enqueue(ctx, op("normal-1", PriorityNormal)))
	require.NoError(t, e.Enqueue(ctx, op("high-1", PriorityHigh)))
	require.NoError(t, e.Enqueue(ctx, op("high-2", PriorityHigh)))
	require.NoError(t, e.Enqueue(ctx, op("normal-2", PriorityNormal)))

	e.setOnline(true)
	require.NoError(t, e.Sync(ctx))

	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, exec.order(),
		"higher classes drain fully before lower ones, FIFO within each class")
}

func TestEngine_ReplayBackoffSpacesAttempts(t *testing.T) {
	// A transient blip must not burn the whole retry budget in one
	// instant: requeued attempts wait out a doubling delay.
	exec := &recordingExecutor{fail: map[string][]error{
		"flaky": {errors.NewNetworkUnavailable("down"), errors.NewNetworkUnavailable("down")},
	}}
	e := newTestEngine(t, exec, func(o *Options) {
		o.Config.RetryBackoffInitial = 30 * time.Millisecond
		o.Config.RetryBackoffMax = 200 * time.Millisecond
	})

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("flaky", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	stamps := exec.stampsFor("flaky")
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 30*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 60*time.Millisecond)

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead, "a recovering operation must not be dead-lettered")
}

func TestEngine_HighPriorityEnqueuedMidSyncJumpsAhead(t *testing.T) {
	// Batch boundaries re-check higher classes, so an urgent operation
	// enqueued while a low backlog drains does not wait for its tail.
	var e *Engine
	var once sync.Once
	rec := &recordingExecutor{}
	e = newTestEngine(t, ExecutorFunc(func(ctx context.Context, o Operation) error {
		once.Do(func() {
			_ = e.Enqueue(ctx, Operation{ID: "urgent", Type: "create-ticket", Priority: PriorityHigh})
		})
		return rec.Execute(ctx, o)
	}), func(o *Options) { o.Config.BatchSize = 1 })

	ctx := context.Background()
	e.setOnline(false)
	require.NoError(t, e.Enqueue(ctx, op("low-1", PriorityLow)))
	require.NoError(t, e.Enqueue(ctx, op("low-2", PriorityLow)))
	e.setOnline(true)
	require.NoError(t, e.Sync(ctx))

	assert.Equal(t, []string{"low-1", "urgent", "low-2"}, rec.order())
}

func TestEngine_DeadLetterExactlyOnce(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"doomed": {
			errors.NewServerError("boom"),
			errors.NewServerError("boom"),
			errors.NewServerError("boom"),
			errors.NewServerError("boom"),
		},
	}}
	e := newTestEngine(t, exec)

	var deadLettered []Operation
	var mu sync.Mutex
	e.OnDeadLettered(func(op Operation) {
		mu.Lock()
		deadLettered = append(deadLettered, op)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("doomed", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))
	require.NoError(t, e.Sync(ctx), "a second sync must not retry a dead-lettered operation")

	assert.Equal(t, 3, exec.attemptsFor("doomed"), "maxRetries bounds total attempts")

	mu.Lock()
	assert.Len(t, deadLettered, 1, "dead-lettered exactly once")
	mu.Unlock()

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].ID)
}

func TestEngine_NonRetryableSurfacesImmediately(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"bad": {errors.NewValidationFailed("rejected")},
	}}
	e := newTestEngine(t, exec)

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("bad", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	assert.Equal(t, 1, exec.attemptsFor("bad"), "validation failures are never auto-retried")

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestEngine_DoSurfacesNonRetryable(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"bad": {errors.NewValidationFailed("rejected")},
	}}
	e := newTestEngine(t, exec)

	queued, err := e.Do(context.Background(), op("bad", PriorityNormal))
	require.Error(t, err)
	assert.False(t, queued)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	pending, perr := e.Pending(context.Background())
	require.NoError(t, perr)
	assert.Zero(t, pending[PriorityNormal], "non-retryable failures must not queue")
}

func TestEngine_DoQueuesOnRetryableFailure(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"flaky": {errors.NewNetworkUnavailable("down")},
	}}
	e := newTestEngine(t, exec)

	queued, err := e.Do(context.Background(), op("flaky", PriorityNormal))
	require.NoError(t, err)
	assert.True(t, queued)

	pending, perr := e.Pending(context.Background())
	require.NoError(t, perr)
	assert.Equal(t, 1, pending[PriorityNormal])
}

func TestEngine_ConflictResolutionRetryWithMergedPayload(t *testing.T) {
	remote := json.RawMessage(`{"version":2}`)
	exec := &recordingExecutor{fail: map[string][]error{
		"conflicted": {errors.NewConflictDetected("version mismatch").WithRemoteState(remote)},
	}}

	var replayedPayload json.RawMessage
	wrapped := ExecutorFunc(func(ctx context.Context, op Operation) error {
		if op.ID != "conflicted" {
			replayedPayload = op.Payload
		}
		return exec.Execute(ctx, op)
	})

	e := newTestEngine(t, wrapped, func(o *Options) {
		o.Resolver = func(local, remoteState json.RawMessage) recovery.Resolution {
			assert.JSONEq(t, `{"version":2}`, string(remoteState))
			return recovery.Resolution{
				Action:        recovery.ActionRetry,
				MergedPayload: json.RawMessage(`{"version":2,"merged":true}`),
			}
		}
	})

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("conflicted", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	assert.JSONEq(t, `{"version":2,"merged":true}`, string(replayedPayload))

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending[PriorityNormal])
}

func TestEngine_ConflictDiscard(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"conflicted": {errors.NewConflictDetected("version mismatch")},
	}}
	e := newTestEngine(t, exec, func(o *Options) {
		o.Resolver = func(_, _ json.RawMessage) recovery.Resolution {
			return recovery.Resolution{Action: recovery.ActionDiscard}
		}
	})

	var summaries []Summary
	e.OnComplete(func(s Summary) { summaries = append(summaries, s) })

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("conflicted", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending[PriorityNormal])

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead, "discarded operations are not dead-lettered")

	require.NotEmpty(t, summaries)
	assert.Equal(t, 1, summaries[0].Discarded)
}

func TestEngine_ConflictSurfaceDeadLetters(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"conflicted": {errors.NewConflictDetected("version mismatch")},
	}}
	e := newTestEngine(t, exec) // default resolver surfaces

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("conflicted", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "conflicted", dead[0].ID)
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingRefresher) Refresh(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingRefresher) Terminate(context.Context) error { return nil }

func TestEngine_AuthExpiredRefreshThenRetry(t *testing.T) {
	exec := &recordingExecutor{fail: map[string][]error{
		"stale-auth": {errors.NewAuthExpired("token expired")},
	}}
	refresher := &countingRefresher{}
	e := newTestEngine(t, exec, func(o *Options) { o.Refresher = refresher })

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, op("stale-auth", PriorityNormal)))
	require.NoError(t, e.Sync(ctx))

	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 2, exec.attemptsFor("stale-auth"), "one automatic retry after refresh")

	dead, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestEngine_MidSyncEnqueueIsPickedUp(t *testing.T) {
	var e *Engine
	var once sync.Once
	exec := ExecutorFunc(func(ctx context.Context, op Operation) error {
		// Queue another operation from inside the first replay.
		once.Do(func() {
			_ = e.Enqueue(ctx, Operation{ID: "late", Type: "create-ticket", Priority: PriorityNormal})
		})
		return nil
	})

	rec := &recordingExecutor{}
	e = newTestEngine(t, ExecutorFunc(func(ctx context.Context, op Operation) error {
		if err := exec.Execute(ctx, op); err != nil {
			return err
		}
		return rec.Execute(ctx, op)
	}))

	ctx := context.Background()
	e.setOnline(false)
	require.NoError(t, e.Enqueue(ctx, op("first", PriorityNormal)))
	e.setOnline(true)
	require.NoError(t, e.Sync(ctx))

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending[PriorityNormal], "operations queued mid-sync must not be lost")
	assert.Equal(t, 1, rec.attemptsFor("late"))
}

func TestEngine_OverlappingSyncTriggersCoalesce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recordingExecutor{}

	var once sync.Once
	e := newTestEngine(t, ExecutorFunc(func(ctx context.Context, op Operation) error {
		once.Do(func() { close(started) })
		<-release
		return rec.Execute(ctx, op)
	}))

	ctx := context.Background()
	e.setOnline(false)
	require.NoError(t, e.Enqueue(ctx, op("only", PriorityNormal)))
	e.setOnline(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.Sync(ctx))
	}()

	<-started
	// A second trigger while the first is mid-flight must coalesce.
	require.NoError(t, e.Sync(ctx))
	close(release)
	<-done

	assert.Equal(t, 1, rec.attemptsFor("only"), "overlapping triggers must not double-execute")
}
