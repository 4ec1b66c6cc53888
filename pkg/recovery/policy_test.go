package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/offlinekit/pkg/errors"
)

type fakeCache struct {
	entries map[string]json.RawMessage
	stale   map[string]bool
}

func (f *fakeCache) RestoreStale(_ context.Context, key string) (json.RawMessage, bool, bool) {
	v, ok := f.entries[key]
	return v, f.stale[key], ok
}

type fakeRefresher struct {
	refreshCalls   int
	refreshErr     error
	terminateCalls int
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeRefresher) Terminate(context.Context) error {
	f.terminateCalls++
	return nil
}

func fastPolicyConfig() Config {
	return Config{Retry: RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}}
}

func TestPolicy_NetworkUnavailable_ServesCachedValue(t *testing.T) {
	cache := &fakeCache{
		entries: map[string]json.RawMessage{"user-profile": json.RawMessage(`{"name":"ada"}`)},
		stale:   map[string]bool{"user-profile": true},
	}
	p := NewPolicy(fastPolicyConfig(), cache, nil, nil)

	out := p.HandleError(context.Background(), errors.NewNetworkUnavailable("offline"), Request{
		CacheKey: "user-profile",
	})

	assert.True(t, out.ServedFromCache)
	assert.True(t, out.CacheStale)
	assert.JSONEq(t, `{"name":"ada"}`, string(out.CachedValue))
	assert.True(t, out.RetryScheduled)
	assert.NoError(t, out.Err, "a served fallback absorbs the failure")
}

func TestPolicy_NetworkUnavailable_NoCacheSchedulesRetry(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), &fakeCache{}, nil, nil)

	out := p.HandleError(context.Background(), errors.NewNetworkUnavailable("offline"), Request{
		CacheKey: "missing",
	})

	assert.False(t, out.ServedFromCache)
	assert.True(t, out.RetryScheduled)
	assert.Error(t, out.Err)
}

func TestPolicy_AuthExpired_RefreshThenRetryOnce(t *testing.T) {
	refresher := &fakeRefresher{}
	p := NewPolicy(fastPolicyConfig(), nil, refresher, nil)

	retries := 0
	out := p.HandleError(context.Background(), errors.NewAuthExpired("token expired"), Request{
		Retry: func(context.Context) error {
			retries++
			return nil
		},
	})

	assert.Equal(t, 1, refresher.refreshCalls)
	assert.Equal(t, 1, retries)
	assert.False(t, out.Escalated)
	assert.NoError(t, out.Err)
}

func TestPolicy_AuthExpired_RefreshFailureEscalates(t *testing.T) {
	refresher := &fakeRefresher{refreshErr: errors.NewAuthInvalid("refresh token revoked")}
	p := NewPolicy(fastPolicyConfig(), nil, refresher, nil)

	retries := 0
	out := p.HandleError(context.Background(), errors.NewAuthExpired("token expired"), Request{
		Retry: func(context.Context) error {
			retries++
			return nil
		},
	})

	assert.True(t, out.Escalated)
	assert.Equal(t, 0, retries, "no retry without a successful refresh")
}

func TestPolicy_AuthInvalid_TerminatesSession(t *testing.T) {
	refresher := &fakeRefresher{}
	p := NewPolicy(fastPolicyConfig(), nil, refresher, nil)

	out := p.HandleError(context.Background(), errors.NewAuthInvalid("bad credentials"), Request{})

	assert.Equal(t, 1, refresher.terminateCalls)
	assert.True(t, out.Escalated)
	assert.True(t, errors.IsKind(out.Err, errors.KindAuthInvalid))
}

func TestPolicy_ValidationFailed_EscalatesImmediately(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), nil, nil, nil)

	out := p.HandleError(context.Background(), errors.NewValidationFailed("missing field"), Request{
		Retry: func(context.Context) error {
			t.Fatal("validation failures must never be retried")
			return nil
		},
	})

	assert.True(t, out.Escalated)
	assert.False(t, out.RetryScheduled)
}

func TestPolicy_ServerError_BoundedRetryThenEscalate(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), nil, nil, nil)

	calls := 0
	out := p.HandleError(context.Background(), errors.NewServerError("500"), Request{
		Retry: func(context.Context) error {
			calls++
			return errors.NewServerError("500 again")
		},
	})

	assert.Equal(t, 3, calls)
	assert.True(t, out.Escalated)
	require.Error(t, out.Err)
}

func TestPolicy_ServerError_RetrySucceeds(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), nil, nil, nil)

	calls := 0
	out := p.HandleError(context.Background(), errors.NewServerError("500"), Request{
		Retry: func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.NewServerError("500 again")
			}
			return nil
		},
	})

	assert.False(t, out.Escalated)
	assert.NoError(t, out.Err)
}

func TestPolicy_Conflict_AppliesResolverResolution(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), nil, nil, nil)

	local := json.RawMessage(`{"title":"mine","version":1}`)
	remote := json.RawMessage(`{"title":"theirs","version":2}`)
	conflictErr := errors.NewConflictDetected("version mismatch").WithRemoteState(remote)

	var gotLocal, gotRemote json.RawMessage
	out := p.HandleError(context.Background(), conflictErr, Request{
		LocalPayload: local,
		Resolver: func(l, r json.RawMessage) Resolution {
			gotLocal, gotRemote = l, r
			return Resolution{Action: ActionRetry, MergedPayload: json.RawMessage(`{"title":"mine","version":2}`)}
		},
	})

	assert.JSONEq(t, string(local), string(gotLocal))
	assert.JSONEq(t, string(remote), string(gotRemote))
	require.NotNil(t, out.Resolution)
	assert.Equal(t, ActionRetry, out.Resolution.Action)
	assert.True(t, out.RetryScheduled)
	assert.False(t, out.Escalated)
}

func TestPolicy_Conflict_DefaultResolverSurfaces(t *testing.T) {
	p := NewPolicy(fastPolicyConfig(), nil, nil, nil)

	out := p.HandleError(context.Background(), errors.NewConflictDetected("version mismatch"), Request{})

	require.NotNil(t, out.Resolution)
	assert.Equal(t, ActionSurface, out.Resolution.Action)
	assert.True(t, out.Escalated)
}

func TestPolicy_HandleErrorAgreesWithDispose(t *testing.T) {
	// Every kind must land in the outcome bucket its disposition
	// prescribes, so the policy and direct Dispose callers cannot drift.
	cases := []error{
		errors.NewNetworkUnavailable("offline"),
		errors.NewServerError("boom"),
		errors.NewTimeout("call"),
		errors.NewAuthExpired("old token"),
		errors.NewAuthInvalid("revoked"),
		errors.NewValidationFailed("rejected"),
		errors.NewConflictDetected("version mismatch"),
	}

	for _, err := range cases {
		t.Run(string(errors.GetKind(err)), func(t *testing.T) {
			p := NewPolicy(fastPolicyConfig(), nil, &fakeRefresher{}, nil)
			out := p.HandleError(context.Background(), err, Request{})

			switch Dispose(err) {
			case DispositionRetry:
				assert.True(t, out.RetryScheduled)
				assert.False(t, out.Escalated)
			case DispositionRefreshAndRetry:
				assert.True(t, out.RetryScheduled)
			case DispositionResolve:
				require.NotNil(t, out.Resolution)
			default:
				assert.True(t, out.Escalated)
			}
		})
	}
}

func TestDispose(t *testing.T) {
	assert.Equal(t, DispositionRetry, Dispose(errors.NewNetworkUnavailable("")))
	assert.Equal(t, DispositionRetry, Dispose(errors.NewServerError("")))
	assert.Equal(t, DispositionRetry, Dispose(errors.NewTimeout("probe")))
	assert.Equal(t, DispositionRefreshAndRetry, Dispose(errors.NewAuthExpired("")))
	assert.Equal(t, DispositionResolve, Dispose(errors.NewConflictDetected("")))
	assert.Equal(t, DispositionSurface, Dispose(errors.NewValidationFailed("")))
	assert.Equal(t, DispositionSurface, Dispose(errors.NewAuthInvalid("")))
}
