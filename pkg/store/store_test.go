package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
)

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		DefaultTTL:  time.Hour,
		StaleWindow: 24 * time.Hour,
		KeyPrefix:   "test",
	}
}

// failingBackend simulates a storage layer that is down.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.NewStorageUnavailable("down")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.NewStorageUnavailable("down")
}
func (failingBackend) Delete(context.Context, string) error {
	return errors.NewStorageUnavailable("down")
}
func (failingBackend) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.NewStorageUnavailable("down")
}
func (failingBackend) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errors.NewStorageUnavailable("down")
}
func (failingBackend) CompareAndExtend(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.NewStorageUnavailable("down")
}

func TestStateStore_RoundTrip(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)
	ctx := context.Background()

	type draft struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}

	require.NoError(t, s.SaveState(ctx, "ticket-draft", draft{Subject: "hi", Body: "there"}, time.Minute))

	var got draft
	ok, err := s.RestoreState(ctx, "ticket-draft", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", got.Subject)
	assert.Equal(t, "there", got.Body)
}

func TestStateStore_TTLExpiry(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, "short", "value", 20*time.Millisecond))

	var got string
	ok, err := s.RestoreState(ctx, "short", &got)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = s.RestoreState(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, ok, "logically expired state must not be restored")
}

func TestStateStore_StaleFallback(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, "user-profile", map[string]string{"name": "ada"}, 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	value, stale, ok := s.RestoreStale(ctx, "user-profile")
	require.True(t, ok, "stale entries stay readable within the stale window")
	assert.True(t, stale)
	assert.JSONEq(t, `{"name":"ada"}`, string(value))

	// Fresh entries read back as not stale.
	require.NoError(t, s.SaveState(ctx, "user-profile", map[string]string{"name": "ada"}, time.Minute))
	_, stale, ok = s.RestoreStale(ctx, "user-profile")
	require.True(t, ok)
	assert.False(t, stale)
}

func TestStateStore_MissingKey(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)

	var got string
	ok, err := s.RestoreState(context.Background(), "never-written", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStore_ClearState(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, "k", "v", 0))
	require.NoError(t, s.ClearState(ctx, "k"))

	ok, err := s.RestoreState(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStore_DegradesToMemory(t *testing.T) {
	s := NewStateStore(failingBackend{}, testStoreConfig(), nil, nil)
	ctx := context.Background()

	require.False(t, s.Degraded())
	require.NoError(t, s.SaveState(ctx, "k", "v", time.Minute))
	assert.True(t, s.Degraded(), "first backend failure flips to in-memory fallback")

	var got string
	ok, err := s.RestoreState(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestStateStore_AutoSave(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	value := "first"
	stop := s.EnableAutoSave("compose-form", 20*time.Millisecond, func() any {
		mu.Lock()
		defer mu.Unlock()
		return value
	})

	time.Sleep(50 * time.Millisecond)

	var got string
	ok, err := s.RestoreState(ctx, "autosave:compose-form", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got)

	// Stop flushes the latest snapshot even if the timer has not fired.
	mu.Lock()
	value = "second"
	mu.Unlock()
	stop()

	ok, err = s.RestoreState(ctx, "autosave:compose-form", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestStateStore_CloseStopsAutoSave(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), testStoreConfig(), nil, nil)

	calls := 0
	s.EnableAutoSave("form", 10*time.Millisecond, func() any {
		calls++
		return calls
	})
	s.Close()

	settled := calls
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, settled, calls, "no snapshots after Close")
}

func TestMemoryBackend_SetNXAndCompare(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must lose")

	// Wrong owner cannot delete or extend.
	ok, _ = m.CompareAndDelete(ctx, "lock", []byte("b"))
	assert.False(t, ok)
	ok, _ = m.CompareAndExtend(ctx, "lock", []byte("b"), time.Minute)
	assert.False(t, ok)

	ok, _ = m.CompareAndExtend(ctx, "lock", []byte("a"), time.Minute)
	assert.True(t, ok)
	ok, _ = m.CompareAndDelete(ctx, "lock", []byte("a"))
	assert.True(t, ok)

	_, found, _ := m.Get(ctx, "lock")
	assert.False(t, found)
}

func TestMemoryBackend_TTL(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	_, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	// Expired keys are free for SetNX again.
	got, err := m.SetNX(ctx, "k", []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
}
