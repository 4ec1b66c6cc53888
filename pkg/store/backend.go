package store

import (
	"context"
	"time"
)

// Backend is the key/value surface the state store, the offline queue and the
// cross-instance lock are built on. Implementations provide best-effort
// durability across restarts; TTL semantics are physical (the key disappears).
//
// Get returns ok=false for a missing or physically expired key without error.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX atomically creates the key only if absent. The lock protocol
	// depends on this being a true compare-and-set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// CompareAndExtend resets the TTL only while the key still holds value.
	// Used by lock heartbeats; returns false once ownership is lost.
	CompareAndExtend(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Bus is same-origin broadcast messaging between client instances. Delivery is
// at-most-once per subscriber and advisory: subscribers must treat messages as
// idempotent triggers, not a transactional log.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, fn func(payload []byte)) (unsubscribe func(), err error)
}
