package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/lifecycle"
	"github.com/offlinekit/offlinekit/pkg/logging"
)

// Message is one advisory broadcast between client instances.
type Message struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OriginID  string          `json:"origin_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into dest.
func (m *Message) Decode(dest any) error {
	if err := json.Unmarshal(m.Payload, dest); err != nil {
		return errors.NewValidationFailed("message payload does not match destination type").WithCause(err)
	}
	return nil
}

// Broadcaster is low-latency messaging between instances of the same user.
// Each instance has a unique origin id and never receives its own messages.
type Broadcaster struct {
	bus      Bus
	originID string
	prefix   string
	logger   *logging.Logger
	cleanup  *lifecycle.Cleanup
}

// NewBroadcaster creates a broadcaster on the given bus.
func NewBroadcaster(bus Bus, keyPrefix string, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if keyPrefix == "" {
		keyPrefix = "offlinekit"
	}
	return &Broadcaster{
		bus:      bus,
		originID: uuid.New().String(),
		prefix:   keyPrefix,
		logger:   logger,
		cleanup:  lifecycle.NewCleanup(),
	}
}

// OriginID returns this instance's unique identifier.
func (b *Broadcaster) OriginID() string {
	return b.originID
}

func (b *Broadcaster) channelKey(channel string) string {
	return b.prefix + ":channel:" + channel
}

// Send broadcasts a typed payload on a channel. Failures are reported but
// callers must not depend on delivery: messages are advisory only.
func (b *Broadcaster) Send(ctx context.Context, channel, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.NewValidationFailed("broadcast payload is not serializable").WithCause(err)
	}

	data, err := json.Marshal(Message{
		Channel:   channel,
		Type:      msgType,
		Payload:   raw,
		OriginID:  b.originID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return errors.NewValidationFailed("broadcast message is not serializable").WithCause(err)
	}

	return b.bus.Publish(ctx, b.channelKey(channel), data)
}

// On registers a handler for messages of one type on a channel and returns an
// unsubscribe function. The instance's own messages are filtered out. The
// unsubscribe also runs on Close, so it must stay safe to call twice.
func (b *Broadcaster) On(channel, msgType string, handler func(Message)) (func(), error) {
	unsub, err := b.bus.Subscribe(b.channelKey(channel), func(payload []byte) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Debug("Dropping malformed broadcast message", "channel", channel)
			return
		}
		if msg.OriginID == b.originID {
			return
		}
		if msgType != "" && msg.Type != msgType {
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	stop := func() { once.Do(unsub) }
	b.cleanup.Add(stop)
	return stop, nil
}

// Close unsubscribes every handler registered through this broadcaster.
func (b *Broadcaster) Close() {
	b.cleanup.Close()
}
