package syncq

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/offlinekit/pkg/errors"
)

// Priority partitions the queue. Higher classes fully drain before
// lower ones begin.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// classes in drain order.
var classes = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Operation is a recorded mutation intent awaiting replay. Immutable
// except for RetryCount and NextAttemptAt.
type Operation struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	// NextAttemptAt holds the backoff deadline of a requeued operation.
	// Zero means due immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func (op Operation) due(now time.Time) bool {
	return op.NextAttemptAt.IsZero() || !now.Before(op.NextAttemptAt)
}

// NewOperation builds a queueable operation with normal priority.
func NewOperation(opType string, payload json.RawMessage) Operation {
	return Operation{
		ID:        uuid.New().String(),
		Type:      opType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// WithPriority returns a copy with the given priority class.
func (op Operation) WithPriority(p Priority) Operation {
	op.Priority = p
	return op
}

func (op Operation) validate() error {
	if op.Type == "" {
		return errors.NewValidationFailed("operation type is required")
	}
	switch op.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return errors.NewValidationFailed("unknown priority class")
	}
	return nil
}
