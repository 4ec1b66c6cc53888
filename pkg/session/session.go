package session

import (
	"time"

	"github.com/offlinekit/offlinekit/pkg/identity"
)

// Status is the lifecycle state of the local session.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusExpiring      Status = "expiring"
	StatusRefreshing    Status = "refreshing"
	StatusExpired       Status = "expired"
	StatusTerminated    Status = "terminated"
)

// validTransitions is the closed set of lifecycle edges. Anything else
// is a programming error and gets logged, not applied.
var validTransitions = map[Status][]Status{
	StatusUninitialized: {StatusActive, StatusExpired, StatusTerminated},
	StatusActive:        {StatusExpiring, StatusRefreshing, StatusExpired, StatusTerminated},
	StatusExpiring:      {StatusRefreshing, StatusActive, StatusExpired, StatusTerminated},
	StatusRefreshing:    {StatusActive, StatusExpiring, StatusExpired, StatusTerminated},
	StatusExpired:       {StatusActive, StatusRefreshing, StatusTerminated},
	StatusTerminated:    {StatusActive},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// Session is a read-only snapshot of the managed session.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Status         Status    `json:"status"`
}

func snapshot(s *identity.Session, status Status, lastActivity time.Time) Session {
	out := Session{Status: status, LastActivityAt: lastActivity}
	if s != nil {
		out.ID = s.ID
		out.UserID = s.UserID
		out.AccessToken = s.AccessToken
		out.RefreshToken = s.RefreshToken
		out.ExpiresAt = s.ExpiresAt
	}
	return out
}

// Events emitted by the manager. Payload is always a Session snapshot.
const (
	EventExpiring   = "session-expiring"
	EventExpired    = "session-expired"
	EventRefreshed  = "session-refreshed"
	EventTerminated = "session-terminated"
)

// Cross-instance broadcast message types on the session channel.
const (
	BroadcastChannel      = "session"
	BroadcastTokensUpdate = "tokens-updated"
	BroadcastSignedOut    = "signed-out"
)
