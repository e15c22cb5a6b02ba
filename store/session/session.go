package session

import (
	"context"
	"errors"
	"time"
)

// Session is the server-side record behind an issued access token. Deleting it
// revokes the token even if the JWT itself has not expired.
type Session struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	ActorID    int64     `json:"actor_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its hard expiry, or idle for
// longer than idleTimeout when idleTimeout is positive.
func (s *Session) Expired(now time.Time, idleTimeout time.Duration) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return idleTimeout > 0 && now.Sub(s.LastSeenAt) > idleTimeout
}

var (
	ErrSessionNotFound = errors.New("session not found")
)

// Store defines session persistence operations.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
