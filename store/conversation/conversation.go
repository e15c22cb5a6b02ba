package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

// Other returns the opposite side of the conversation.
func (r Role) Other() Role {
	if r == RoleAdmin {
		return RoleBuyer
	}
	return RoleAdmin
}

// Valid reports whether r is one of the two conversation roles.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleAdmin
}

// Message is one chat turn between a buyer and the admin team.
//
// Read has a direction: on a buyer message it means an admin has viewed it,
// on an admin message it means the buyer has.
type Message struct {
	ID        int64     `json:"id"`
	BuyerID   int64     `json:"conversation"`
	AdminID   *int64    `json:"admin_id,omitempty"`
	Body      string    `json:"body"`
	ImagePath string    `json:"image_path,omitempty"`
	Sender    Role      `json:"sender"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is one row of the admin inbox.
type Summary struct {
	BuyerID         int64     `json:"conversation"`
	DisplayName     string    `json:"display_name"`
	Email           string    `json:"email"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

// Filter narrows the admin inbox.
type Filter struct {
	UnreadOnly bool
	Search     string
}

var (
	ErrEmptyBody    = errors.New("message body is empty")
	ErrMissingBuyer = errors.New("conversation key is required")
	ErrInvalidRole  = errors.New("invalid sender role")
	ErrUnknownBuyer = errors.New("conversation key does not match a buyer")
)

// Validate checks a message before it is written.
func (m *Message) Validate() error {
	if m.BuyerID <= 0 {
		return ErrMissingBuyer
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyBody
	}
	if !m.Sender.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// Store defines message persistence operations. Ordering is always by ID.
type Store interface {
	Append(ctx context.Context, msg *Message) error
	ListSince(ctx context.Context, buyerID, sinceID int64, limit int) ([]Message, error)
	// ListSinceAndMarkRead returns the same rows as ListSince and flips the
	// other role's unread messages up to the last returned ID.
	ListSinceAndMarkRead(ctx context.Context, buyerID, sinceID int64, limit int, reader Role) ([]Message, int64, error)
	MarkRead(ctx context.Context, buyerID int64, reader Role) (int64, error)
	ListConversations(ctx context.Context, filter Filter, page, pageSize int) ([]Summary, error)
	UnreadCount(ctx context.Context, buyerID int64, author Role) (int, error)
	TotalUnread(ctx context.Context) (int, error)
	LastReplyAt(ctx context.Context, buyerID int64) (time.Time, bool, error)
	Clear(ctx context.Context, buyerID int64) (int64, error)
}
