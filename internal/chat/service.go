package chat

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/store/conversation"
	"github.com/nexus-im/supportdesk/store/user"
)

// BuyerDirectory resolves conversation keys to buyers. user.Store satisfies it.
type BuyerDirectory interface {
	GetByID(ctx context.Context, id int64) (*user.User, error)
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	PageSize          int
	MaxPageSize       int
	AdminActiveWindow time.Duration
	Now               func() time.Time
}

const (
	defaultPageSize          = 100
	defaultMaxPageSize       = 500
	defaultAdminActiveWindow = 5 * time.Minute
)

// Status is what the buyer's notification badge shows.
type Status struct {
	UnreadCount int        `json:"unread_count"`
	AdminActive bool       `json:"admin_active"`
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`
}

// Service guards the conversation store: it authorises every call against an
// explicit actor, validates input, classifies store failures and announces
// changes to the push hub.
type Service struct {
	store  conversation.Store
	buyers BuyerDirectory
	events Publisher
	opts   Options
}

// NewService wires a Service. events may be nil.
func NewService(store conversation.Store, buyers BuyerDirectory, events Publisher, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaultMaxPageSize
	}
	if opts.PageSize > opts.MaxPageSize {
		opts.PageSize = opts.MaxPageSize
	}
	if opts.AdminActiveWindow <= 0 {
		opts.AdminActiveWindow = defaultAdminActiveWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{store: store, buyers: buyers, events: events, opts: opts}
}

// Send appends a message to the buyer's conversation as the actor's role.
func (s *Service) Send(ctx context.Context, actor auth.Actor, buyerID int64, body, imagePath string) (*conversation.Message, error) {
	if err := s.authorize(actor, buyerID, "send"); err != nil {
		return nil, err
	}

	msg := &conversation.Message{
		BuyerID:   buyerID,
		Body:      body,
		ImagePath: strings.TrimSpace(imagePath),
		Sender:    senderRole(actor),
	}
	if actor.IsAdmin() {
		adminID := actor.ID
		msg.AdminID = &adminID
	}
	if err := msg.Validate(); err != nil {
		return nil, translate(err)
	}

	if err := s.store.Append(ctx, msg); err != nil {
		return nil, translate(err)
	}

	s.events.Publish(Event{Type: EventMessage, BuyerID: buyerID, LatestID: msg.ID, Sender: msg.Sender})
	return msg, nil
}

// ListSince returns messages after sinceID without touching read state.
func (s *Service) ListSince(ctx context.Context, actor auth.Actor, buyerID, sinceID int64, limit int) ([]conversation.Message, error) {
	if err := s.authorize(actor, buyerID, "list"); err != nil {
		return nil, err
	}
	if sinceID < 0 {
		return nil, apperr.Validation("cursor must not be negative", nil)
	}

	msgs, err := s.store.ListSince(ctx, buyerID, sinceID, s.pageLimit(limit))
	if err != nil {
		return nil, translate(err)
	}
	return nonNil(msgs), nil
}

// ListSinceAndMarkRead is ListSince plus the read-flip: fetching is
// acknowledging, for the other role's messages only.
func (s *Service) ListSinceAndMarkRead(ctx context.Context, actor auth.Actor, buyerID, sinceID int64, limit int) ([]conversation.Message, error) {
	if err := s.authorize(actor, buyerID, "list"); err != nil {
		return nil, err
	}
	if sinceID < 0 {
		return nil, apperr.Validation("cursor must not be negative", nil)
	}

	reader := senderRole(actor)
	msgs, flipped, err := s.store.ListSinceAndMarkRead(ctx, buyerID, sinceID, s.pageLimit(limit), reader)
	if err != nil {
		return nil, translate(err)
	}
	if flipped > 0 {
		s.events.Publish(Event{Type: EventRead, BuyerID: buyerID, Reader: reader})
	}
	return nonNil(msgs), nil
}

// MarkRead flips every unread message of the other role without fetching.
func (s *Service) MarkRead(ctx context.Context, actor auth.Actor, buyerID int64) (int64, error) {
	if err := s.authorize(actor, buyerID, "mark_read"); err != nil {
		return 0, err
	}

	reader := senderRole(actor)
	n, err := s.store.MarkRead(ctx, buyerID, reader)
	if err != nil {
		return 0, translate(err)
	}
	if n > 0 {
		s.events.Publish(Event{Type: EventRead, BuyerID: buyerID, Reader: reader})
	}
	return n, nil
}

// ListConversations is the admin inbox.
func (s *Service) ListConversations(ctx context.Context, actor auth.Actor, filter conversation.Filter, page, pageSize int) ([]conversation.Summary, error) {
	if err := s.authorizeAdmin(actor, "list_conversations"); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	limit := s.pageLimit(pageSize)
	if page-1 > math.MaxInt32/limit {
		return nil, apperr.Validation("invalid page", nil)
	}

	out, err := s.store.ListConversations(ctx, filter, page, limit)
	if err != nil {
		return nil, translate(err)
	}
	if out == nil {
		out = []conversation.Summary{}
	}
	return out, nil
}

// UnreadCount counts what the actor has not yet seen: admin messages for a
// buyer, buyer messages for an admin.
func (s *Service) UnreadCount(ctx context.Context, actor auth.Actor, buyerID int64) (int, error) {
	if err := s.authorize(actor, buyerID, "unread_count"); err != nil {
		return 0, err
	}

	n, err := s.store.UnreadCount(ctx, buyerID, senderRole(actor).Other())
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// TotalUnread counts unread buyer messages across every conversation.
func (s *Service) TotalUnread(ctx context.Context, actor auth.Actor) (int, error) {
	if err := s.authorizeAdmin(actor, "total_unread"); err != nil {
		return 0, err
	}

	n, err := s.store.TotalUnread(ctx)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// Status reports the unread count and whether an admin replied recently.
func (s *Service) Status(ctx context.Context, actor auth.Actor, buyerID int64) (Status, error) {
	unread, err := s.UnreadCount(ctx, actor, buyerID)
	if err != nil {
		return Status{}, err
	}

	last, ok, err := s.store.LastReplyAt(ctx, buyerID)
	if err != nil {
		return Status{}, translate(err)
	}

	st := Status{UnreadCount: unread}
	if ok {
		st.LastReplyAt = &last
		st.AdminActive = s.opts.Now().Sub(last) < s.opts.AdminActiveWindow
	}
	return st, nil
}

// Clear irreversibly deletes the whole conversation of a known buyer.
func (s *Service) Clear(ctx context.Context, actor auth.Actor, buyerID int64) error {
	if err := s.authorizeAdmin(actor, "clear"); err != nil {
		return err
	}
	if buyerID <= 0 {
		return apperr.NotFound("conversation not found")
	}

	if _, err := s.buyers.GetByID(ctx, buyerID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return apperr.NotFound("conversation not found")
		}
		return apperr.StoreUnavailable(err)
	}

	n, err := s.store.Clear(ctx, buyerID)
	if err != nil {
		return translate(err)
	}

	log.Info().
		Int64("admin_id", actor.ID).
		Int64("conversation", buyerID).
		Int64("deleted", n).
		Msg("Conversation cleared")

	s.events.Publish(Event{Type: EventCleared, BuyerID: buyerID})
	return nil
}

func (s *Service) pageLimit(n int) int {
	if n <= 0 {
		return s.opts.PageSize
	}
	if n > s.opts.MaxPageSize {
		return s.opts.MaxPageSize
	}
	return n
}

func (s *Service) authorize(actor auth.Actor, buyerID int64, op string) error {
	if buyerID <= 0 && actor.Authenticated() {
		return apperr.Validation("conversation key is required", conversation.ErrMissingBuyer)
	}
	return authzError(actor, actor.RequireConversation(buyerID), op, buyerID)
}

func (s *Service) authorizeAdmin(actor auth.Actor, op string) error {
	return authzError(actor, actor.RequireAdmin(), op, 0)
}

func authzError(actor auth.Actor, err error, op string, buyerID int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrUnauthenticated):
		return apperr.Unauthenticated("authentication required")
	default:
		log.Warn().
			Str("op", op).
			Str("role", string(actor.Role)).
			Int64("actor_id", actor.ID).
			Int64("conversation", buyerID).
			Msg("Denied conversation access")
		return apperr.Authorization("access denied", err)
	}
}

// translate maps store failures onto the error taxonomy. Anything that is not
// a known validation or lookup failure means the store is unavailable.
func translate(err error) error {
	switch {
	case errors.Is(err, conversation.ErrEmptyBody):
		return apperr.Validation("message cannot be empty", err)
	case errors.Is(err, conversation.ErrMissingBuyer):
		return apperr.Validation("conversation key is required", err)
	case errors.Is(err, conversation.ErrInvalidRole):
		return apperr.Validation("invalid sender role", err)
	case errors.Is(err, conversation.ErrUnknownBuyer):
		return apperr.NotFound("conversation not found")
	default:
		return apperr.StoreUnavailable(err)
	}
}

func senderRole(actor auth.Actor) conversation.Role {
	if actor.IsAdmin() {
		return conversation.RoleAdmin
	}
	return conversation.RoleBuyer
}

func nonNil(msgs []conversation.Message) []conversation.Message {
	if msgs == nil {
		return []conversation.Message{}
	}
	return msgs
}
