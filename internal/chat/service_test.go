package chat

import (
	"context"
	"database/sql"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/store/conversation"
	"github.com/nexus-im/supportdesk/store/user"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *conversation.MemoryStore
	users  *user.MemoryStore
	events *recordingPublisher
	alice  auth.Actor
	bob    auth.Actor
	admin  auth.Actor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	users := user.NewMemoryStore()
	alice := &user.User{Name: "Alice", Email: "alice@example.com"}
	bob := &user.User{Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, users.Create(ctx, alice))
	require.NoError(t, users.Create(ctx, bob))

	store := conversation.NewMemoryStore(users.Lookup)
	events := &recordingPublisher{}

	return &fixture{
		svc:    NewService(store, users, events, opts),
		store:  store,
		users:  users,
		events: events,
		alice:  auth.Buyer(alice.ID),
		bob:    auth.Buyer(bob.ID),
		admin:  auth.Admin(1),
	}
}

func TestSendAndListOrdering(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	var sent []int64
	for i := 0; i < 20; i++ {
		actor := f.alice
		if i%3 == 0 {
			actor = f.admin
		}
		msg, err := f.svc.Send(ctx, actor, key, "turn", "")
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	msgs, err := f.svc.ListSince(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 20)

	for i, m := range msgs {
		assert.Equal(t, sent[i], m.ID)
		if i > 0 {
			assert.Greater(t, m.ID, msgs[i-1].ID)
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}
}

func TestPollingNeverLosesOrDuplicates(t *testing.T) {
	f := newFixture(t, Options{PageSize: 3})
	ctx := context.Background()
	key := f.alice.ID
	rng := rand.New(rand.NewSource(42))

	appended := map[int64]bool{}
	seen := map[int64]int{}
	var cursor int64

	poll := func() {
		msgs, err := f.svc.ListSince(ctx, f.alice, key, cursor, 0)
		require.NoError(t, err)
		for _, m := range msgs {
			seen[m.ID]++
			require.Greater(t, m.ID, cursor)
			cursor = m.ID
		}
	}

	for i := 0; i < 50; i++ {
		if rng.Intn(2) == 0 {
			actor := f.alice
			if rng.Intn(2) == 0 {
				actor = f.admin
			}
			msg, err := f.svc.Send(ctx, actor, key, "hello", "")
			require.NoError(t, err)
			appended[msg.ID] = true
		} else {
			poll()
		}
	}
	// Drain: page size 3 means catch-up can take several polls.
	for i := 0; i < 50; i++ {
		poll()
	}

	require.Len(t, seen, len(appended))
	for id := range appended {
		assert.Equal(t, 1, seen[id], "message %d", id)
	}
}

func TestReadFlipIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, f.alice, key, "question", "")
		require.NoError(t, err)
	}

	_, err := f.svc.ListSinceAndMarkRead(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	once, err := f.svc.ListSince(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := f.svc.ListSinceAndMarkRead(ctx, f.admin, key, 0, 0)
		require.NoError(t, err)
	}
	many, err := f.svc.ListSince(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, once, many)
	// Only the first fetch flipped anything.
	assert.Equal(t, []EventType{EventMessage, EventMessage, EventMessage, EventRead}, f.events.types())
}

func TestDirectionalReadSemantics(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	_, err := f.svc.Send(ctx, f.admin, key, "We shipped your order", "")
	require.NoError(t, err)
	m, err := f.svc.Send(ctx, f.alice, key, "Thanks!", "")
	require.NoError(t, err)

	adminUnread, err := f.svc.UnreadCount(ctx, f.admin, key)
	require.NoError(t, err)
	buyerUnread, err := f.svc.UnreadCount(ctx, f.alice, key)
	require.NoError(t, err)
	assert.Equal(t, 1, adminUnread)
	assert.Equal(t, 1, buyerUnread)

	msgs, err := f.svc.ListSinceAndMarkRead(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	after, err := f.svc.ListSince(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	assert.True(t, after[1].Read, "buyer message %d should now be read", m.ID)
	assert.False(t, after[0].Read, "admin message must stay unread for the buyer")

	adminUnread, err = f.svc.UnreadCount(ctx, f.admin, key)
	require.NoError(t, err)
	buyerUnread, err = f.svc.UnreadCount(ctx, f.alice, key)
	require.NoError(t, err)
	assert.Equal(t, 0, adminUnread)
	assert.Equal(t, 1, buyerUnread)
}

func TestMarkReadFlipsOnlyOtherRole(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	_, err := f.svc.Send(ctx, f.admin, key, "ping", "")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.alice, key, "pong", "")
	require.NoError(t, err)

	n, err := f.svc.MarkRead(ctx, f.alice, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.svc.MarkRead(ctx, f.alice, key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	adminUnread, err := f.svc.UnreadCount(ctx, f.admin, key)
	require.NoError(t, err)
	assert.Equal(t, 1, adminUnread)
}

func TestClearIsTotal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	_, err := f.svc.Send(ctx, f.alice, key, "Hello", "")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.admin, key, "Hi", "")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.bob, f.bob.ID, "Unrelated", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Clear(ctx, f.admin, key))

	msgs, err := f.svc.ListSince(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, actor := range []auth.Actor{f.admin, f.alice} {
		n, err := f.svc.UnreadCount(ctx, actor, key)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	others, err := f.svc.ListSince(ctx, f.admin, f.bob.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestClearUnknownBuyer(t *testing.T) {
	f := newFixture(t, Options{})

	err := f.svc.Clear(context.Background(), f.admin, 999)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestClearNonPositiveKeyIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})

	for _, key := range []int64{0, -3} {
		err := f.svc.Clear(context.Background(), f.admin, key)
		assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err), "clear %d", key)
	}
}

func TestListConversationsRejectsOverflowingPage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.alice, f.alice.ID, "Hello", "")
	require.NoError(t, err)

	for _, page := range []int{(1 << 61) + 1, math.MaxInt} {
		out, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{}, page, 4)
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err), "page %d", page)
		assert.Nil(t, out)
	}

	out, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{}, 1000, 4)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	for _, body := range []string{"", "   "} {
		_, err := f.svc.Send(ctx, f.alice, key, body, "")
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err), "body %q", body)
	}

	msgs, err := f.svc.ListSince(ctx, f.alice, key, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.events.types())
}

func TestSendToUnknownBuyer(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Send(context.Background(), f.admin, 999, "hello?", "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAuthorizationBoundary(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, key := range []int64{f.alice.ID, f.bob.ID, 0, 999} {
		_, err := f.svc.ListConversations(ctx, f.alice, conversation.Filter{}, 1, 10)
		assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

		err = f.svc.Clear(ctx, f.alice, key)
		assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err), "clear %d", key)
	}

	_, err := f.svc.TotalUnread(ctx, f.alice)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	_, err = f.svc.ListSince(ctx, f.bob, f.alice.ID, 0, 0)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	_, err = f.svc.Send(ctx, f.bob, f.alice.ID, "let me in", "")
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	_, err = f.svc.ListSince(ctx, auth.Anonymous, f.alice.ID, 0, 0)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
}

func TestAliceScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	key := f.alice.ID

	_, err := f.svc.Send(ctx, f.alice, key, "Hello", "")
	require.NoError(t, err)

	inbox, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{}, 1, 20)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Alice", inbox[0].DisplayName)
	assert.Equal(t, 1, inbox[0].UnreadCount)

	var buyerCursor int64
	msgs, err := f.svc.ListSinceAndMarkRead(ctx, f.alice, key, buyerCursor, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	buyerCursor = msgs[0].ID

	adminView, err := f.svc.ListSinceAndMarkRead(ctx, f.admin, key, 0, 0)
	require.NoError(t, err)
	require.Len(t, adminView, 1)
	assert.Equal(t, "Hello", adminView[0].Body)

	total, err := f.svc.TotalUnread(ctx, f.admin)
	require.NoError(t, err)
	assert.Zero(t, total)

	reply, err := f.svc.Send(ctx, f.admin, key, "Hi Alice, how can I help?", "")
	require.NoError(t, err)
	require.NotNil(t, reply.AdminID)

	msgs, err = f.svc.ListSinceAndMarkRead(ctx, f.alice, key, buyerCursor, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleAdmin, msgs[0].Sender)
	assert.Equal(t, "Hi Alice, how can I help?", msgs[0].Body)

	// The admin authored nothing that is unread to the admin.
	adminUnread, err := f.svc.UnreadCount(ctx, f.admin, key)
	require.NoError(t, err)
	assert.Zero(t, adminUnread)
}

func TestStatusAdminActiveWindow(t *testing.T) {
	now := time.Now()
	f := newFixture(t, Options{AdminActiveWindow: 5 * time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()
	key := f.alice.ID

	st, err := f.svc.Status(ctx, f.alice, key)
	require.NoError(t, err)
	assert.False(t, st.AdminActive)
	assert.Nil(t, st.LastReplyAt)

	_, err = f.svc.Send(ctx, f.admin, key, "On it", "")
	require.NoError(t, err)

	st, err = f.svc.Status(ctx, f.alice, key)
	require.NoError(t, err)
	assert.True(t, st.AdminActive)
	assert.Equal(t, 1, st.UnreadCount)

	now = now.Add(6 * time.Minute)
	st, err = f.svc.Status(ctx, f.alice, key)
	require.NoError(t, err)
	assert.False(t, st.AdminActive)
}

func TestListConversationsFilters(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.alice, f.alice.ID, "Where is my parcel?", "")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.bob, f.bob.ID, "Refund please", "")
	require.NoError(t, err)
	_, err = f.svc.ListSinceAndMarkRead(ctx, f.admin, f.bob.ID, 0, 0)
	require.NoError(t, err)

	unread, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{UnreadOnly: true}, 1, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, f.alice.ID, unread[0].BuyerID)

	found, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{Search: "REFUND"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, f.bob.ID, found[0].BuyerID)

	byEmail, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{Search: "alice@"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, byEmail, 1)

	all, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, f.bob.ID, all[0].BuyerID, "newest conversation first")

	empty, err := f.svc.ListConversations(ctx, f.admin, conversation.Filter{}, 5, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

type failingStore struct {
	conversation.Store
}

func (failingStore) Append(context.Context, *conversation.Message) error { return sql.ErrConnDone }

func (failingStore) ListSince(context.Context, int64, int64, int) ([]conversation.Message, error) {
	return nil, sql.ErrConnDone
}

func TestStoreFailuresSurfaceAsUnavailable(t *testing.T) {
	events := &recordingPublisher{}
	svc := NewService(failingStore{}, user.NewMemoryStore(), events, Options{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, auth.Buyer(7), 7, "hello", "")
	assert.Nil(t, msg)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Empty(t, events.types(), "a failed send must not be announced")

	_, err = svc.ListSince(ctx, auth.Buyer(7), 7, 0, 0)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
}

func TestPageLimitClamp(t *testing.T) {
	svc := NewService(nil, nil, nil, Options{PageSize: 50, MaxPageSize: 200})

	assert.Equal(t, 50, svc.pageLimit(0))
	assert.Equal(t, 10, svc.pageLimit(10))
	assert.Equal(t, 200, svc.pageLimit(10000))
}
