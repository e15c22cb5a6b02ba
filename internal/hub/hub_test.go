package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/internal/chat"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func dial(t *testing.T, h *Hub, actor auth.Actor, conversation int64) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(h, actor, conversation, w, r)
	}))
	t.Cleanup(srv.Close)

	before := h.Clients()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return h.Clients() > before }, time.Second, 10*time.Millisecond)
	return conn
}

func readHint(t *testing.T, conn *websocket.Conn) Hint {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var hint Hint
	require.NoError(t, json.Unmarshal(data, &hint))
	return hint
}

func TestBuyerOnlySeesOwnConversation(t *testing.T) {
	h := startHub(t)
	conn := dial(t, h, auth.Buyer(1), 1)

	h.Publish(chat.Event{Type: chat.EventMessage, BuyerID: 2, LatestID: 10})
	h.Publish(chat.Event{Type: chat.EventMessage, BuyerID: 1, LatestID: 11})

	hint := readHint(t, conn)
	assert.Equal(t, Hint{Type: chat.EventMessage, Conversation: 1, LatestID: 11}, hint)
}

func TestAdminInboxSubscription(t *testing.T) {
	h := startHub(t)
	inbox := dial(t, h, auth.Admin(9), 0)
	single := dial(t, h, auth.Admin(9), 3)

	h.Publish(chat.Event{Type: chat.EventMessage, BuyerID: 2, LatestID: 5})
	h.Publish(chat.Event{Type: chat.EventCleared, BuyerID: 3})

	assert.Equal(t, int64(2), readHint(t, inbox).Conversation)
	assert.Equal(t, int64(3), readHint(t, inbox).Conversation)

	hint := readHint(t, single)
	assert.Equal(t, chat.EventCleared, hint.Type)
	assert.Equal(t, int64(3), hint.Conversation)
}

func TestHintCarriesNoBody(t *testing.T) {
	h := startHub(t)
	conn := dial(t, h, auth.Buyer(4), 4)

	h.Publish(chat.Event{Type: chat.EventMessage, BuyerID: 4, LatestID: 1, Sender: "admin"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.ElementsMatch(t, []string{"type", "conversation", "latest_id"}, keys(raw))
}

func TestUnregisterOnClose(t *testing.T) {
	h := startHub(t)
	conn := dial(t, h, auth.Buyer(1), 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishNeverBlocks(t *testing.T) {
	h := New() // not running: nothing drains the backlog

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			h.Publish(chat.Event{Type: chat.EventRead, BuyerID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, int64(10), h.Dropped())
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
