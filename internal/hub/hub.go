// Package hub pushes change hints to websocket subscribers. A hint only says
// that a conversation moved; clients fetch the messages themselves with their
// cursor.
package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/nexus-im/supportdesk/internal/chat"
)

// Hint is the frame written to subscribers.
type Hint struct {
	Type         chat.EventType `json:"type"`
	Conversation int64          `json:"conversation"`
	LatestID     int64          `json:"latest_id,omitempty"`
}

const broadcastBuffer = 256

// Hub maintains the set of active clients and fans events out to the ones
// subscribed to the changed conversation.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan chat.Event
	done       chan struct{}
	active     atomic.Int64
	dropped    atomic.Int64
}

func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan chat.Event, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Publish implements chat.Publisher. It never blocks; when the hub is backed
// up the hint is dropped and subscribers fall back to their polling tick.
func (h *Hub) Publish(ev chat.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
		log.Warn().
			Str("type", string(ev.Type)).
			Int64("conversation", ev.BuyerID).
			Msg("Hub backlog full, dropping hint")
	}
}

// Clients is the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.active.Load()) }

// Dropped is the number of hints discarded because the hub was backed up.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Run serves register, unregister and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.active.Store(int64(len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev chat.Event) {
	frame, err := json.Marshal(Hint{Type: ev.Type, Conversation: ev.BuyerID, LatestID: ev.LatestID})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode hint")
		return
	}
	for client := range h.clients {
		if !client.wants(ev.BuyerID) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow consumer; it reconnects and catches up from its cursor.
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.active.Store(int64(len(h.clients)))
}
