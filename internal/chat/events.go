package chat

import "github.com/nexus-im/supportdesk/store/conversation"

type EventType string

const (
	EventMessage EventType = "message"
	EventRead    EventType = "read"
	EventCleared EventType = "cleared"
)

// Event tells subscribers that a conversation changed. It never carries the
// message itself: subscribers catch up through ListSince with their cursor,
// so pushed and polled clients see the same ordering.
type Event struct {
	Type     EventType         `json:"type"`
	BuyerID  int64             `json:"conversation"`
	LatestID int64             `json:"latest_id,omitempty"`
	Sender   conversation.Role `json:"sender,omitempty"`
	Reader   conversation.Role `json:"reader,omitempty"`
}

// Publisher receives change events. Publish must not block the caller.
type Publisher interface {
	Publish(ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
