package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// BuyerLookup resolves a conversation key to the buyer's display fields.
type BuyerLookup func(ctx context.Context, buyerID int64) (name, email string, ok bool)

// MemoryStore is an in-process Store for local runs and tests. It mirrors the
// SQL store's semantics, including the foreign key on the buyer.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	msgs   []Message
	lookup BuyerLookup
	now    func() time.Time
}

// NewMemoryStore creates a MemoryStore. A nil lookup accepts every buyer.
func NewMemoryStore(lookup BuyerLookup) *MemoryStore {
	return &MemoryStore{lookup: lookup, now: time.Now}
}

func (s *MemoryStore) Append(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if s.lookup != nil {
		if _, _, ok := s.lookup(ctx, msg.BuyerID); !ok {
			return ErrUnknownBuyer
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	msg.Body = strings.TrimSpace(msg.Body)
	msg.Read = false
	msg.CreatedAt = s.now().UTC()
	s.msgs = append(s.msgs, *msg)
	return nil
}

func (s *MemoryStore) ListSince(ctx context.Context, buyerID, sinceID int64, limit int) ([]Message, error) {
	if buyerID <= 0 {
		return nil, ErrMissingBuyer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(buyerID, sinceID, limit), nil
}

func (s *MemoryStore) ListSinceAndMarkRead(ctx context.Context, buyerID, sinceID int64, limit int, reader Role) ([]Message, int64, error) {
	if buyerID <= 0 {
		return nil, 0, ErrMissingBuyer
	}
	if !reader.Valid() {
		return nil, 0, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.listLocked(buyerID, sinceID, limit)
	watermark := sinceID
	if len(out) > 0 {
		watermark = out[len(out)-1].ID
	}
	return out, s.flipLocked(buyerID, reader.Other(), watermark), nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, buyerID int64, reader Role) (int64, error) {
	if !reader.Valid() {
		return 0, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flipLocked(buyerID, reader.Other(), -1), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, filter Filter, page, pageSize int) ([]Summary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	s.mu.Lock()
	byBuyer := make(map[int64]*Summary)
	matched := make(map[int64]bool)
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	for _, m := range s.msgs {
		sum, ok := byBuyer[m.BuyerID]
		if !ok {
			sum = &Summary{BuyerID: m.BuyerID}
			byBuyer[m.BuyerID] = sum
		}
		if !m.CreatedAt.Before(sum.LastMessageTime) {
			sum.LastMessageTime = m.CreatedAt
		}
		sum.LastMessage = m.Body
		if m.Sender == RoleBuyer && !m.Read {
			sum.UnreadCount++
		}
		if search != "" && strings.Contains(strings.ToLower(m.Body), search) {
			matched[m.BuyerID] = true
		}
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(byBuyer))
	for id, sum := range byBuyer {
		if s.lookup != nil {
			sum.DisplayName, sum.Email, _ = s.lookup(ctx, id)
		}
		if search != "" && !matched[id] &&
			!strings.Contains(strings.ToLower(sum.DisplayName), search) &&
			!strings.Contains(strings.ToLower(sum.Email), search) {
			continue
		}
		if filter.UnreadOnly && sum.UnreadCount == 0 {
			continue
		}
		out = append(out, *sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].BuyerID > out[j].BuyerID
	})

	if page-1 > len(out)/pageSize {
		return []Summary{}, nil
	}
	start := (page - 1) * pageSize
	if start >= len(out) {
		return []Summary{}, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, buyerID int64, author Role) (int, error) {
	if !author.Valid() {
		return 0, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.msgs {
		if m.BuyerID == buyerID && m.Sender == author && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TotalUnread(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.msgs {
		if m.Sender == RoleBuyer && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastReplyAt(ctx context.Context, buyerID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	found := false
	for _, m := range s.msgs {
		if m.BuyerID == buyerID && m.Sender == RoleAdmin && (!found || m.CreatedAt.After(last)) {
			last, found = m.CreatedAt, true
		}
	}
	return last, found, nil
}

func (s *MemoryStore) Clear(ctx context.Context, buyerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.msgs[:0]
	var deleted int64
	for _, m := range s.msgs {
		if m.BuyerID == buyerID {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return deleted, nil
}

func (s *MemoryStore) listLocked(buyerID, sinceID int64, limit int) []Message {
	if limit <= 0 {
		limit = defaultListLimit
	}
	out := []Message{}
	// msgs is kept in ID order, so the first limit matches are the page.
	for _, m := range s.msgs {
		if m.BuyerID != buyerID || m.ID <= sinceID {
			continue
		}
		if m.AdminID != nil {
			id := *m.AdminID
			m.AdminID = &id
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

// flipLocked marks author's unread messages read up to watermark; a negative
// watermark means no bound.
func (s *MemoryStore) flipLocked(buyerID int64, author Role, watermark int64) int64 {
	var n int64
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.BuyerID != buyerID || m.Sender != author || m.Read {
			continue
		}
		if watermark >= 0 && m.ID > watermark {
			continue
		}
		m.Read = true
		n++
	}
	return n
}
