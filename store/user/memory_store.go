package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buyers in process. Used by the in-memory server mode.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*User
	byEmail map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*User),
		byEmail: make(map[string]int64),
	}
}

func (s *MemoryStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Email = normalizeEmail(u.Email)
	if _, ok := s.byEmail[u.Email]; ok {
		return ErrDuplicateEmail
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.nextID++
	u.ID = s.nextID

	stored := *u
	s.byID[u.ID] = &stored
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetByID(ctx, id)
}

// Lookup adapts the store to conversation.BuyerLookup.
func (s *MemoryStore) Lookup(ctx context.Context, id int64) (string, string, bool) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return "", "", false
	}
	return u.Name, u.Email, true
}
