package admin

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	admins map[int64]*Admin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{admins: make(map[int64]*Admin)}
}

func (s *MemoryStore) Create(ctx context.Context, a *Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	for _, existing := range s.admins {
		if existing.Email == a.Email {
			return ErrDuplicateEmail
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.nextID++
	a.ID = s.nextID
	stored := *a
	s.admins[a.ID] = &stored
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.admins[id]
	if !ok {
		return nil, ErrAdminNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*Admin, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.admins {
		if a.Email == email {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrAdminNotFound
}
