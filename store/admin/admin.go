package admin

import (
	"context"
	"errors"
	"time"
)

// Admin is a support operator. Admins answer every buyer conversation as one
// collective responder.
type Admin struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	ErrAdminNotFound  = errors.New("admin not found")
	ErrDuplicateEmail = errors.New("admin email already exists")
)

// Store defines operator account persistence.
type Store interface {
	Create(ctx context.Context, a *Admin) error
	GetByID(ctx context.Context, id int64) (*Admin, error)
	GetByEmail(ctx context.Context, email string) (*Admin, error)
}
