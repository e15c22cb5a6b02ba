package admin

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLStore implements Store on the admin table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, a *Admin) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))

	query := `
		INSERT INTO admin (email, password_hash, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, a.Email, a.PasswordHash, a.CreatedAt).Scan(&a.ID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetByID(ctx context.Context, id int64) (*Admin, error) {
	return s.getOne(ctx, `SELECT id, email, password_hash, created_at FROM admin WHERE id = $1`, id)
}

func (s *SQLStore) GetByEmail(ctx context.Context, email string) (*Admin, error) {
	return s.getOne(ctx, `SELECT id, email, password_hash, created_at FROM admin WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg any) (*Admin, error) {
	var a Admin
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return &a, nil
}
