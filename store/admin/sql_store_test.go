package admin

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestCreateAndLookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO admin")).
		WithArgs("ops@example.com", "hash", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM admin WHERE email = $1")).
		WithArgs("ops@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "created_at"}).
			AddRow(int64(1), "ops@example.com", "hash", time.Now()))

	store := NewSQLStore(db)
	a := &Admin{Email: "OPS@example.com", PasswordHash: "hash"}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if a.ID != 1 {
		t.Errorf("expected id 1, got %d", a.ID)
	}

	got, err := store.GetByEmail(context.Background(), " Ops@Example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.ID != 1 {
		t.Errorf("expected admin 1, got %d", got.ID)
	}
}

func TestCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO admin")).WillReturnError(&pq.Error{Code: "23505"})

	if err := NewSQLStore(db).Create(context.Background(), &Admin{Email: "ops@example.com"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM admin WHERE id = $1")).WithArgs(int64(5)).WillReturnError(sql.ErrNoRows)

	if _, err := NewSQLStore(db).GetByID(context.Background(), 5); !errors.Is(err, ErrAdminNotFound) {
		t.Fatalf("expected ErrAdminNotFound, got %v", err)
	}
}
