package conversation

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	defaultListLimit = 100
	defaultPageSize  = 20
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const messageColumns = `id, user_id, admin_id, message, image_path, is_admin_reply, read_status, created_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) Append(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Body = strings.TrimSpace(msg.Body)
	msg.Read = false

	query := `
		INSERT INTO messages (user_id, admin_id, message, image_path, is_admin_reply, read_status)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id, created_at
	`

	var adminID sql.NullInt64
	if msg.AdminID != nil {
		adminID = sql.NullInt64{Int64: *msg.AdminID, Valid: true}
	}
	var imagePath sql.NullString
	if msg.ImagePath != "" {
		imagePath = sql.NullString{String: msg.ImagePath, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, query, msg.BuyerID, adminID, msg.Body, imagePath, msg.Sender == RoleAdmin)
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrUnknownBuyer
		}
		return err
	}
	return nil
}

func (s *SQLStore) ListSince(ctx context.Context, buyerID, sinceID int64, limit int) ([]Message, error) {
	return listSince(ctx, s.db, buyerID, sinceID, limit)
}

func (s *SQLStore) ListSinceAndMarkRead(ctx context.Context, buyerID, sinceID int64, limit int, reader Role) ([]Message, int64, error) {
	if !reader.Valid() {
		return nil, 0, ErrInvalidRole
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	msgs, err := listSince(ctx, tx, buyerID, sinceID, limit)
	if err != nil {
		return nil, 0, err
	}

	// Everything up to the watermark has now been shown to the reader.
	watermark := sinceID
	if len(msgs) > 0 {
		watermark = msgs[len(msgs)-1].ID
	}

	var flipped int64
	if watermark > 0 {
		update := `
			UPDATE messages SET read_status = TRUE
			WHERE user_id = $1 AND is_admin_reply = $2 AND read_status = FALSE AND id <= $3
		`
		var res sql.Result
		res, err = tx.ExecContext(ctx, update, buyerID, reader.Other() == RoleAdmin, watermark)
		if err != nil {
			return nil, 0, err
		}
		if flipped, err = res.RowsAffected(); err != nil {
			return nil, 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, 0, err
	}

	return msgs, flipped, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, buyerID int64, reader Role) (int64, error) {
	if !reader.Valid() {
		return 0, ErrInvalidRole
	}

	query := `
		UPDATE messages SET read_status = TRUE
		WHERE user_id = $1 AND is_admin_reply = $2 AND read_status = FALSE
	`
	res, err := s.db.ExecContext(ctx, query, buyerID, reader.Other() == RoleAdmin)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) ListConversations(ctx context.Context, filter Filter, page, pageSize int) ([]Summary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if page-1 > math.MaxInt32/pageSize {
		return []Summary{}, nil
	}

	query := `
		SELECT
			u.id,
			u.name,
			u.email,
			MAX(m.created_at) AS last_message_time,
			COUNT(*) FILTER (WHERE m.read_status = FALSE AND m.is_admin_reply = FALSE) AS unread_count,
			(SELECT lm.message FROM messages lm WHERE lm.user_id = u.id ORDER BY lm.id DESC LIMIT 1) AS last_message
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE $1 = ''
			OR u.name ILIKE $2
			OR u.email ILIKE $2
			OR EXISTS (SELECT 1 FROM messages sm WHERE sm.user_id = u.id AND sm.message ILIKE $2)
		GROUP BY u.id, u.name, u.email
		HAVING NOT $3 OR COUNT(*) FILTER (WHERE m.read_status = FALSE AND m.is_admin_reply = FALSE) > 0
		ORDER BY last_message_time DESC, u.id DESC
		LIMIT $4 OFFSET $5
	`

	search := strings.TrimSpace(filter.Search)
	pattern := "%" + escapeLike(search) + "%"

	rows, err := s.db.QueryContext(ctx, query, search, pattern, filter.UnreadOnly, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]Summary, 0, pageSize)
	for rows.Next() {
		var sum Summary
		var lastMessage sql.NullString
		if err := rows.Scan(&sum.BuyerID, &sum.DisplayName, &sum.Email, &sum.LastMessageTime, &sum.UnreadCount, &lastMessage); err != nil {
			return nil, err
		}
		sum.LastMessage = lastMessage.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) UnreadCount(ctx context.Context, buyerID int64, author Role) (int, error) {
	if !author.Valid() {
		return 0, ErrInvalidRole
	}

	query := `
		SELECT COUNT(*) FROM messages
		WHERE user_id = $1 AND is_admin_reply = $2 AND read_status = FALSE
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, buyerID, author == RoleAdmin).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) TotalUnread(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE is_admin_reply = FALSE AND read_status = FALSE`

	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) LastReplyAt(ctx context.Context, buyerID int64) (time.Time, bool, error) {
	query := `SELECT MAX(created_at) FROM messages WHERE user_id = $1 AND is_admin_reply = TRUE`

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, buyerID).Scan(&last); err != nil {
		return time.Time{}, false, err
	}
	return last.Time, last.Valid, nil
}

func (s *SQLStore) Clear(ctx context.Context, buyerID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = $1`, buyerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func listSince(ctx context.Context, q queryer, buyerID, sinceID int64, limit int) ([]Message, error) {
	if buyerID <= 0 {
		return nil, ErrMissingBuyer
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE user_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := q.QueryContext(ctx, query, buyerID, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		msg       Message
		adminID   sql.NullInt64
		imagePath sql.NullString
		isAdmin   bool
	)
	if err := rows.Scan(&msg.ID, &msg.BuyerID, &adminID, &msg.Body, &imagePath, &isAdmin, &msg.Read, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	if adminID.Valid {
		id := adminID.Int64
		msg.AdminID = &id
	}
	msg.ImagePath = imagePath.String
	msg.Sender = RoleBuyer
	if isAdmin {
		msg.Sender = RoleAdmin
	}
	return msg, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
