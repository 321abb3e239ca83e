package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/haasonsaas/relay/internal/imerr"
)

// User is a row of the users table. Accounts predating the external-id
// migration have a NULL open_id and are addressed by their numeric
// database id instead.
type User struct {
	ID     int64          `db:"id"`
	OpenID sql.NullString `db:"open_id"`
	Name   sql.NullString `db:"name"`
	Email  sql.NullString `db:"email"`
	Phone  sql.NullString `db:"phone"`
	Status sql.NullInt64  `db:"status"`
	Gender sql.NullInt64  `db:"gender"`
}

// ExternalID is the identifier the messaging plane uses for this user:
// the open_id when present, otherwise the database id.
func (u *User) ExternalID() string {
	if u.OpenID.Valid && u.OpenID.String != "" {
		return u.OpenID.String
	}
	return strconv.FormatInt(u.ID, 10)
}

const userColumns = "id, open_id, name, email, phone, status, gender"

// active accounts only: a NULL status predates the status column and is
// treated as enabled.
const userActive = "(status IS NULL OR status = 1)"

func (s *Store) userBy(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	query := "SELECT " + userColumns + " FROM users WHERE " + where + " AND " + userActive + " LIMIT 1"
	if err := s.db.GetContext(ctx, &u, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, imerr.NotFound("user not found")
		}
		return nil, dbErr("query user", err)
	}
	return &u, nil
}

// UserByOpenID looks up an active user by external id.
func (s *Store) UserByOpenID(ctx context.Context, openID string) (*User, error) {
	return s.userBy(ctx, "open_id = ?", openID)
}

// UserByName looks up an active user by account name.
func (s *Store) UserByName(ctx context.Context, name string) (*User, error) {
	return s.userBy(ctx, "name = ?", name)
}

// UserByPhone looks up an active user by phone number.
func (s *Store) UserByPhone(ctx context.Context, phone string) (*User, error) {
	return s.userBy(ctx, "phone = ?", phone)
}

// UserByID looks up an active user by legacy database id.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return s.userBy(ctx, "id = ?", id)
}
