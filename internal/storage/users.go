package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned for lookups of unknown users.
var ErrUserNotFound = errors.New("storage: user not found")

// ErrUsernameTaken is returned when creating a user with a username that exists.
var ErrUsernameTaken = errors.New("storage: username already taken")

// User is one local account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserStore persists accounts.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps d for account access.
func NewUserStore(d *DB) *UserStore {
	return &UserStore{db: d.db}
}

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, username, displayName, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUsernameTaken
		}
		return User{}, err
	}
	return u, nil
}

// ByUsername returns the user with the given username.
func (s *UserStore) ByUsername(ctx context.Context, username string) (User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?`, username))
}

// ByID returns the user with the given id.
func (s *UserStore) ByID(ctx context.Context, id string) (User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at FROM users WHERE id = ?`, id))
}

// List returns all users ordered by username, for the contact picker.
func (s *UserStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *UserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// Block hides blockedID from blockerID: no messages, no calls, in either
// direction, until unblocked. Blocking twice is a no-op.
func (s *UserStore) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" || blockerID == blockedID {
		return errors.New("storage: invalid block pair")
	}
	if _, err := s.ByID(ctx, blockedID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id) VALUES (?, ?)`,
		blockerID, blockedID)
	return err
}

// Unblock removes a block. Unblocking a user who was never blocked is a no-op.
func (s *UserStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`,
		blockerID, blockedID)
	return err
}

// Blocked lists the user ids blockerID has blocked.
func (s *UserStore) Blocked(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blocked_id FROM blocks WHERE blocker_id = ? ORDER BY blocked_id`, blockerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockedEither reports whether either user has blocked the other.
func (s *UserStore) BlockedEither(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks
		 WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		a, b, b, a).Scan(&n)
	return n > 0, err
}
