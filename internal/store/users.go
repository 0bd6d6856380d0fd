package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a username/password pair does not
// match a stored user.
var ErrInvalidCredentials = errors.New("invalid username or password")

// User is an account known to the gateway
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// CreateUser creates a new user with a bcrypt-hashed password
func (s *Store) CreateUser(username, password string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.Exec(
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, string(hash), user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", username, err)
	}

	return user, nil
}

// GetUserByID looks up a user by id. Returns nil, nil when not found.
func (s *Store) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, username, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername looks up a user by username. Returns nil, nil when not found.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, username, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// AuthenticateUser verifies a username/password pair and returns the user on
// success. A missing user and a wrong password both return
// ErrInvalidCredentials so callers cannot distinguish the two.
func (s *Store) AuthenticateUser(username, password string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username,
	)

	var user User
	var hash string
	if err := row.Scan(&user.ID, &user.Username, &hash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &user, nil
}

// scanUser scans a single user row, mapping no-rows to nil
func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}
