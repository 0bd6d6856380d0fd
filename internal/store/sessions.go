package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const sessionTokenLength = 32

// CreateSession issues a new opaque session token for userID, valid for ttl.
// Called once after identity verification during sign-in.
func (s *Store) CreateSession(userID string, ttl time.Duration) (string, error) {
	token, err := generateSessionToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, userID, now.Add(ttl), now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return token, nil
}

// ValidateSession maps an opaque token to its user. Returns (nil, false) for
// a missing, malformed or expired token; lookup errors also map to not
// authenticated rather than surfacing to the caller.
func (s *Store) ValidateSession(token string) (*User, bool) {
	if token == "" {
		return nil, false
	}

	row := s.db.QueryRow(
		`SELECT u.id, u.username, u.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = ? AND s.expires_at > ?`,
		token, time.Now().UTC(),
	)

	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.CreatedAt); err != nil {
		// No rows and lookup failures both map to unauthenticated; the
		// caller only needs a yes/no answer.
		return nil, false
	}

	return &user, true
}

// DeleteSession revokes a session token
func (s *Store) DeleteSession(token string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PruneExpiredSessions removes sessions past their expiry and returns the
// number removed.
func (s *Store) PruneExpiredSessions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// generateSessionToken generates a random opaque token
func generateSessionToken() (string, error) {
	bytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
