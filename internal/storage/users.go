package storage

// users.go contains the user directory used to resolve session owners.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
)

// CreateUser adds a user with a generated ID.
// Emails are compared case-insensitively.
func (s *SQLiteStore) CreateUser(email, name string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("email cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findUserByEmailLocked(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	user := &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}

	const query = `INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Exec(query, user.ID, user.Email, user.Name, formatTime(user.CreatedAt)); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	log.Printf("storage: created user %s (%s)", user.ID, user.Email)
	return user, nil
}

// FindUserByEmail returns nil, nil if no user has that email.
func (s *SQLiteStore) FindUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findUserByEmailLocked(normalizeEmail(email))
}

func (s *SQLiteStore) findUserByEmailLocked(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, name, created_at FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return user, nil
}

// ListUsers returns all users ordered by email.
func (s *SQLiteStore) ListUsers() ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, email, name, created_at FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user      User
		createdAt string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	user.CreatedAt = t
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
