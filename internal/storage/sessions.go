package storage

// sessions.go contains SQLiteStore methods for chat session rows.
// The connection manager is the only writer of status fields.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

const sessionColumns = `id, status, status_message, pairing_code, qr_code, owner_email, account, created_at, updated_at`

// CreateSession inserts a session in IDLE state. If the session already
// exists only its owner is updated, so repeated creates are harmless.
func (s *SQLiteStore) CreateSession(id, ownerEmail string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: creating session %s (owner=%s)", id, ownerEmail)

	now := formatTime(s.now())

	const query = `
		INSERT INTO sessions (id, status, owner_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_email = excluded.owner_email,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.Exec(query, id, string(SessionStatusIdle), nullString(ownerEmail), now, now); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return s.getSessionLocked(id)
}

// GetSession retrieves a session by ID.
// Returns nil, nil if the session does not exist.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSessionLocked(id)
}

func (s *SQLiteStore) getSessionLocked(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions ordered by created_at (newest first).
// An empty ownerEmail lists every session.
func (s *SQLiteStore) ListSessions(ownerEmail string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if ownerEmail != "" {
		query += ` WHERE owner_email = ?`
		args = append(args, ownerEmail)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}

// UpdateSessionStatus records a status transition. The row is created on
// first write so a connect for an unknown session still leaves a record.
//
// code is written to pairing_code for GENERATING_CODE and to qr_code for
// GENERATING_QR. DISCONNECTED keeps the last codes for inspection; every
// other status replaces both, so CONNECTING starts from a clean slate.
func (s *SQLiteStore) UpdateSessionStatus(id string, status SessionStatus, message, code string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: session %s -> %s (%s)", id, status, message)

	var pairingCode, qrCode sql.NullString
	switch status {
	case SessionStatusGeneratingCode:
		pairingCode = nullString(code)
	case SessionStatusGeneratingQR:
		qrCode = nullString(code)
	}
	now := formatTime(s.now())

	const query = `
		INSERT INTO sessions (id, status, status_message, pairing_code, qr_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			status_message = excluded.status_message,
			pairing_code = CASE excluded.status
				WHEN 'DISCONNECTED' THEN sessions.pairing_code
				ELSE excluded.pairing_code
			END,
			qr_code = CASE excluded.status
				WHEN 'DISCONNECTED' THEN sessions.qr_code
				ELSE excluded.qr_code
			END,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.Exec(query, id, string(status), message, pairingCode, qrCode, now, now); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// SetSessionAccount records the account name reported by the transport.
func (s *SQLiteStore) SetSessionAccount(id, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `UPDATE sessions SET account = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, account, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("set session account: %w", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows affected: %w", err)
	}
	if n > 0 {
		log.Printf("storage: deleted session %s", id)
	}
	return n > 0, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session     Session
		status      string
		pairingCode sql.NullString
		qrCode      sql.NullString
		ownerEmail  sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(
		&session.ID,
		&status,
		&session.StatusMessage,
		&pairingCode,
		&qrCode,
		&ownerEmail,
		&session.Account,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = SessionStatus(status)
	session.PairingCode = pairingCode.String
	session.QRCode = qrCode.String
	session.OwnerEmail = ownerEmail.String

	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &session, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
