package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is a pickled ratchet session plus its addressing.
// TheirUserID/TheirDeviceID may be empty for sessions established from an
// incoming message where only the sender key is known.
type SessionRecord struct {
	ID            string
	TheirUserID   string
	TheirDeviceID string
	TheirKey      string // remote curve25519 identity key
	Pickle        []byte
	LastUsed      time.Time
}

// PutSession persists a session pickle and stamps it most-recently-used.
func (s *Store) PutSession(rec *SessionRecord) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO session (id, their_user, their_device, their_key, record, last_used) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.TheirUserID, rec.TheirDeviceID, rec.TheirKey, rec.Pickle, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	return nil
}

// SessionForDevice returns the preferred (most recently used) session for
// a remote device, or nil if none exists.
func (s *Store) SessionForDevice(userID, deviceID string) (*SessionRecord, error) {
	rec, err := s.scanSession(s.db.QueryRow(
		"SELECT id, their_user, their_device, their_key, record, last_used FROM session WHERE their_user = ? AND their_device = ? ORDER BY last_used DESC LIMIT 1",
		userID, deviceID,
	))
	if err != nil {
		return nil, fmt.Errorf("store: session for device: %w", err)
	}
	return rec, nil
}

// SessionsForSenderKey returns all sessions with a remote identity key,
// most recently used first. Multiple sessions may coexist transiently.
func (s *Store) SessionsForSenderKey(senderKey string) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, their_user, their_device, their_key, record, last_used FROM session WHERE their_key = ? ORDER BY last_used DESC",
		senderKey,
	)
	if err != nil {
		return nil, fmt.Errorf("store: sessions for sender key: %w", err)
	}
	return scanSessions(rows)
}

// SessionsForUser returns all sessions attributed to a remote user, most
// recently used first. Sessions derived from inbound messages before the
// user's device keys were downloaded appear here with an empty device ID.
func (s *Store) SessionsForUser(userID string) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, their_user, their_device, their_key, record, last_used FROM session WHERE their_user = ? ORDER BY last_used DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: sessions for user: %w", err)
	}
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var lastUsed int64
		if err := rows.Scan(&rec.ID, &rec.TheirUserID, &rec.TheirDeviceID, &rec.TheirKey, &rec.Pickle, &lastUsed); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		rec.LastUsed = time.Unix(0, lastUsed)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// TouchSession bumps a session's last-used timestamp, making it the
// preferred session for its device.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec("UPDATE session SET last_used = ? WHERE id = ?", time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session pickle.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM session WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

func (s *Store) scanSession(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var lastUsed int64
	err := row.Scan(&rec.ID, &rec.TheirUserID, &rec.TheirDeviceID, &rec.TheirKey, &rec.Pickle, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.LastUsed = time.Unix(0, lastUsed)
	return &rec, nil
}
