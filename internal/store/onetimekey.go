package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mxgo/e2ee/internal/olm"
)

// AddOneTimeKeys persists freshly generated one-time keys in a single
// transaction: either all keys land or none do.
func (s *Store) AddOneTimeKeys(keys []olm.OneTimeKey) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin one-time keys: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.Exec(
			"INSERT INTO one_time_key (id, public_key, private_key) VALUES (?, ?, ?)",
			k.ID, k.Public, k.Private,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: insert one-time key %s: %w", k.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit one-time keys: %w", err)
	}
	return nil
}

// UnpublishedOneTimeKeys returns keys generated but not yet announced to
// the federation.
func (s *Store) UnpublishedOneTimeKeys() ([]olm.OneTimeKey, error) {
	rows, err := s.db.Query(
		"SELECT id, public_key, private_key FROM one_time_key WHERE published = 0 AND claimed = 0 ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("store: query unpublished keys: %w", err)
	}
	defer rows.Close()

	var keys []olm.OneTimeKey
	for rows.Next() {
		var k olm.OneTimeKey
		if err := rows.Scan(&k.ID, &k.Public, &k.Private); err != nil {
			return nil, fmt.Errorf("store: scan one-time key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkOneTimeKeysPublished flags keys as announced. Published keys stay in
// the store so the matching private half is available when the key is
// eventually claimed by a remote device.
func (s *Store) MarkOneTimeKeysPublished(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin mark published: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("UPDATE one_time_key SET published = 1 WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: mark key %s published: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit mark published: %w", err)
	}
	return nil
}

// OneTimeKeyByPublic looks up an unclaimed one-time key by its public
// half. Returns nil, nil if no unclaimed key matches — either never ours,
// or already consumed by another session.
func (s *Store) OneTimeKeyByPublic(publicKey string) (*olm.OneTimeKey, error) {
	var k olm.OneTimeKey
	err := s.db.QueryRow(
		"SELECT id, public_key, private_key FROM one_time_key WHERE public_key = ? AND claimed = 0",
		publicKey,
	).Scan(&k.ID, &k.Public, &k.Private)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: one-time key by public: %w", err)
	}
	return &k, nil
}

// MarkOneTimeKeyClaimed removes a key from the usable pool. A claimed key
// must never back a second session.
func (s *Store) MarkOneTimeKeyClaimed(id string) error {
	_, err := s.db.Exec("UPDATE one_time_key SET claimed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: mark key %s claimed: %w", id, err)
	}
	return nil
}

// PublishedOneTimeKeyCount counts keys announced and still unclaimed.
func (s *Store) PublishedOneTimeKeyCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM one_time_key WHERE published = 1 AND claimed = 0",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count published keys: %w", err)
	}
	return n, nil
}
