package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Account holds the local device identity: who we are and the private
// halves of our long-term keys. Identity keys are immutable for the
// device's lifetime.
type Account struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`

	IdentityKeyPrivate []byte `json:"identityKeyPrivate"` // curve25519
	SigningKeyPrivate  []byte `json:"signingKeyPrivate"`  // ed25519

	// DeviceKeysUploaded records that the identity key payload has been
	// accepted by the federation; later uploads omit it.
	DeviceKeysUploaded bool `json:"deviceKeysUploaded"`
}

const accountKey = "account"

// SaveAccount persists the local device identity.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the local device identity.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}
