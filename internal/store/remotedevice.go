package store

import (
	"encoding/json"
	"fmt"
)

// RemoteDevice is the cached view of one remote device's published keys.
// Records are replaced wholesale per user on redownload; fields are never
// merged individually.
type RemoteDevice struct {
	UserID     string   `json:"userId"`
	DeviceID   string   `json:"deviceId"`
	Algorithms []string `json:"algorithms"`
	Curve25519 string   `json:"curve25519"`
	Ed25519    string   `json:"ed25519"`
	Verified   bool     `json:"verified"`
}

// ReplaceDeviceKeys swaps the entire cached device set for a user in one
// transaction.
func (s *Store) ReplaceDeviceKeys(userID string, devices []RemoteDevice) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin replace device keys: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM remote_device WHERE user_id = ?", userID); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear device keys for %s: %w", userID, err)
	}
	for _, d := range devices {
		data, err := json.Marshal(d)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store: marshal device %s/%s: %w", d.UserID, d.DeviceID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO remote_device (user_id, device_id, record) VALUES (?, ?, ?)",
			userID, d.DeviceID, data,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: insert device %s/%s: %w", userID, d.DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replace device keys: %w", err)
	}
	return nil
}

// GetDeviceKeys returns all cached devices for a user, ordered by device
// ID. An empty slice means the user is cached with no devices; use
// HasDeviceKeys to distinguish "never downloaded".
func (s *Store) GetDeviceKeys(userID string) ([]RemoteDevice, error) {
	rows, err := s.db.Query(
		"SELECT record FROM remote_device WHERE user_id = ? ORDER BY device_id", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query device keys: %w", err)
	}
	defer rows.Close()

	var devices []RemoteDevice
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan device record: %w", err)
		}
		var d RemoteDevice
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("store: unmarshal device record: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// HasDeviceKeys reports whether a user's devices have ever been downloaded.
func (s *Store) HasDeviceKeys(userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM remote_device WHERE user_id = ?", userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: count device keys: %w", err)
	}
	return n > 0, nil
}

// GetDevice returns a single cached device record, or nil if unknown.
func (s *Store) GetDevice(userID, deviceID string) (*RemoteDevice, error) {
	devices, err := s.GetDeviceKeys(userID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			return &devices[i], nil
		}
	}
	return nil, nil
}
