package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// RoomConfig is the persisted encryption policy for one room. The
// algorithm is immutable once set; the member set only grows.
type RoomConfig struct {
	RoomID    string   `json:"roomId"`
	Algorithm string   `json:"algorithm"`
	Members   []string `json:"members"`
}

// SaveRoomConfig persists a room's encryption configuration.
func (s *Store) SaveRoomConfig(cfg *RoomConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal room config: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO room_config (room_id, value) VALUES (?, ?)",
		cfg.RoomID, data,
	)
	if err != nil {
		return fmt.Errorf("store: save room config: %w", err)
	}
	return nil
}

// GetRoomConfig loads a room's encryption configuration.
// Returns nil, nil for rooms that never enabled encryption.
func (s *Store) GetRoomConfig(roomID string) (*RoomConfig, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM room_config WHERE room_id = ?", roomID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load room config: %w", err)
	}

	var cfg RoomConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("store: unmarshal room config: %w", err)
	}
	return &cfg, nil
}
