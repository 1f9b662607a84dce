package matrixservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// RoomCoordinator is the per-room encryption policy layer: it records
// which rooms are encrypted with what algorithm and membership, makes
// sure sessions exist for every reachable member device, and fans one
// logical message out into per-device ciphertexts.
type RoomCoordinator struct {
	transport *Transport
	store     *store.Store
	keydist   *KeyDistribution
	sessions  *SessionManager
	account   *store.Account
	logger    *log.Logger
}

// NewRoomCoordinator creates a coordinator for the local device.
func NewRoomCoordinator(tr *Transport, st *store.Store, kd *KeyDistribution, sm *SessionManager, account *store.Account, logger *log.Logger) *RoomCoordinator {
	return &RoomCoordinator{transport: tr, store: st, keydist: kd, sessions: sm, account: account, logger: logger}
}

// RoomEncryptionConfig is the caller-supplied policy for one room.
type RoomEncryptionConfig struct {
	Algorithm string
	Members   []string
}

// SetRoomEncryptionResult reports the recipients encryption could not
// reach: users with no published device keys and devices with no
// claimable one-time key. The room still becomes encrypted for the
// reachable set.
type SetRoomEncryptionResult struct {
	MissingUsers   []string
	MissingDevices map[string][]string
}

// SetRoomEncryption transitions a room to encrypted. It downloads device
// keys for every member not yet cached, ensures a session exists for
// every known member device, persists the room configuration, and
// returns the accumulated gaps. Per-user and per-device gaps never fail
// the call; only transport and storage failures do. The algorithm is
// immutable once set; repeated calls with the same algorithm grow the
// member set.
func (rc *RoomCoordinator) SetRoomEncryption(ctx context.Context, roomID string, cfg RoomEncryptionConfig) (*SetRoomEncryptionResult, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmOlm
	}

	existing, err := rc.store.GetRoomConfig(roomID)
	if err != nil {
		return nil, storageErr("load room config", err)
	}
	if existing != nil && existing.Algorithm != cfg.Algorithm {
		return nil, fmt.Errorf("room %s already encrypted with %s; changing algorithm is not supported", roomID, existing.Algorithm)
	}

	members := cfg.Members
	if existing != nil {
		for _, m := range existing.Members {
			if !slices.Contains(members, m) {
				members = append(members, m)
			}
		}
	}

	view, err := rc.keydist.DownloadKeys(ctx, members, false)
	if err != nil {
		return nil, err
	}

	result := &SetRoomEncryptionResult{
		MissingUsers:   []string{},
		MissingDevices: map[string][]string{},
	}
	for _, userID := range members {
		if userID == rc.account.UserID {
			continue
		}
		devices := view[userID]
		if len(devices) == 0 {
			result.MissingUsers = append(result.MissingUsers, userID)
			continue
		}
		for _, dev := range devices {
			if _, err := rc.sessions.EnsureSession(ctx, userID, dev.DeviceID); err != nil {
				var noKeys *NoKeysAvailableError
				var unknown *UnknownDeviceError
				if errors.As(err, &noKeys) || errors.As(err, &unknown) {
					result.MissingDevices[userID] = append(result.MissingDevices[userID], dev.DeviceID)
					continue
				}
				return nil, err
			}
		}
	}

	if err := rc.store.SaveRoomConfig(&store.RoomConfig{
		RoomID:    roomID,
		Algorithm: cfg.Algorithm,
		Members:   members,
	}); err != nil {
		return nil, storageErr("save room config", err)
	}
	logf(rc.logger, "room %s encrypted (%d members, %d missing users)", roomID, len(members), len(result.MissingUsers))
	return result, nil
}

// IsRoomEncrypted reports whether encryption has been enabled for a room.
func (rc *RoomCoordinator) IsRoomEncrypted(roomID string) (bool, error) {
	cfg, err := rc.store.GetRoomConfig(roomID)
	if err != nil {
		return false, storageErr("load room config", err)
	}
	return cfg != nil, nil
}

// clearEvent is the inner plaintext carried by an envelope: the original
// event type and content, bound to the room it was sent in.
type clearEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  string          `json:"room_id"`
}

// EncryptAndSend encrypts content once per member device from the room's
// current membership snapshot, merges the results into one envelope, and
// sends it in a single request keyed by txnID for retry-safe delivery.
// Devices without an established session (and no claimable key) are
// skipped; they were reported at SetRoomEncryption time.
func (rc *RoomCoordinator) EncryptAndSend(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (string, error) {
	cfg, err := rc.store.GetRoomConfig(roomID)
	if err != nil {
		return "", storageErr("load room config", err)
	}
	if cfg == nil {
		return "", fmt.Errorf("room %s is not encrypted", roomID)
	}

	plaintext, err := json.Marshal(clearEvent{Type: eventType, Content: content, RoomID: roomID})
	if err != nil {
		return "", fmt.Errorf("marshal clear event: %w", err)
	}

	envelope := &Envelope{
		Algorithm:  cfg.Algorithm,
		SenderKey:  rc.sessions.keys.Curve25519(),
		Ciphertext: map[string]olm.Message{},
	}
	for _, userID := range cfg.Members {
		if userID == rc.account.UserID {
			continue
		}
		devices, err := rc.store.GetDeviceKeys(userID)
		if err != nil {
			return "", storageErr("load device keys", err)
		}
		for _, dev := range devices {
			recipientKey, msg, err := rc.sessions.Encrypt(ctx, userID, dev.DeviceID, plaintext)
			if err != nil {
				var noKeys *NoKeysAvailableError
				var unknown *UnknownDeviceError
				if errors.As(err, &noKeys) || errors.As(err, &unknown) {
					logf(rc.logger, "send %s: skipping unreachable device %s/%s", txnID, userID, dev.DeviceID)
					continue
				}
				return "", err
			}
			envelope.Ciphertext[recipientKey] = msg
		}
	}

	if len(envelope.Ciphertext) == 0 {
		return "", fmt.Errorf("room %s has no reachable recipient devices", roomID)
	}

	var resp SendResponse
	path := "/send/" + EventTypeEncrypted + "/" + txnID
	if err := rc.transport.PutJSON(ctx, path, envelope, &resp); err != nil {
		return "", err
	}
	logf(rc.logger, "sent encrypted event %s to %s (%d ciphertexts)", resp.EventID, roomID, len(envelope.Ciphertext))
	return resp.EventID, nil
}
