package matrixservice

import (
	"encoding/json"

	"github.com/mxgo/e2ee/internal/olm"
)

// AlgorithmOlm is the pairwise encryption algorithm spoken by this layer.
const AlgorithmOlm = "m.olm.v1.curve25519-aes-sha2"

// EventTypeEncrypted marks a timeline event as an encrypted envelope.
const EventTypeEncrypted = "m.room.encrypted"

// DeviceKeys is the signed key-publication payload for one device, both
// as uploaded for the local device and as downloaded for remote ones.
// Keys are keyed "curve25519:DEVICEID" / "ed25519:DEVICEID".
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// UploadRequest is the JSON body for POST /keys/upload/{deviceId}.
// OneTimeKeys is keyed "curve25519:KEYID" and is always present, empty on
// the reconciliation round.
type UploadRequest struct {
	DeviceKeys  *DeviceKeys       `json:"device_keys,omitempty"`
	OneTimeKeys map[string]string `json:"one_time_keys"`
}

// UploadResponse reports the server's outstanding unclaimed key counts.
type UploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// QueryRequest is the JSON body for POST /keys/query. Each requested user
// maps to an empty object (all devices).
type QueryRequest struct {
	DeviceKeys map[string]struct{} `json:"device_keys"`
}

// QueryResponse maps user → device → published keys.
type QueryResponse struct {
	DeviceKeys map[string]map[string]DeviceKeys `json:"device_keys"`
}

// ClaimRequest is the JSON body for POST /keys/claim: one algorithm per
// (user, device) tuple.
type ClaimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
}

// ClaimResponse maps user → device → {"curve25519:KEYID": key}. A device
// absent from the response has no keys left; that is not an error.
type ClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]string `json:"one_time_keys"`
}

// Envelope is one logical encrypted message: a ciphertext entry per
// recipient device, keyed by the recipient's curve25519 identity key.
type Envelope struct {
	Algorithm  string                 `json:"algorithm"`
	SenderKey  string                 `json:"sender_key"`
	Ciphertext map[string]olm.Message `json:"ciphertext"`
}

// SendResponse is the JSON response from PUT /send/{type}/{txnId}.
type SendResponse struct {
	EventID string `json:"event_id"`
}

// RawEvent is a timeline event as it appears in a sync response.
type RawEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	RoomID  string          `json:"room_id,omitempty"`
	EventID string          `json:"event_id,omitempty"`
	Content json.RawMessage `json:"content"`
}

// SyncResponse is the JSON response from GET /sync.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]JoinedRoom `json:"join"`
	} `json:"rooms"`
}

// JoinedRoom carries the timeline slice for one room in a sync response.
type JoinedRoom struct {
	Timeline struct {
		Events []RawEvent `json:"events"`
	} `json:"timeline"`
}
