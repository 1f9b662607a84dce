// Package matrixservice implements the client side of the homeserver
// key-distribution and messaging API: device key publication and
// discovery, one-time key claiming, pairwise session management, and
// per-room encrypted send/receive.
package matrixservice

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"sync/atomic"

	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// Service provides high-level access to the encrypted messaging API.
// It owns the transport, store, local identity, and the session and
// room layers built on top of them.
type Service struct {
	transport *Transport
	store     *store.Store
	account   *store.Account
	keys      *olm.Account
	keydist   *KeyDistribution
	sessions  *SessionManager
	rooms     *RoomCoordinator
	logger    *log.Logger
	receiving atomic.Bool // guards against concurrent Receive loops
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	HomeserverURL  string
	AccessToken    string
	UserID         string
	DeviceID       string
	TLSConfig      *tls.Config
	Store          *store.Store
	StrictDownload bool
	Logger         *log.Logger
}

// NewService loads or creates the local device identity and wires up the
// service layers. The identity is created on first use and persisted, so
// repeated calls with the same store resume the same device.
func NewService(cfg ServiceConfig) (*Service, error) {
	keys, account, err := initializeAccount(cfg.Store, cfg.UserID, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	tr := NewTransport(cfg.HomeserverURL, cfg.AccessToken, cfg.TLSConfig, cfg.Logger)
	kd := NewKeyDistribution(tr, cfg.Store, account, keys, cfg.StrictDownload, cfg.Logger)
	sm := NewSessionManager(cfg.Store, kd, keys, cfg.Logger)
	rc := NewRoomCoordinator(tr, cfg.Store, kd, sm, account, cfg.Logger)

	return &Service{
		transport: tr,
		store:     cfg.Store,
		account:   account,
		keys:      keys,
		keydist:   kd,
		sessions:  sm,
		rooms:     rc,
		logger:    cfg.Logger,
	}, nil
}

// UserID returns the local user identifier.
func (s *Service) UserID() string { return s.account.UserID }

// DeviceID returns the local device identifier.
func (s *Service) DeviceID() string { return s.account.DeviceID }

// Curve25519Key returns the local device's public identity key.
func (s *Service) Curve25519Key() string { return s.keys.Curve25519() }

// Ed25519Key returns the local device's public signing key.
func (s *Service) Ed25519Key() string { return s.keys.Ed25519() }

// UploadKeys publishes the local device keys and tops the server up to
// target unclaimed one-time keys.
func (s *Service) UploadKeys(ctx context.Context, target int) error {
	return s.keydist.UploadKeys(ctx, target)
}

// DownloadKeys fetches and caches device keys for the given users,
// returning the resulting per-user device view.
func (s *Service) DownloadKeys(ctx context.Context, userIDs []string, force bool) (map[string][]store.RemoteDevice, error) {
	return s.keydist.DownloadKeys(ctx, userIDs, force)
}

// SetRoomEncryption enables encryption for a room and pre-establishes
// sessions with every reachable member device.
func (s *Service) SetRoomEncryption(ctx context.Context, roomID string, cfg RoomEncryptionConfig) (*SetRoomEncryptionResult, error) {
	return s.rooms.SetRoomEncryption(ctx, roomID, cfg)
}

// IsRoomEncrypted reports whether a room has encryption enabled.
func (s *Service) IsRoomEncrypted(roomID string) (bool, error) {
	return s.rooms.IsRoomEncrypted(roomID)
}

// SendMessage encrypts an event to every member device of an encrypted
// room and sends it, returning the server-assigned event ID.
func (s *Service) SendMessage(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (string, error) {
	return s.rooms.EncryptAndSend(ctx, roomID, eventType, content, txnID)
}

// Receive returns an iterator over incoming timeline events, decrypted
// where addressed to this device. Only one loop may run at a time: the
// slot is taken when the iterator is first ranged and freed when it
// returns, so an iterator that is never consumed holds nothing.
func (s *Service) Receive(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if !s.receiving.CompareAndSwap(false, true) {
			yield(Event{}, fmt.Errorf("receive loop already running"))
			return
		}
		defer s.receiving.Store(false)
		for ev, err := range ReceiveEvents(ctx, s.transport, s.sessions, s.keys, s.logger) {
			if !yield(ev, err) {
				return
			}
		}
	}
}
