// Package e2ee provides a high-level client for end-to-end encrypted
// messaging against a federated homeserver: it publishes device keys,
// discovers other users' devices, establishes pairwise sessions, and
// encrypts room events once per recipient device.
package e2ee

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"path/filepath"
	"sort"

	"github.com/mxgo/e2ee/internal/matrixservice"
	"github.com/mxgo/e2ee/internal/store"
)

// Event is a received timeline event, decrypted where applicable.
type Event = matrixservice.Event

// RemoteDevice is a cached remote device identity.
type RemoteDevice = store.RemoteDevice

// RoomEncryptionConfig is the encryption policy for one room.
type RoomEncryptionConfig = matrixservice.RoomEncryptionConfig

// SetRoomEncryptionResult reports recipients that could not be reached
// when enabling encryption.
type SetRoomEncryptionResult = matrixservice.SetRoomEncryptionResult

// defaultOneTimeKeyTarget is how many unclaimed one-time keys UploadKeys
// maintains on the server unless overridden.
const defaultOneTimeKeyTarget = 5

// Client is the main entry point for encrypted messaging.
type Client struct {
	homeserverURL    string
	accessToken      string
	userID           string
	deviceID         string
	dbPath           string
	tlsConfig        *tls.Config
	logger           *log.Logger
	oneTimeKeyTarget int
	strictDownload   bool

	store   *store.Store
	service *matrixservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithHomeserverURL sets the base URL of the homeserver client API.
func WithHomeserverURL(url string) Option {
	return func(c *Client) { c.homeserverURL = url }
}

// WithAccessToken sets the bearer token for homeserver requests.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/mxe2ee/<userID localpart>.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithOneTimeKeyTarget sets how many unclaimed one-time keys UploadKeys
// keeps on the server.
func WithOneTimeKeyTarget(n int) Option {
	return func(c *Client) { c.oneTimeKeyTarget = n }
}

// WithStrictDownload makes DownloadKeys fail on transport errors instead
// of falling back to the cached device view.
func WithStrictDownload() Option {
	return func(c *Client) { c.strictDownload = true }
}

// NewClient creates a client for the given user and device, opens its
// store, and loads or creates the device identity.
func NewClient(userID, deviceID string, opts ...Option) (*Client, error) {
	c := &Client{
		userID:           userID,
		deviceID:         deviceID,
		oneTimeKeyTarget: defaultOneTimeKeyTarget,
	}
	for _, o := range opts {
		o(c)
	}
	if c.userID == "" || c.deviceID == "" {
		return nil, fmt.Errorf("client: user ID and device ID are required")
	}

	dbPath := c.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), localpart(c.userID)+".db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("client: open store %s: %w", dbPath, err)
	}
	c.store = st

	svc, err := matrixservice.NewService(matrixservice.ServiceConfig{
		HomeserverURL:  c.homeserverURL,
		AccessToken:    c.accessToken,
		UserID:         c.userID,
		DeviceID:       c.deviceID,
		TLSConfig:      c.tlsConfig,
		Store:          st,
		StrictDownload: c.strictDownload,
		Logger:         c.logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	c.service = svc
	return c, nil
}

// Close closes the client's database connection.
func (c *Client) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// UserID returns the local user identifier.
func (c *Client) UserID() string { return c.service.UserID() }

// DeviceID returns the local device identifier.
func (c *Client) DeviceID() string { return c.service.DeviceID() }

// DeviceCurve25519Key returns the local device's public identity key.
func (c *Client) DeviceCurve25519Key() string { return c.service.Curve25519Key() }

// DeviceEd25519Key returns the local device's public signing key.
func (c *Client) DeviceEd25519Key() string { return c.service.Ed25519Key() }

// UploadKeys publishes the device keys (first call only) and tops the
// server up to the configured number of unclaimed one-time keys.
func (c *Client) UploadKeys(ctx context.Context) error {
	return c.service.UploadKeys(ctx, c.oneTimeKeyTarget)
}

// DownloadKeys fetches and caches device keys for the given users. With
// forceDownload, users already cached are re-fetched too.
func (c *Client) DownloadKeys(ctx context.Context, userIDs []string, forceDownload bool) (map[string][]RemoteDevice, error) {
	return c.service.DownloadKeys(ctx, userIDs, forceDownload)
}

// DeviceKey is one entry in the flattened device list for a user.
type DeviceKey struct {
	ID  string // device identifier
	Key string // ed25519 signing key
}

// ListDeviceKeys returns the cached devices for a user as a list sorted
// by device ID.
func (c *Client) ListDeviceKeys(userID string) ([]DeviceKey, error) {
	devices, err := c.store.GetDeviceKeys(userID)
	if err != nil {
		return nil, fmt.Errorf("client: list device keys: %w", err)
	}
	out := make([]DeviceKey, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceKey{ID: d.DeviceID, Key: d.Ed25519})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetRoomEncryption enables encryption for a room with the given
// algorithm and member list, pre-establishing sessions with every
// reachable member device. The returned result names the users and
// devices encryption could not reach.
func (c *Client) SetRoomEncryption(ctx context.Context, roomID string, cfg RoomEncryptionConfig) (*SetRoomEncryptionResult, error) {
	return c.service.SetRoomEncryption(ctx, roomID, cfg)
}

// IsRoomEncrypted reports whether a room has encryption enabled.
func (c *Client) IsRoomEncrypted(roomID string) (bool, error) {
	return c.service.IsRoomEncrypted(roomID)
}

// SendMessage encrypts an m.room.message event with the given content to
// every member device of an encrypted room and sends it. txnID keys the
// request for idempotent retry; the server-assigned event ID is
// returned.
func (c *Client) SendMessage(ctx context.Context, roomID string, content json.RawMessage, txnID string) (string, error) {
	return c.service.SendMessage(ctx, roomID, "m.room.message", content, txnID)
}

// Receive returns an iterator that yields incoming timeline events.
// Events encrypted to this device arrive decrypted with IsEncrypted set.
// The iterator stops when the context is cancelled or the caller breaks.
// Only one loop may range at a time; a second yields an error.
func (c *Client) Receive(ctx context.Context) iter.Seq2[Event, error] {
	return c.service.Receive(ctx)
}

// localpart extracts the local part of a user ID like "@ali:example.org".
func localpart(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i]
		}
	}
	return s
}
