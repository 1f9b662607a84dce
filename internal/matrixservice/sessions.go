package matrixservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// SessionManager owns the mapping between remote devices and ratchet
// sessions: establishing them from claimed one-time keys, picking the
// preferred session for outbound traffic, and running encrypt/decrypt
// against pickled state.
type SessionManager struct {
	store   *store.Store
	keydist *KeyDistribution
	keys    *olm.Account
	logger  *log.Logger

	// mu serializes load-mutate-persist cycles on session state so two
	// callers never consume the same message key.
	mu sync.Mutex
	// establish collapses concurrent EnsureSession calls for one device
	// pair into a single claim, so one-time keys are never wasted.
	establish singleflight.Group
}

// NewSessionManager creates a session manager for the local device.
func NewSessionManager(st *store.Store, kd *KeyDistribution, keys *olm.Account, logger *log.Logger) *SessionManager {
	return &SessionManager{store: st, keydist: kd, keys: keys, logger: logger}
}

// EnsureSession returns an existing session for the device or establishes
// a new one by claiming a one-time key and deriving an outbound session
// from it. Concurrent callers for the same pair share one in-flight
// establishment. Fails with *UnknownDeviceError when no device keys are
// cached and *NoKeysAvailableError when the device's pool is exhausted.
func (sm *SessionManager) EnsureSession(ctx context.Context, userID, deviceID string) (*store.SessionRecord, error) {
	rec, err := sm.store.SessionForDevice(userID, deviceID)
	if err != nil {
		return nil, storageErr("load session", err)
	}
	if rec != nil {
		return rec, nil
	}

	v, err, _ := sm.establish.Do(userID+"|"+deviceID, func() (any, error) {
		return sm.establishSession(ctx, userID, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.SessionRecord), nil
}

func (sm *SessionManager) establishSession(ctx context.Context, userID, deviceID string) (*store.SessionRecord, error) {
	// A concurrent caller may have won the race before we entered the
	// singleflight; their session is ours too.
	rec, err := sm.store.SessionForDevice(userID, deviceID)
	if err != nil {
		return nil, storageErr("load session", err)
	}
	if rec != nil {
		return rec, nil
	}

	dev, err := sm.store.GetDevice(userID, deviceID)
	if err != nil {
		return nil, storageErr("load device record", err)
	}

	// An inbound session derived before the device's keys were cached
	// carries the sender key but no device attribution. Adopt it rather
	// than claiming a fresh one-time key.
	rec, err = sm.adoptSession(userID, deviceID, dev)
	if err != nil || rec != nil {
		return rec, err
	}

	if dev == nil {
		return nil, &UnknownDeviceError{UserID: userID, DeviceID: deviceID}
	}

	claim, err := sm.keydist.ClaimOneTimeKeys(ctx, []ClaimTarget{{UserID: userID, DeviceID: deviceID}})
	if err != nil {
		return nil, err
	}
	ck, ok := claim.Claimed[userID][deviceID]
	if !ok {
		return nil, &NoKeysAvailableError{UserID: userID, DeviceID: deviceID}
	}

	sess, err := olm.NewOutboundSession(sm.keys, dev.Curve25519, ck.Key)
	if err != nil {
		return nil, fmt.Errorf("derive outbound session for %s/%s: %w", userID, deviceID, err)
	}
	pickle, err := sess.Pickle()
	if err != nil {
		return nil, fmt.Errorf("pickle session: %w", err)
	}
	rec = &store.SessionRecord{
		ID:            sess.ID(),
		TheirUserID:   userID,
		TheirDeviceID: deviceID,
		TheirKey:      dev.Curve25519,
		Pickle:        pickle,
	}
	if err := sm.store.PutSession(rec); err != nil {
		return nil, storageErr("persist session", err)
	}
	logf(sm.logger, "established session %s with %s/%s", sess.ID(), userID, deviceID)
	return rec, nil
}

// adoptSession looks for a live session that belongs to the device but
// was never attributed to it, back-fills the attribution, and returns
// it. Candidates are matched by the device's curve25519 key when its
// record is cached, by user otherwise. Returns nil when no session fits.
func (sm *SessionManager) adoptSession(userID, deviceID string, dev *store.RemoteDevice) (*store.SessionRecord, error) {
	var (
		recs []*store.SessionRecord
		err  error
	)
	if dev != nil {
		recs, err = sm.store.SessionsForSenderKey(dev.Curve25519)
	} else {
		recs, err = sm.store.SessionsForUser(userID)
	}
	if err != nil {
		return nil, storageErr("load sessions", err)
	}
	for _, rec := range recs {
		if rec.TheirUserID != "" && rec.TheirUserID != userID {
			continue
		}
		if rec.TheirDeviceID != "" && rec.TheirDeviceID != deviceID {
			continue
		}
		rec.TheirUserID = userID
		rec.TheirDeviceID = deviceID
		if err := sm.store.PutSession(rec); err != nil {
			return nil, storageErr("persist session", err)
		}
		logf(sm.logger, "adopted session %s for %s/%s", rec.ID, userID, deviceID)
		return rec, nil
	}
	return nil, nil
}

// Encrypt produces one ciphertext entry for the device, establishing a
// session first if needed. Returns the recipient's curve25519 identity
// key — the envelope ciphertext map key — alongside the message.
func (sm *SessionManager) Encrypt(ctx context.Context, userID, deviceID string, plaintext []byte) (string, olm.Message, error) {
	if _, err := sm.EnsureSession(ctx, userID, deviceID); err != nil {
		return "", olm.Message{}, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.SessionForDevice(userID, deviceID)
	if err != nil {
		return "", olm.Message{}, storageErr("load session", err)
	}
	if rec == nil {
		return "", olm.Message{}, &UnknownDeviceError{UserID: userID, DeviceID: deviceID}
	}
	sess, err := olm.Unpickle(rec.Pickle)
	if err != nil {
		return "", olm.Message{}, storageErr("unpickle session", err)
	}

	msg, err := sess.Encrypt(plaintext)
	if err != nil {
		return "", olm.Message{}, fmt.Errorf("encrypt for %s/%s: %w", userID, deviceID, err)
	}
	if rec.Pickle, err = sess.Pickle(); err != nil {
		return "", olm.Message{}, fmt.Errorf("pickle session: %w", err)
	}
	if err := sm.store.PutSession(rec); err != nil {
		return "", olm.Message{}, storageErr("persist session", err)
	}
	return rec.TheirKey, msg, nil
}

// Decrypt recovers the plaintext of an envelope entry sent by the device
// behind senderKey, trying known sessions most recently used first and
// deriving a fresh inbound session from a pre-key message when none
// match. senderUserID attributes new inbound sessions to a device so the
// reply path can reuse them. Failures are *DecryptionError tagged with a
// cause.
func (sm *SessionManager) Decrypt(senderUserID, senderKey string, msg olm.Message) ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	recs, err := sm.store.SessionsForSenderKey(senderKey)
	if err != nil {
		return nil, storageErr("load sessions", err)
	}

	sawBadCiphertext := false
	sawReplay := false
	for _, rec := range recs {
		sess, err := olm.Unpickle(rec.Pickle)
		if err != nil {
			return nil, storageErr("unpickle session", err)
		}
		plaintext, err := sess.Decrypt(msg)
		if err == nil {
			if rec.TheirUserID == "" {
				rec.TheirUserID = senderUserID
			}
			if rec.TheirDeviceID == "" {
				rec.TheirDeviceID = sm.deviceIDForKey(senderUserID, senderKey)
			}
			if rec.Pickle, err = sess.Pickle(); err != nil {
				return nil, fmt.Errorf("pickle session: %w", err)
			}
			if err := sm.store.PutSession(rec); err != nil {
				return nil, storageErr("persist session", err)
			}
			return plaintext, nil
		}
		// A coexisting session may still decrypt; reporting waits until
		// every one has been tried.
		if errors.Is(err, olm.ErrReplay) {
			sawReplay = true
			continue
		}
		if errors.Is(err, olm.ErrBadCiphertext) {
			sawBadCiphertext = true
		}
	}

	if msg.Type == olm.MessageTypePreKey {
		plaintext, err := sm.decryptWithNewInbound(senderUserID, senderKey, msg)
		if err != nil && sawReplay {
			var decErr *DecryptionError
			if errors.As(err, &decErr) && decErr.Cause == CauseUnknownSession {
				return nil, &DecryptionError{Cause: CauseReplaySuspected, Err: olm.ErrReplay}
			}
		}
		return plaintext, err
	}
	if sawReplay {
		return nil, &DecryptionError{Cause: CauseReplaySuspected, Err: olm.ErrReplay}
	}
	if sawBadCiphertext {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: olm.ErrBadCiphertext}
	}
	return nil, &DecryptionError{Cause: CauseUnknownSession,
		Err: fmt.Errorf("no session for sender key %s", senderKey)}
}

// decryptWithNewInbound derives an inbound session from a pre-key
// message, consuming the local one-time key it references.
func (sm *SessionManager) decryptWithNewInbound(senderUserID, senderKey string, msg olm.Message) ([]byte, error) {
	hdr, err := olm.ParsePreKey(msg)
	if err != nil {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: err}
	}
	otk, err := sm.store.OneTimeKeyByPublic(hdr.OneTimeKey)
	if err != nil {
		return nil, storageErr("look up one-time key", err)
	}
	if otk == nil {
		return nil, &DecryptionError{Cause: CauseUnknownSession,
			Err: fmt.Errorf("pre-key message references a one-time key we no longer hold")}
	}

	sess, err := olm.NewInboundSession(sm.keys, otk.Private, msg)
	if err != nil {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: err}
	}
	plaintext, err := sess.Decrypt(msg)
	if err != nil {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: err}
	}

	// The key backed a session; it must never back another.
	if err := sm.store.MarkOneTimeKeyClaimed(otk.ID); err != nil {
		return nil, storageErr("mark one-time key used", err)
	}
	pickle, err := sess.Pickle()
	if err != nil {
		return nil, fmt.Errorf("pickle session: %w", err)
	}
	rec := &store.SessionRecord{
		ID:            sess.ID(),
		TheirUserID:   senderUserID,
		TheirDeviceID: sm.deviceIDForKey(senderUserID, senderKey),
		TheirKey:      senderKey,
		Pickle:        pickle,
	}
	if err := sm.store.PutSession(rec); err != nil {
		return nil, storageErr("persist session", err)
	}
	logf(sm.logger, "derived inbound session %s from sender key %s", sess.ID(), senderKey)
	return plaintext, nil
}

// deviceIDForKey resolves the device behind a curve25519 identity key
// from the cached device records, or "" when the user's keys have not
// been downloaded yet.
func (sm *SessionManager) deviceIDForKey(userID, senderKey string) string {
	devices, err := sm.store.GetDeviceKeys(userID)
	if err != nil {
		return ""
	}
	for _, d := range devices {
		if d.Curve25519 == senderKey {
			return d.DeviceID
		}
	}
	return ""
}
