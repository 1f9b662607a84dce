package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Message type tags on the wire. A pre-key message carries the key material
// the receiving side needs to derive the matching inbound session; once a
// session is established in both directions, only normal messages are sent.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

const (
	rootInfo   = "MXE2EE_OLM_ROOT"
	maxSkipped = 64
)

// Chain KDF constants: message key and next chain key are domain-separated
// HMAC outputs of the current chain key.
var (
	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

var (
	// ErrReplay indicates a message whose key was already consumed.
	ErrReplay = errors.New("olm: message key already consumed")
	// ErrBadCiphertext indicates an undecryptable or malformed body.
	ErrBadCiphertext = errors.New("olm: bad ciphertext")
	// ErrNotPreKeyMessage indicates an inbound session was requested from a
	// normal message.
	ErrNotPreKeyMessage = errors.New("olm: not a pre-key message")
	// ErrTooManySkipped indicates a gap in the receive chain larger than
	// the skipped-key cache allows.
	ErrTooManySkipped = errors.New("olm: too many skipped message keys")
)

// Message is one per-device ciphertext entry: a type tag plus a base64 body.
type Message struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// PreKeyHeader is the key material advertised by a pre-key message.
type PreKeyHeader struct {
	IdentityKey  string `json:"identity_key"`
	EphemeralKey string `json:"ephemeral_key"`
	OneTimeKey   string `json:"one_time_key"`
}

type messagePayload struct {
	Index      uint32 `json:"index"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type preKeyPayload struct {
	PreKeyHeader
	Message messagePayload `json:"message"`
}

// Session is pairwise ratchet state between the local device and one remote
// device. Not safe for concurrent use; callers serialize access.
type Session struct {
	id          string
	eph         []byte // our ephemeral public key, AEAD associated data
	sendCK      []byte
	recvCK      []byte
	sendN       uint32
	recvN       uint32
	skipped     map[uint32][]byte
	established bool
	prekey      *PreKeyHeader // attached to outgoing messages until established
}

// ID returns the session identifier, derived from the ephemeral key.
func (s *Session) ID() string { return s.id }

// Established reports whether both directions have been exercised.
func (s *Session) Established() bool { return s.established }

// NewOutboundSession derives a session toward a remote device from its
// identity key and a one-time key claimed for it. The first messages sent
// are pre-key messages carrying the material the remote side needs to
// derive its inbound half.
func NewOutboundSession(a *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	theirIdent, err := decodeKey(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("olm: their identity key: %w", err)
	}
	theirOTK, err := decodeKey(theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("olm: their one-time key: %w", err)
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("olm: generate ephemeral key: %w", err)
	}
	clampX25519(&ephPriv)
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: derive ephemeral public key: %w", err)
	}

	dh1, err := curve25519.X25519(a.identityPriv[:], theirOTK)
	if err != nil {
		return nil, fmt.Errorf("olm: dh identity/one-time: %w", err)
	}
	dh2, err := curve25519.X25519(ephPriv[:], theirIdent)
	if err != nil {
		return nil, fmt.Errorf("olm: dh ephemeral/identity: %w", err)
	}
	dh3, err := curve25519.X25519(ephPriv[:], theirOTK)
	if err != nil {
		return nil, fmt.Errorf("olm: dh ephemeral/one-time: %w", err)
	}

	sendCK, recvCK, err := deriveChains(dh1, dh2, dh3, true)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:      sessionID(ephPub),
		eph:     ephPub,
		sendCK:  sendCK,
		recvCK:  recvCK,
		skipped: make(map[uint32][]byte),
		prekey: &PreKeyHeader{
			IdentityKey:  a.Curve25519(),
			EphemeralKey: b64.EncodeToString(ephPub),
			OneTimeKey:   theirOneTimeKey,
		},
	}, nil
}

// ParsePreKey extracts the pre-key header from a type-0 message so the
// caller can locate the matching local one-time key.
func ParsePreKey(msg Message) (*PreKeyHeader, error) {
	if msg.Type != MessageTypePreKey {
		return nil, ErrNotPreKeyMessage
	}
	var p preKeyPayload
	if err := decodePayload(msg.Body, &p); err != nil {
		return nil, err
	}
	return &p.PreKeyHeader, nil
}

// NewInboundSession derives the receiving half of a session from an
// incoming pre-key message and the private half of the one-time key it
// consumed. The message itself is decrypted with Session.Decrypt afterward.
func NewInboundSession(a *Account, oneTimePriv []byte, msg Message) (*Session, error) {
	hdr, err := ParsePreKey(msg)
	if err != nil {
		return nil, err
	}
	theirIdent, err := decodeKey(hdr.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("olm: sender identity key: %w", err)
	}
	theirEph, err := decodeKey(hdr.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("olm: sender ephemeral key: %w", err)
	}
	if len(oneTimePriv) != 32 {
		return nil, fmt.Errorf("olm: one-time private key must be 32 bytes, got %d", len(oneTimePriv))
	}

	dh1, err := curve25519.X25519(oneTimePriv, theirIdent)
	if err != nil {
		return nil, fmt.Errorf("olm: dh one-time/identity: %w", err)
	}
	dh2, err := curve25519.X25519(a.identityPriv[:], theirEph)
	if err != nil {
		return nil, fmt.Errorf("olm: dh identity/ephemeral: %w", err)
	}
	dh3, err := curve25519.X25519(oneTimePriv, theirEph)
	if err != nil {
		return nil, fmt.Errorf("olm: dh one-time/ephemeral: %w", err)
	}

	sendCK, recvCK, err := deriveChains(dh1, dh2, dh3, false)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:          sessionID(theirEph),
		eph:         theirEph,
		sendCK:      sendCK,
		recvCK:      recvCK,
		skipped:     make(map[uint32][]byte),
		established: true,
	}, nil
}

// Encrypt produces the next ciphertext entry for this session. Each call
// consumes a fresh message key, so output differs even for identical
// plaintext.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	mk := chainStep(s.sendCK, messageKeySeed)
	s.sendCK = chainStep(s.sendCK, chainKeySeed)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return Message{}, fmt.Errorf("olm: new aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Message{}, fmt.Errorf("olm: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, s.eph)

	payload := messagePayload{
		Index:      s.sendN,
		Nonce:      b64.EncodeToString(nonce),
		Ciphertext: b64.EncodeToString(ct),
	}
	s.sendN++

	if s.prekey != nil && !s.established {
		body, err := encodePayload(preKeyPayload{PreKeyHeader: *s.prekey, Message: payload})
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageTypePreKey, Body: body}, nil
	}
	body, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeNormal, Body: body}, nil
}

// Decrypt recovers the plaintext of a ciphertext entry. Out-of-order
// delivery is tolerated up to the skipped-key cache; consuming the same
// message twice fails with ErrReplay.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	var payload messagePayload
	switch msg.Type {
	case MessageTypePreKey:
		var p preKeyPayload
		if err := decodePayload(msg.Body, &p); err != nil {
			return nil, err
		}
		payload = p.Message
	case MessageTypeNormal:
		if err := decodePayload(msg.Body, &payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadCiphertext, msg.Type)
	}

	mk, err := s.receiveKey(payload.Index)
	if err != nil {
		return nil, err
	}

	nonce, err := b64.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: nonce", ErrBadCiphertext)
	}
	ct, err := b64.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: body", ErrBadCiphertext)
	}
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, fmt.Errorf("olm: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ct, s.eph)
	if err != nil {
		return nil, ErrBadCiphertext
	}

	// A decrypted reply proves the remote side holds the session; stop
	// attaching the pre-key header.
	s.established = true
	return plaintext, nil
}

// receiveKey returns the message key for the given chain index, advancing
// the receive chain and caching keys for indices skipped over.
func (s *Session) receiveKey(index uint32) ([]byte, error) {
	if mk, ok := s.skipped[index]; ok {
		delete(s.skipped, index)
		return mk, nil
	}
	if index < s.recvN {
		return nil, ErrReplay
	}
	if index-s.recvN >= maxSkipped || len(s.skipped)+int(index-s.recvN) > maxSkipped {
		return nil, ErrTooManySkipped
	}
	for s.recvN < index {
		s.skipped[s.recvN] = chainStep(s.recvCK, messageKeySeed)
		s.recvCK = chainStep(s.recvCK, chainKeySeed)
		s.recvN++
	}
	mk := chainStep(s.recvCK, messageKeySeed)
	s.recvCK = chainStep(s.recvCK, chainKeySeed)
	s.recvN++
	return mk, nil
}

// sessionState is the pickled form of a Session.
type sessionState struct {
	ID          string            `json:"id"`
	Eph         []byte            `json:"eph"`
	SendCK      []byte            `json:"send_ck"`
	RecvCK      []byte            `json:"recv_ck"`
	SendN       uint32            `json:"send_n"`
	RecvN       uint32            `json:"recv_n"`
	Skipped     map[uint32][]byte `json:"skipped,omitempty"`
	Established bool              `json:"established"`
	PreKey      *PreKeyHeader     `json:"prekey,omitempty"`
}

// Pickle serializes the session state for persistence.
func (s *Session) Pickle() ([]byte, error) {
	return json.Marshal(sessionState{
		ID:          s.id,
		Eph:         s.eph,
		SendCK:      s.sendCK,
		RecvCK:      s.recvCK,
		SendN:       s.sendN,
		RecvN:       s.recvN,
		Skipped:     s.skipped,
		Established: s.established,
		PreKey:      s.prekey,
	})
}

// Unpickle restores a session persisted with Pickle.
func Unpickle(data []byte) (*Session, error) {
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("olm: unpickle session: %w", err)
	}
	s := &Session{
		id:          st.ID,
		eph:         st.Eph,
		sendCK:      st.SendCK,
		recvCK:      st.RecvCK,
		sendN:       st.SendN,
		recvN:       st.RecvN,
		skipped:     st.Skipped,
		established: st.Established,
		prekey:      st.PreKey,
	}
	if s.skipped == nil {
		s.skipped = make(map[uint32][]byte)
	}
	return s, nil
}

func deriveChains(dh1, dh2, dh3 []byte, initiator bool) (sendCK, recvCK []byte, err error) {
	secret := make([]byte, 0, 96)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)

	okm := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(rootInfo)), okm); err != nil {
		return nil, nil, fmt.Errorf("olm: derive chains: %w", err)
	}
	if initiator {
		return okm[:32], okm[32:], nil
	}
	return okm[32:], okm[:32], nil
}

func chainStep(ck, seed []byte) []byte {
	h := hmac.New(sha256.New, ck)
	h.Write(seed)
	return h.Sum(nil)
}

func sessionID(ephPub []byte) string {
	sum := sha256.Sum256(ephPub)
	return b64.EncodeToString(sum[:])
}

func decodeKey(s string) ([]byte, error) {
	k, err := b64.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(k))
	}
	return k, nil
}

func encodePayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("olm: encode payload: %w", err)
	}
	return b64.EncodeToString(data), nil
}

func decodePayload(body string, v any) error {
	data, err := b64.DecodeString(body)
	if err != nil {
		return fmt.Errorf("%w: body encoding", ErrBadCiphertext)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload", ErrBadCiphertext)
	}
	return nil
}
