// Package olm implements the pairwise ratchet primitive used for
// device-to-device encryption: long-term identity keys, ephemeral one-time
// keys, and opaque Session objects derived from them. Callers treat Session
// as a black box with Encrypt/Decrypt; all key material stays in-process.
package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key encoding used on the wire: unpadded standard base64.
var b64 = base64.RawStdEncoding

// Account holds a device's long-term key material: a curve25519 identity
// key pair for session derivation and an ed25519 key pair for signing
// key-publication payloads.
type Account struct {
	identityPriv [32]byte
	identityPub  [32]byte
	signingPriv  ed25519.PrivateKey
	signingPub   ed25519.PublicKey
}

// NewAccount generates a fresh identity and signing key pair.
func NewAccount() (*Account, error) {
	a := &Account{}
	if _, err := rand.Read(a.identityPriv[:]); err != nil {
		return nil, fmt.Errorf("olm: generate identity key: %w", err)
	}
	clampX25519(&a.identityPriv)

	pub, err := curve25519.X25519(a.identityPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: derive identity public key: %w", err)
	}
	copy(a.identityPub[:], pub)

	a.signingPub, a.signingPriv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	return a, nil
}

// AccountFromKeys reconstructs an account from stored private key material.
func AccountFromKeys(identityPriv []byte, signingPriv []byte) (*Account, error) {
	if len(identityPriv) != 32 {
		return nil, fmt.Errorf("olm: identity key must be 32 bytes, got %d", len(identityPriv))
	}
	if len(signingPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("olm: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(signingPriv))
	}
	a := &Account{signingPriv: ed25519.PrivateKey(signingPriv)}
	copy(a.identityPriv[:], identityPriv)

	pub, err := curve25519.X25519(a.identityPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: derive identity public key: %w", err)
	}
	copy(a.identityPub[:], pub)
	a.signingPub = a.signingPriv.Public().(ed25519.PublicKey)
	return a, nil
}

// IdentityPrivate returns the raw curve25519 private key for persistence.
func (a *Account) IdentityPrivate() []byte { return a.identityPriv[:] }

// SigningPrivate returns the raw ed25519 private key for persistence.
func (a *Account) SigningPrivate() []byte { return []byte(a.signingPriv) }

// Curve25519 returns the base64 public identity key.
func (a *Account) Curve25519() string { return b64.EncodeToString(a.identityPub[:]) }

// Ed25519 returns the base64 public signing key.
func (a *Account) Ed25519() string { return b64.EncodeToString(a.signingPub) }

// Sign signs a message with the account's ed25519 key and returns the
// base64 signature.
func (a *Account) Sign(message []byte) string {
	return b64.EncodeToString(ed25519.Sign(a.signingPriv, message))
}

// Verify checks an ed25519 signature produced by Sign against the given
// base64 public key.
func Verify(ed25519PubB64, signatureB64 string, message []byte) bool {
	pub, err := b64.DecodeString(ed25519PubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := b64.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// OneTimeKey is a single ephemeral curve25519 key pair. The private half
// never leaves the local store; the public half is published exactly once
// and claimed by at most one remote device.
type OneTimeKey struct {
	ID      string
	Public  string // base64
	Private []byte // 32 bytes
}

// GenerateOneTimeKeys produces count fresh one-time key pairs. Key IDs are
// assigned by the caller's ID source so the store can keep them unique.
func GenerateOneTimeKeys(count int, newID func() string) ([]OneTimeKey, error) {
	keys := make([]OneTimeKey, 0, count)
	for range count {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("olm: generate one-time key: %w", err)
		}
		clampX25519(&priv)
		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("olm: derive one-time public key: %w", err)
		}
		keys = append(keys, OneTimeKey{
			ID:      newID(),
			Public:  b64.EncodeToString(pub),
			Private: priv[:],
		})
	}
	return keys, nil
}

// clampX25519 applies the standard curve25519 scalar clamping.
func clampX25519(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
