package olm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// pair sets up Alice→Bob: Bob's account with one one-time key, an outbound
// session for Alice, and returns everything needed to derive Bob's inbound.
func pair(t *testing.T) (alice, bob *Account, out *Session, otk OneTimeKey) {
	t.Helper()
	var err error
	alice, err = NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err = NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	keys, err := GenerateOneTimeKeys(1, func() string { n++; return fmt.Sprintf("AAAAA%d", n) })
	if err != nil {
		t.Fatal(err)
	}
	otk = keys[0]
	out, err = NewOutboundSession(alice, bob.Curve25519(), otk.Public)
	if err != nil {
		t.Fatal(err)
	}
	return alice, bob, out, otk
}

func TestRoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		[]byte("Hello, World"),
		[]byte(""),
		[]byte("héllo wörld ünïcode 匹配 🔐"),
		bytes.Repeat([]byte{0x00, 0xff}, 500),
	}

	for _, want := range plaintexts {
		_, bob, out, otk := pair(t)

		msg, err := out.Encrypt(want)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if msg.Type != MessageTypePreKey {
			t.Errorf("first message type: got %d, want %d", msg.Type, MessageTypePreKey)
		}

		in, err := NewInboundSession(bob, otk.Private, msg)
		if err != nil {
			t.Fatalf("inbound session: %v", err)
		}
		got, err := in.Decrypt(msg)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("round trip: got %q, want %q", got, want)
		}
	}
}

func TestCiphertextNonDeterministic(t *testing.T) {
	_, _, out, _ := pair(t)

	a, err := out.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := out.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Body == b.Body {
		t.Error("two encryptions of the same plaintext produced identical bodies")
	}
}

func TestBidirectional(t *testing.T) {
	_, bob, out, otk := pair(t)

	first, err := out.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundSession(bob, otk.Private, first)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := in.Decrypt(first); err != nil {
		t.Fatal(err)
	}

	reply, err := in.Encrypt([]byte("pong"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != MessageTypeNormal {
		t.Errorf("reply type: got %d, want %d", reply.Type, MessageTypeNormal)
	}
	got, err := out.Decrypt(reply)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("reply: got %q", got)
	}
	if !out.Established() {
		t.Error("outbound session should be established after decrypting a reply")
	}

	// Subsequent messages drop the pre-key header.
	next, err := out.Encrypt([]byte("again"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Type != MessageTypeNormal {
		t.Errorf("post-reply type: got %d, want %d", next.Type, MessageTypeNormal)
	}
	if _, err := in.Decrypt(next); err != nil {
		t.Fatalf("decrypt post-reply: %v", err)
	}
}

func TestReplayDetected(t *testing.T) {
	_, bob, out, otk := pair(t)

	msg, err := out.Encrypt([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundSession(bob, otk.Private, msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := in.Decrypt(msg); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Decrypt(msg); !errors.Is(err, ErrReplay) {
		t.Errorf("second decrypt: got %v, want ErrReplay", err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	_, bob, out, otk := pair(t)

	m0, _ := out.Encrypt([]byte("zero"))
	m1, _ := out.Encrypt([]byte("one"))
	m2, _ := out.Encrypt([]byte("two"))

	in, err := NewInboundSession(bob, otk.Private, m0)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := in.Decrypt(m2); err != nil || string(got) != "two" {
		t.Fatalf("decrypt m2: %q %v", got, err)
	}
	if got, err := in.Decrypt(m0); err != nil || string(got) != "zero" {
		t.Fatalf("decrypt m0: %q %v", got, err)
	}
	if got, err := in.Decrypt(m1); err != nil || string(got) != "one" {
		t.Fatalf("decrypt m1: %q %v", got, err)
	}
}

func TestCorruptCiphertext(t *testing.T) {
	_, bob, out, otk := pair(t)

	msg, err := out.Encrypt([]byte("intact"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewInboundSession(bob, otk.Private, msg); err != nil {
		t.Fatal(err)
	}

	corrupt := msg
	corrupt.Body = "!!!not base64!!!"
	in, err := NewInboundSession(bob, otk.Private, msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := in.Decrypt(corrupt); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("corrupt body: got %v, want ErrBadCiphertext", err)
	}
}

func TestPickleRoundTrip(t *testing.T) {
	_, bob, out, otk := pair(t)

	m0, err := out.Encrypt([]byte("before pickle"))
	if err != nil {
		t.Fatal(err)
	}

	data, err := out.Pickle()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := Unpickle(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID() != out.ID() {
		t.Errorf("session ID: got %s, want %s", restored.ID(), out.ID())
	}

	m1, err := restored.Encrypt([]byte("after pickle"))
	if err != nil {
		t.Fatal(err)
	}

	in, err := NewInboundSession(bob, otk.Private, m0)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := in.Decrypt(m0); err != nil || string(got) != "before pickle" {
		t.Fatalf("decrypt m0: %q %v", got, err)
	}
	if got, err := in.Decrypt(m1); err != nil || string(got) != "after pickle" {
		t.Fatalf("decrypt m1: %q %v", got, err)
	}
}

func TestAccountFromKeys(t *testing.T) {
	a, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	b, err := AccountFromKeys(a.IdentityPrivate(), a.SigningPrivate())
	if err != nil {
		t.Fatal(err)
	}
	if a.Curve25519() != b.Curve25519() {
		t.Error("curve25519 key changed across reconstruction")
	}
	if a.Ed25519() != b.Ed25519() {
		t.Error("ed25519 key changed across reconstruction")
	}

	msg := []byte("payload to sign")
	if !Verify(a.Ed25519(), b.Sign(msg), msg) {
		t.Error("signature from reconstructed account did not verify")
	}
	if Verify(a.Ed25519(), b.Sign(msg), []byte("different payload")) {
		t.Error("signature verified against wrong payload")
	}
}

func TestParsePreKey(t *testing.T) {
	alice, _, out, otk := pair(t)

	msg, err := out.Encrypt([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := ParsePreKey(msg)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.IdentityKey != alice.Curve25519() {
		t.Errorf("identity key: got %s, want %s", hdr.IdentityKey, alice.Curve25519())
	}
	if hdr.OneTimeKey != otk.Public {
		t.Errorf("one-time key: got %s, want %s", hdr.OneTimeKey, otk.Public)
	}

	if _, err := ParsePreKey(Message{Type: MessageTypeNormal, Body: msg.Body}); !errors.Is(err, ErrNotPreKeyMessage) {
		t.Errorf("normal message: got %v, want ErrNotPreKeyMessage", err)
	}
}
