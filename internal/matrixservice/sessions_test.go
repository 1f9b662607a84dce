package matrixservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// sessionFixture wires a SessionManager for a local device against a
// remote device whose one-time keys are served by a mock claim endpoint.
type sessionFixture struct {
	manager    *SessionManager
	store      *store.Store
	localKeys  *olm.Account
	remote     *olm.Account
	remoteUser string
	remoteDev  string
	claims     atomic.Int64
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	remote, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("new remote account: %v", err)
	}
	keyN := 0
	otks, err := olm.GenerateOneTimeKeys(5, func() string { keyN++; return fmt.Sprintf("K%02d", keyN) })
	if err != nil {
		t.Fatalf("generate one-time keys: %v", err)
	}

	f := &sessionFixture{
		remote:     remote,
		remoteUser: "@remote:example.org",
		remoteDev:  "RDEV",
	}
	var mu sync.Mutex
	next := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.claims.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if next >= len(otks) {
			writeTestJSON(w, ClaimResponse{OneTimeKeys: map[string]map[string]map[string]string{}})
			return
		}
		k := otks[next]
		next++
		writeTestJSON(w, ClaimResponse{OneTimeKeys: map[string]map[string]map[string]string{
			f.remoteUser: {f.remoteDev: {"curve25519:" + k.ID: k.Public}},
		}})
	}))
	t.Cleanup(srv.Close)

	st := openTestStore(t)
	localKeys, acct := newTestIdentity(t, st, "@local:example.org", "LDEV")
	if err := st.ReplaceDeviceKeys(f.remoteUser, []store.RemoteDevice{{
		UserID:     f.remoteUser,
		DeviceID:   f.remoteDev,
		Algorithms: []string{AlgorithmOlm},
		Curve25519: remote.Curve25519(),
		Ed25519:    remote.Ed25519(),
	}}); err != nil {
		t.Fatalf("seed remote device: %v", err)
	}

	kd := NewKeyDistribution(NewTransport(srv.URL, "tok", nil, nil), st, acct, localKeys, false, nil)
	f.manager = NewSessionManager(st, kd, localKeys, nil)
	f.store = st
	f.localKeys = localKeys
	return f
}

func TestEnsureSessionClaimsOnce(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	rec, err := f.manager.EnsureSession(ctx, f.remoteUser, f.remoteDev)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if rec.TheirKey != f.remote.Curve25519() {
		t.Fatalf("session key = %s, want remote identity key", rec.TheirKey)
	}

	// Re-ensuring reuses the stored session without another claim.
	again, err := f.manager.EnsureSession(ctx, f.remoteUser, f.remoteDev)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if again.ID != rec.ID {
		t.Fatalf("session ID changed: %s → %s", rec.ID, again.ID)
	}
	if got := f.claims.Load(); got != 1 {
		t.Fatalf("claims = %d, want 1", got)
	}
}

func TestEnsureSessionConcurrent(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.manager.EnsureSession(ctx, f.remoteUser, f.remoteDev)
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids[i] = rec.ID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("divergent session IDs: %v", ids)
		}
	}
	if got := f.claims.Load(); got != 1 {
		t.Fatalf("claims = %d, want 1 for concurrent ensure", got)
	}
}

func TestEnsureSessionUnknownDevice(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.manager.EnsureSession(context.Background(), f.remoteUser, "NOPE")
	var unknown *UnknownDeviceError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownDeviceError", err)
	}
}

func TestEnsureSessionKeyPoolExhausted(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	// Drain the pool by establishing sessions until it is empty, wiping
	// the stored session each time so the next call has to claim again.
	for i := 0; i < 5; i++ {
		rec, err := f.manager.EnsureSession(ctx, f.remoteUser, f.remoteDev)
		if err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
		wipeSessions(t, f.store, rec.TheirKey)
	}

	_, err := f.manager.EnsureSession(ctx, f.remoteUser, f.remoteDev)
	var noKeys *NoKeysAvailableError
	if !errors.As(err, &noKeys) {
		t.Fatalf("error = %v, want *NoKeysAvailableError", err)
	}
}

func TestEncryptDecryptBetweenManagers(t *testing.T) {
	// Two local identities; the mock claim endpoint serves bob's pool to
	// ali, and bob's store holds the private halves for inbound
	// derivation.
	aliStore := openTestStore(t)
	aliKeys, aliAcct := newTestIdentity(t, aliStore, "@ali:example.org", "ADEV")
	bobStore := openTestStore(t)
	bobKeys, bobAcct := newTestIdentity(t, bobStore, "@bob:example.org", "BDEV")

	keyN := 0
	otks, err := olm.GenerateOneTimeKeys(1, func() string { keyN++; return fmt.Sprintf("B%02d", keyN) })
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	if err := bobStore.AddOneTimeKeys(otks); err != nil {
		t.Fatalf("seed bob keys: %v", err)
	}

	var claims atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims.Add(1)
		writeTestJSON(w, ClaimResponse{OneTimeKeys: map[string]map[string]map[string]string{
			bobAcct.UserID: {bobAcct.DeviceID: {"curve25519:" + otks[0].ID: otks[0].Public}},
		}})
	}))
	defer srv.Close()

	if err := aliStore.ReplaceDeviceKeys(bobAcct.UserID, []store.RemoteDevice{{
		UserID:     bobAcct.UserID,
		DeviceID:   bobAcct.DeviceID,
		Algorithms: []string{AlgorithmOlm},
		Curve25519: bobKeys.Curve25519(),
		Ed25519:    bobKeys.Ed25519(),
	}}); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	aliKD := NewKeyDistribution(NewTransport(srv.URL, "tok", nil, nil), aliStore, aliAcct, aliKeys, false, nil)
	aliSM := NewSessionManager(aliStore, aliKD, aliKeys, nil)
	bobKD := NewKeyDistribution(NewTransport(srv.URL, "tok", nil, nil), bobStore, bobAcct, bobKeys, false, nil)
	bobSM := NewSessionManager(bobStore, bobKD, bobKeys, nil)

	ctx := context.Background()
	theirKey, msg, err := aliSM.Encrypt(ctx, bobAcct.UserID, bobAcct.DeviceID, []byte("Hello, World"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if theirKey != bobKeys.Curve25519() {
		t.Fatalf("recipient key = %s, want bob's identity key", theirKey)
	}
	if msg.Type != olm.MessageTypePreKey {
		t.Fatalf("first message type = %d, want pre-key", msg.Type)
	}

	plaintext, err := bobSM.Decrypt(aliAcct.UserID, aliKeys.Curve25519(), msg)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "Hello, World" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	// The consumed key never backs a second session.
	otk, err := bobStore.OneTimeKeyByPublic(otks[0].Public)
	if err != nil {
		t.Fatalf("look up key: %v", err)
	}
	if otk != nil {
		t.Fatal("one-time key still claimable after use")
	}

	// Replaying the same message is detected.
	_, err = bobSM.Decrypt(aliAcct.UserID, aliKeys.Curve25519(), msg)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) || decErr.Cause != CauseReplaySuspected {
		t.Fatalf("replay error = %v, want replay-suspected", err)
	}

	// Bob replies over the derived session and ali decrypts with the
	// outbound one. Bob never downloaded ali's device keys, so the reply
	// must reuse the inbound session instead of claiming.
	_, reply, err := bobSM.Encrypt(ctx, aliAcct.UserID, aliAcct.DeviceID, []byte("Hello, Ali"))
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	got, err := aliSM.Decrypt(bobAcct.UserID, bobKeys.Curve25519(), reply)
	if err != nil {
		t.Fatalf("ali decrypt: %v", err)
	}
	if string(got) != "Hello, Ali" {
		t.Fatalf("reply = %q", got)
	}
	if got := claims.Load(); got != 1 {
		t.Fatalf("claims = %d, want 1 (reply must not claim)", got)
	}
	rec, err := bobStore.SessionForDevice(aliAcct.UserID, aliAcct.DeviceID)
	if err != nil {
		t.Fatalf("load adopted session: %v", err)
	}
	if rec == nil || rec.TheirKey != aliKeys.Curve25519() {
		t.Fatalf("inbound session not attributed to %s/%s: %+v", aliAcct.UserID, aliAcct.DeviceID, rec)
	}
}

func TestReplyAdoptsInboundSessionAfterKeyDownload(t *testing.T) {
	// The sender's device keys arrive only after the pre-key message was
	// decrypted. The reply must find the unattributed inbound session by
	// its sender key and back-fill the device.
	st := openTestStore(t)
	keys, acct := newTestIdentity(t, st, "@bob:example.org", "BDEV")
	kd := NewKeyDistribution(NewTransport("http://127.0.0.1:1", "tok", nil, nil), st, acct, keys, false, nil)
	sm := NewSessionManager(st, kd, keys, nil)

	remote, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("new remote account: %v", err)
	}
	otks, err := olm.GenerateOneTimeKeys(1, func() string { return "A01" })
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	if err := st.AddOneTimeKeys(otks); err != nil {
		t.Fatalf("seed keys: %v", err)
	}

	out, err := olm.NewOutboundSession(remote, keys.Curve25519(), otks[0].Public)
	if err != nil {
		t.Fatalf("outbound session: %v", err)
	}
	msg, err := out.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := sm.Decrypt("@ali:example.org", remote.Curve25519(), msg); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	recs, err := st.SessionsForSenderKey(remote.Curve25519())
	if err != nil || len(recs) != 1 {
		t.Fatalf("inbound sessions = %v, %v", recs, err)
	}
	if recs[0].TheirDeviceID != "" {
		t.Fatalf("device attributed before keys were downloaded: %q", recs[0].TheirDeviceID)
	}

	if err := st.ReplaceDeviceKeys("@ali:example.org", []store.RemoteDevice{{
		UserID:     "@ali:example.org",
		DeviceID:   "ADEV",
		Algorithms: []string{AlgorithmOlm},
		Curve25519: remote.Curve25519(),
		Ed25519:    remote.Ed25519(),
	}}); err != nil {
		t.Fatalf("cache remote device: %v", err)
	}

	// The claim transport is unreachable, so any claim attempt fails the
	// call. Encrypt must succeed on the adopted session alone.
	_, reply, err := sm.Encrypt(context.Background(), "@ali:example.org", "ADEV", []byte("hi back"))
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	if got, err := out.Decrypt(reply); err != nil || string(got) != "hi back" {
		t.Fatalf("remote decrypt: %q %v", got, err)
	}

	rec, err := st.SessionForDevice("@ali:example.org", "ADEV")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if rec == nil || rec.ID != recs[0].ID {
		t.Fatalf("adopted session = %+v, want %s", rec, recs[0].ID)
	}
}

func TestDecryptTriesOlderSessions(t *testing.T) {
	// Two sessions coexist for one sender key. A message on the older
	// session makes the newer one report a replay; decryption must move
	// on instead of failing.
	st := openTestStore(t)
	keys, acct := newTestIdentity(t, st, "@local:example.org", "LDEV")
	kd := NewKeyDistribution(NewTransport("http://127.0.0.1:1", "tok", nil, nil), st, acct, keys, false, nil)
	sm := NewSessionManager(st, kd, keys, nil)

	remote, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("new remote account: %v", err)
	}
	keyN := 0
	otks, err := olm.GenerateOneTimeKeys(2, func() string { keyN++; return fmt.Sprintf("R%02d", keyN) })
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	if err := st.AddOneTimeKeys(otks); err != nil {
		t.Fatalf("seed keys: %v", err)
	}

	out1, err := olm.NewOutboundSession(remote, keys.Curve25519(), otks[0].Public)
	if err != nil {
		t.Fatalf("outbound session 1: %v", err)
	}
	out2, err := olm.NewOutboundSession(remote, keys.Curve25519(), otks[1].Public)
	if err != nil {
		t.Fatalf("outbound session 2: %v", err)
	}

	decrypt := func(out *olm.Session, text string) {
		t.Helper()
		msg, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("encrypt %q: %v", text, err)
		}
		got, err := sm.Decrypt("@remote:example.org", remote.Curve25519(), msg)
		if err != nil {
			t.Fatalf("decrypt %q: %v", text, err)
		}
		if string(got) != text {
			t.Fatalf("decrypt %q: got %q", text, got)
		}
	}

	decrypt(out1, "one-a")
	decrypt(out2, "two-a")
	decrypt(out2, "two-b")

	// The session derived from out2 is most recently used and sees this
	// message index as already consumed.
	decrypt(out1, "one-b")
}

func TestDecryptUnknownSession(t *testing.T) {
	st := openTestStore(t)
	keys, acct := newTestIdentity(t, st, "@local:example.org", "LDEV")
	kd := NewKeyDistribution(NewTransport("http://127.0.0.1:1", "tok", nil, nil), st, acct, keys, false, nil)
	sm := NewSessionManager(st, kd, keys, nil)

	_, err := sm.Decrypt("@x:example.org", "unknownsenderkey", olm.Message{Type: olm.MessageTypeNormal, Body: "junk"})
	var decErr *DecryptionError
	if !errors.As(err, &decErr) || decErr.Cause != CauseUnknownSession {
		t.Fatalf("error = %v, want unknown-session", err)
	}
}

// wipeSessions deletes stored sessions for a sender key so the next
// EnsureSession has to establish from scratch.
func wipeSessions(t *testing.T, st *store.Store, senderKey string) {
	t.Helper()
	recs, err := st.SessionsForSenderKey(senderKey)
	if err != nil {
		t.Fatalf("load sessions: %v", err)
	}
	for _, rec := range recs {
		if err := st.DeleteSession(rec.ID); err != nil {
			t.Fatalf("delete session: %v", err)
		}
	}
}
