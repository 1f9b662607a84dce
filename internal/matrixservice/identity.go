package matrixservice

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// initializeAccount loads the local device identity, generating and
// persisting it on first use. Idempotent: an existing identity is
// returned unchanged.
func initializeAccount(st *store.Store, userID, deviceID string) (*olm.Account, *store.Account, error) {
	rec, err := st.LoadAccount()
	if err != nil {
		return nil, nil, storageErr("load account", err)
	}
	if rec != nil {
		acct, err := olm.AccountFromKeys(rec.IdentityKeyPrivate, rec.SigningKeyPrivate)
		if err != nil {
			return nil, nil, storageErr("restore account keys", err)
		}
		return acct, rec, nil
	}

	acct, err := olm.NewAccount()
	if err != nil {
		return nil, nil, err
	}
	rec = &store.Account{
		UserID:             userID,
		DeviceID:           deviceID,
		IdentityKeyPrivate: acct.IdentityPrivate(),
		SigningKeyPrivate:  acct.SigningPrivate(),
	}
	if err := st.SaveAccount(rec); err != nil {
		return nil, nil, storageErr("save account", err)
	}
	return acct, rec, nil
}

// buildDeviceKeys assembles and signs the key-publication payload for the
// local device. The signature covers the canonical JSON of the payload
// without its signatures field.
func buildDeviceKeys(acct *olm.Account, userID, deviceID string) (*DeviceKeys, error) {
	dk := &DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{AlgorithmOlm},
		Keys: map[string]string{
			"curve25519:" + deviceID: acct.Curve25519(),
			"ed25519:" + deviceID:    acct.Ed25519(),
		},
	}
	canonical, err := json.Marshal(dk)
	if err != nil {
		return nil, err
	}
	dk.Signatures = map[string]map[string]string{
		userID: {"ed25519:" + deviceID: acct.Sign(canonical)},
	}
	return dk, nil
}

// verifyDeviceKeys checks a downloaded payload's self-signature against
// the ed25519 key it advertises.
func verifyDeviceKeys(dk *DeviceKeys) bool {
	edKey := dk.Keys["ed25519:"+dk.DeviceID]
	sig := dk.Signatures[dk.UserID]["ed25519:"+dk.DeviceID]
	if edKey == "" || sig == "" {
		return false
	}
	unsigned := *dk
	unsigned.Signatures = nil
	canonical, err := json.Marshal(&unsigned)
	if err != nil {
		return false
	}
	return olm.Verify(edKey, sig, canonical)
}

// remoteDeviceFromKeys converts a downloaded payload into the cached
// record form, stamping the verification result.
func remoteDeviceFromKeys(dk *DeviceKeys) store.RemoteDevice {
	return store.RemoteDevice{
		UserID:     dk.UserID,
		DeviceID:   dk.DeviceID,
		Algorithms: dk.Algorithms,
		Curve25519: dk.Keys["curve25519:"+dk.DeviceID],
		Ed25519:    dk.Keys["ed25519:"+dk.DeviceID],
		Verified:   verifyDeviceKeys(dk),
	}
}

// generateOneTimeKeys produces count fresh key pairs and persists them
// all-or-nothing before any is announced.
func generateOneTimeKeys(st *store.Store, count int) ([]olm.OneTimeKey, error) {
	keys, err := olm.GenerateOneTimeKeys(count, newKeyID)
	if err != nil {
		return nil, err
	}
	if err := st.AddOneTimeKeys(keys); err != nil {
		return nil, storageErr("persist one-time keys", err)
	}
	return keys, nil
}

// newKeyID returns a fresh one-time key identifier.
func newKeyID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
