package matrixservice

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/mxgo/e2ee/internal/olm"
	"github.com/mxgo/e2ee/internal/store"
)

// KeyDistribution publishes local key material to the federation and
// pulls down remote key material: device-key upload, device-key query,
// and one-time-key claiming. Pure protocol translation over Transport;
// the store records what has been announced or cached.
type KeyDistribution struct {
	transport *Transport
	store     *store.Store
	account   *store.Account
	keys      *olm.Account
	logger    *log.Logger
	strict    bool

	// uploadMu serializes upload rounds so the server-reported count and
	// the local pool reconcile through a single writer.
	uploadMu sync.Mutex
}

// NewKeyDistribution creates a key distribution client for the local
// device described by account.
func NewKeyDistribution(tr *Transport, st *store.Store, account *store.Account, keys *olm.Account, strict bool, logger *log.Logger) *KeyDistribution {
	return &KeyDistribution{
		transport: tr,
		store:     st,
		account:   account,
		keys:      keys,
		logger:    logger,
		strict:    strict,
	}
}

// UploadKeys reconciles the device's published one-time keys up to
// target. Round 1 announces the device keys (first call only) with an
// empty one-time key set and reads the server's outstanding count; round
// 2 publishes exactly the deficit, generating fresh keys as needed.
// Already-generated unpublished keys are reused before new ones are cut.
func (kd *KeyDistribution) UploadKeys(ctx context.Context, target int) error {
	kd.uploadMu.Lock()
	defer kd.uploadMu.Unlock()

	req := &UploadRequest{OneTimeKeys: map[string]string{}}
	if !kd.account.DeviceKeysUploaded {
		dk, err := buildDeviceKeys(kd.keys, kd.account.UserID, kd.account.DeviceID)
		if err != nil {
			return err
		}
		req.DeviceKeys = dk
	}

	var resp UploadResponse
	path := "/keys/upload/" + kd.account.DeviceID
	if err := kd.transport.PostJSON(ctx, path, req, &resp); err != nil {
		return err
	}
	if req.DeviceKeys != nil {
		kd.account.DeviceKeysUploaded = true
		if err := kd.store.SaveAccount(kd.account); err != nil {
			return storageErr("mark device keys uploaded", err)
		}
	}

	outstanding := resp.OneTimeKeyCounts["curve25519"]
	deficit := target - outstanding
	logf(kd.logger, "upload keys: server reports %d outstanding, target %d, deficit %d", outstanding, target, deficit)
	if deficit <= 0 {
		return nil
	}

	pool, err := kd.store.UnpublishedOneTimeKeys()
	if err != nil {
		return storageErr("load unpublished keys", err)
	}
	if missing := deficit - len(pool); missing > 0 {
		fresh, err := generateOneTimeKeys(kd.store, missing)
		if err != nil {
			return err
		}
		pool = append(pool, fresh...)
	}
	pool = pool[:deficit]

	req = &UploadRequest{OneTimeKeys: make(map[string]string, len(pool))}
	ids := make([]string, 0, len(pool))
	for _, k := range pool {
		req.OneTimeKeys["curve25519:"+k.ID] = k.Public
		ids = append(ids, k.ID)
	}
	if err := kd.transport.PostJSON(ctx, path, req, &resp); err != nil {
		return err
	}
	if err := kd.store.MarkOneTimeKeysPublished(ids); err != nil {
		return storageErr("mark keys published", err)
	}
	logf(kd.logger, "upload keys: published %d one-time keys", len(ids))
	return nil
}

// DownloadKeys fetches device keys for users not already cached (all of
// them when force is set), replaces each fetched user's cached record set
// wholesale, and returns the merged view across requested users. In
// strict mode a transport failure fails the whole call; otherwise the
// cached view is served when it covers every requested user.
func (kd *KeyDistribution) DownloadKeys(ctx context.Context, userIDs []string, force bool) (map[string][]store.RemoteDevice, error) {
	var need []string
	for _, u := range userIDs {
		if force {
			need = append(need, u)
			continue
		}
		has, err := kd.store.HasDeviceKeys(u)
		if err != nil {
			return nil, storageErr("check device key cache", err)
		}
		if !has {
			need = append(need, u)
		}
	}

	if len(need) > 0 {
		req := &QueryRequest{DeviceKeys: make(map[string]struct{}, len(need))}
		for _, u := range need {
			req.DeviceKeys[u] = struct{}{}
		}
		var resp QueryResponse
		if err := kd.transport.PostJSON(ctx, "/keys/query", req, &resp); err != nil {
			if kd.strict {
				return nil, err
			}
			for _, u := range need {
				has, herr := kd.store.HasDeviceKeys(u)
				if herr != nil || !has {
					return nil, err
				}
			}
			logf(kd.logger, "download keys: query failed, serving cached view: %v", err)
		} else {
			for _, u := range need {
				var records []store.RemoteDevice
				for deviceID, dk := range resp.DeviceKeys[u] {
					if dk.DeviceID == "" {
						dk.DeviceID = deviceID
					}
					if dk.UserID == "" {
						dk.UserID = u
					}
					records = append(records, remoteDeviceFromKeys(&dk))
				}
				if err := kd.store.ReplaceDeviceKeys(u, records); err != nil {
					return nil, storageErr("replace device keys", err)
				}
			}
		}
	}

	view := make(map[string][]store.RemoteDevice, len(userIDs))
	for _, u := range userIDs {
		devices, err := kd.store.GetDeviceKeys(u)
		if err != nil {
			return nil, storageErr("load device keys", err)
		}
		view[u] = devices
	}
	return view, nil
}

// ClaimTarget names one device whose one-time key should be claimed.
type ClaimTarget struct {
	UserID    string
	DeviceID  string
	Algorithm string
}

// ClaimedKey is one successfully claimed one-time key.
type ClaimedKey struct {
	KeyID string
	Key   string
}

// ClaimResult splits a claim batch into claimed keys and devices the
// server had no key for.
type ClaimResult struct {
	Claimed     map[string]map[string]ClaimedKey // user → device → key
	Unavailable map[string][]string              // user → devices without keys
}

// ClaimOneTimeKeys claims one key per requested device. The server
// guarantees each returned key is unique and previously unclaimed.
// Devices missing from the response are reported unavailable rather than
// failing the batch.
func (kd *KeyDistribution) ClaimOneTimeKeys(ctx context.Context, targets []ClaimTarget) (*ClaimResult, error) {
	req := &ClaimRequest{OneTimeKeys: make(map[string]map[string]string)}
	for _, t := range targets {
		alg := t.Algorithm
		if alg == "" {
			alg = "curve25519"
		}
		if req.OneTimeKeys[t.UserID] == nil {
			req.OneTimeKeys[t.UserID] = make(map[string]string)
		}
		req.OneTimeKeys[t.UserID][t.DeviceID] = alg
	}

	var resp ClaimResponse
	if err := kd.transport.PostJSON(ctx, "/keys/claim", req, &resp); err != nil {
		return nil, err
	}

	result := &ClaimResult{
		Claimed:     make(map[string]map[string]ClaimedKey),
		Unavailable: make(map[string][]string),
	}
	for _, t := range targets {
		keyID, key, ok := pickClaimedKey(resp.OneTimeKeys[t.UserID][t.DeviceID])
		if !ok {
			result.Unavailable[t.UserID] = append(result.Unavailable[t.UserID], t.DeviceID)
			continue
		}
		if result.Claimed[t.UserID] == nil {
			result.Claimed[t.UserID] = make(map[string]ClaimedKey)
		}
		result.Claimed[t.UserID][t.DeviceID] = ClaimedKey{KeyID: keyID, Key: key}
	}
	return result, nil
}

// pickClaimedKey extracts the curve25519 entry from a claim response
// device map.
func pickClaimedKey(keys map[string]string) (keyID, key string, ok bool) {
	for id, k := range keys {
		if rest, found := strings.CutPrefix(id, "curve25519:"); found {
			return rest, k, true
		}
	}
	return "", "", false
}
