package matrixservice

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"net/url"
	"strconv"

	"github.com/mxgo/e2ee/internal/olm"
)

// syncTimeoutMillis is how long one /sync long-poll is allowed to hang.
const syncTimeoutMillis = 30000

// Event is one timeline event as delivered to the caller. Encrypted
// envelopes addressed to this device arrive already decrypted, with
// IsEncrypted set and SenderKey naming the sender's curve25519 key.
type Event struct {
	RoomID      string
	Sender      string
	Type        string
	EventID     string
	Content     json.RawMessage
	IsEncrypted bool
	SenderKey   string
}

// ReceiveEvents long-polls /sync and returns an iterator over decrypted
// timeline events. Plaintext events pass through untouched. Encrypted
// envelopes not addressed to this device are skipped silently; a failure
// to decrypt an addressed envelope is yielded as an error without
// stopping the loop. The iterator stops when the context is cancelled or
// the caller breaks out of the range loop.
func ReceiveEvents(ctx context.Context, tr *Transport, sm *SessionManager, keys *olm.Account, logger *log.Logger) iter.Seq2[Event, error] {
	localKey := keys.Curve25519()
	return func(yield func(Event, error) bool) {
		since := ""
		for {
			if ctx.Err() != nil {
				logf(logger, "context cancelled, stopping sync")
				return
			}

			q := url.Values{}
			q.Set("timeout", strconv.Itoa(syncTimeoutMillis))
			if since != "" {
				q.Set("since", since)
			}
			var resp SyncResponse
			if err := tr.GetJSON(ctx, "/sync?"+q.Encode(), &resp); err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(Event{}, fmt.Errorf("sync: %w", err)) {
					return
				}
				continue
			}
			since = resp.NextBatch

			for roomID, room := range resp.Rooms.Join {
				for _, raw := range room.Timeline.Events {
					ev, err := handleTimelineEvent(roomID, raw, sm, localKey, logger)
					if err != nil {
						if !yield(Event{}, err) {
							return
						}
						continue
					}
					if ev == nil {
						continue
					}
					if !yield(*ev, nil) {
						return
					}
				}
			}
		}
	}
}

// handleTimelineEvent turns one raw sync event into a deliverable Event.
// Returns nil, nil for encrypted envelopes that carry no ciphertext for
// the local device.
func handleTimelineEvent(roomID string, raw RawEvent, sm *SessionManager, localKey string, logger *log.Logger) (*Event, error) {
	if raw.Type != EventTypeEncrypted {
		return &Event{
			RoomID:  roomID,
			Sender:  raw.Sender,
			Type:    raw.Type,
			EventID: raw.EventID,
			Content: raw.Content,
		}, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw.Content, &env); err != nil {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: fmt.Errorf("parse envelope: %w", err)}
	}
	msg, ok := env.Ciphertext[localKey]
	if !ok {
		logf(logger, "envelope %s not addressed to this device, skipping", raw.EventID)
		return nil, nil
	}

	plaintext, err := sm.Decrypt(raw.Sender, env.SenderKey, msg)
	if err != nil {
		return nil, fmt.Errorf("event %s from %s: %w", raw.EventID, raw.Sender, err)
	}

	var clear clearEvent
	if err := json.Unmarshal(plaintext, &clear); err != nil {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext, Err: fmt.Errorf("parse decrypted event: %w", err)}
	}
	if clear.RoomID != "" && clear.RoomID != roomID {
		return nil, &DecryptionError{Cause: CauseMalformedCiphertext,
			Err: fmt.Errorf("decrypted event bound to room %s but delivered in %s", clear.RoomID, roomID)}
	}

	return &Event{
		RoomID:      roomID,
		Sender:      raw.Sender,
		Type:        clear.Type,
		EventID:     raw.EventID,
		Content:     clear.Content,
		IsEncrypted: true,
		SenderKey:   env.SenderKey,
	}, nil
}
