package matrixservice

import "fmt"

// FederationError is a transport or server failure: unreachable
// homeserver, non-2xx status, or a response that failed to parse. It is
// surfaced to the caller and never retried by this layer.
type FederationError struct {
	Method string
	Path   string
	Status int // 0 when the request never completed
	Err    error
}

func (e *FederationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("federation: %s %s: status %d: %v", e.Method, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("federation: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *FederationError) Unwrap() error { return e.Err }

// NoKeysAvailableError means a known device has exhausted its one-time
// keys: the server answered the claim but returned nothing for it. It is
// distinct from an unknown device (UnknownDeviceError).
type NoKeysAvailableError struct {
	UserID   string
	DeviceID string
}

func (e *NoKeysAvailableError) Error() string {
	return fmt.Sprintf("no one-time keys available for %s/%s", e.UserID, e.DeviceID)
}

// UnknownDeviceError means no device keys are cached for the target, so a
// session cannot even be attempted.
type UnknownDeviceError struct {
	UserID   string
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %s/%s", e.UserID, e.DeviceID)
}

// StorageError is a local persistence failure. Correctness cannot be
// guaranteed past one, so it aborts the enclosing call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// DecryptCause tags why a message failed to decrypt.
type DecryptCause string

const (
	CauseUnknownSession      DecryptCause = "unknown-session"
	CauseMalformedCiphertext DecryptCause = "malformed-ciphertext"
	CauseReplaySuspected     DecryptCause = "replay-suspected"
)

// DecryptionError is a per-message decrypt failure. It never aborts the
// surrounding batch; other messages are unaffected.
type DecryptionError struct {
	Cause DecryptCause
	Err   error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("decrypt (%s): %v", e.Cause, e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
