package wv

import (
	"errors"
	"fmt"
)

// Status is the discriminated result of a protocol operation. It is
// reported alongside (not instead of) a Go error: the error carries the
// cause chain, the Status tells the caller what to do next.
type Status int

const (
	NoError Status = iota
	UnknownError
	KeyError
	KeyMessage
	KeyAdded
	KeyCanceled
	NeedKey
	NeedProvisioning
	DeviceRevoked
	InsufficientCryptoResources
)

func (s Status) String() string {
	switch s {
	case NoError:
		return "NO_ERROR"
	case UnknownError:
		return "UNKNOWN_ERROR"
	case KeyError:
		return "KEY_ERROR"
	case KeyMessage:
		return "KEY_MESSAGE"
	case KeyAdded:
		return "KEY_ADDED"
	case KeyCanceled:
		return "KEY_CANCELED"
	case NeedKey:
		return "NEED_KEY"
	case NeedProvisioning:
		return "NEED_PROVISIONING"
	case DeviceRevoked:
		return "DEVICE_REVOKED"
	case InsufficientCryptoResources:
		return "INSUFFICIENT_CRYPTO_RESOURCES"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	// ErrNeedKey means policy or the secure engine requires a fresh key
	// request before decryption can proceed.
	ErrNeedKey = errors.New("need key")

	// ErrNeedProvisioning means the device identity is missing or could not
	// be loaded into the secure engine.
	ErrNeedProvisioning = errors.New("need provisioning")

	// ErrDeviceRevoked is fatal; no retry is meaningful without new
	// provisioning.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrKeyResponse marks malformed or unparseable protocol data.
	ErrKeyResponse = errors.New("key error")

	// ErrInvalidNonce marks a protocol integrity failure, not a transient
	// condition: the freshness value presented at key load did not match an
	// outstanding nonce.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrSignature marks a failed signature verification on a server
	// response. Always fatal to the exchange.
	ErrSignature = errors.New("signature verification failed")

	// ErrInsufficientResources means the secure engine ran out of session
	// or key slots.
	ErrInsufficientResources = errors.New("insufficient crypto resources")

	// ErrSessionNotFound is returned by registry lookups.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoLicense is returned by queries against a session that never
	// received a license.
	ErrNoLicense = errors.New("no license")
)

// StatusFromError maps an error chain back onto the status taxonomy.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrNeedKey):
		return NeedKey
	case errors.Is(err, ErrNeedProvisioning):
		return NeedProvisioning
	case errors.Is(err, ErrDeviceRevoked):
		return DeviceRevoked
	case errors.Is(err, ErrInsufficientResources):
		return InsufficientCryptoResources
	case errors.Is(err, ErrKeyResponse), errors.Is(err, ErrSignature), errors.Is(err, ErrInvalidNonce):
		return KeyError
	default:
		return UnknownError
	}
}
