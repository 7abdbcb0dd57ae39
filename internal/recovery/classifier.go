// Package recovery decides how the engine reacts to platform error codes and
// paces automatic recovery with persisted exponential backoff.
package recovery

import "geofenced/internal/platform"

// Class is the recovery action class of a platform error.
type Class string

const (
	// Unrecoverable errors need the application to act; they are never retried.
	Unrecoverable Class = "UNRECOVERABLE"
	// PermissionGated errors wait for the user to grant a permission.
	PermissionGated Class = "PERMISSION_GATED"
	// Retryable errors are retried with backoff.
	Retryable Class = "RETRYABLE"
)

// Retry keys, one per recovery kind.
const (
	KeyGeofencesCleared = "geofences_cleared"
	KeyPendingIntents   = "too_many_pending_intents"
	KeyTooFrequent      = "request_too_frequent"
	KeyTransient        = "transient"
)

// Decision is what Classify says to do about an error code.
type Decision struct {
	Code      platform.Code
	Class     Class
	ForceSync bool
	// RetryKey names the backoff counter that gates the forced sync.
	RetryKey string
}

// Classify maps a platform error code to its recovery decision. Unknown codes
// are treated as transient.
func Classify(code platform.Code) Decision {
	d := Decision{Code: code}
	switch code {
	case platform.CodeGeofenceNotAvailable:
		d.Class, d.ForceSync, d.RetryKey = Retryable, true, KeyGeofencesCleared
	case platform.CodeTooManyGeofences:
		d.Class = Unrecoverable
	case platform.CodeTooManyPendingIntents:
		d.Class, d.ForceSync, d.RetryKey = Retryable, true, KeyPendingIntents
	case platform.CodeInsufficientPermission:
		d.Class = PermissionGated
	case platform.CodeRequestTooFrequent:
		d.Class, d.ForceSync, d.RetryKey = Retryable, true, KeyTooFrequent
	default:
		// INTERNAL_ERROR, INTERRUPTED, TIMEOUT and anything unrecognised.
		d.Class, d.ForceSync, d.RetryKey = Retryable, true, KeyTransient
	}
	return d
}
