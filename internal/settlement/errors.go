package settlement

import "errors"

var (
	// ErrNotConfigured means no merchant identity is configured at all; the
	// engine answers every initiation with this instead of attempting a
	// gateway call.
	ErrNotConfigured = errors.New("settlement: no merchant identity configured")

	// ErrModeNotConfigured means the requested mode has no credential pair.
	ErrModeNotConfigured = errors.New("settlement: requested mode is not configured")

	// ErrInvalidPhone rejects a phone number before any network call.
	ErrInvalidPhone = errors.New("settlement: phone number must be a 254-prefixed 12-digit number")

	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errors.New("settlement: amount must be greater than zero")

	// ErrRecordNotFound means no payment record matches the lookup key.
	ErrRecordNotFound = errors.New("settlement: payment record not found")

	// ErrStillPending is the reconciliation outcome for "user has not yet
	// confirmed or cancelled on the device". Deliberately not terminal; the
	// caller should poll again later.
	ErrStillPending = errors.New("settlement: payment still awaiting confirmation on device")
)
