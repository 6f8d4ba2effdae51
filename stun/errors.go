package stun

import "github.com/pkg/errors"

// Typed codec errors. These are deliberately coarse: the caller's job on
// any of them is "drop the datagram, log, continue", except for a bad
// FINGERPRINT, which also means the datagram must not be treated as a
// STUN message at all.
var (
	ErrMalformedHeader         = errors.New("stun: malformed message header")
	ErrTruncatedAttribute      = errors.New("stun: truncated attribute")
	ErrUnknownRequiredAttribute = errors.New("stun: unknown comprehension-required attribute")
	ErrBadFingerprint          = errors.New("stun: fingerprint mismatch")

	// ErrInternalValidationFailed is a pseudo error-code value, never sent
	// on the wire, produced when a response fails local MESSAGE-INTEGRITY
	// verification. It exists so callers can mark the owning transaction
	// failed without logging it as a protocol-level ERROR-CODE response.
	ErrInternalValidationFailed = errors.New("stun: internal validation failed (bad message integrity)")
)
