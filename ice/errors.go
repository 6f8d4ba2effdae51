package ice

import "github.com/pkg/errors"

// Sentinel errors surfaced by the public API, distinguished from the
// internal, locally-recovered protocol errors (role conflict, bad
// integrity, transaction exhaustion, ...) which are handled entirely
// inside the event loop and never returned to callers.
var (
	// ErrNotConnected is returned by Send when invoked before any check
	// has succeeded and a pair has been selected.
	ErrNotConnected = errors.New("ice: agent not connected")

	// ErrGatheringInProgress is returned by GatherCandidates on any call
	// after the first one has bound the agent's socket, whether or not
	// that gathering has finished.
	ErrGatheringInProgress = errors.New("ice: candidate gathering already in progress")

	// ErrClosed is returned by SetRemoteDescription and
	// AddRemoteCandidate when called after Close.
	ErrClosed = errors.New("ice: agent closed")

	// ErrTooManyEntries is returned when gathering would need to
	// register more STUN/TURN server entries than MaxServerEntriesCount
	// / MaxRelayEntriesCount allow.
	ErrTooManyEntries = errors.New("ice: too many server/relay entries configured")
)
