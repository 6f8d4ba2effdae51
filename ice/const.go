package ice

import "time"

// Protocol timers. All durations are expressed as time.Duration.
const (
	// StunKeepalivePeriod is how often a succeeded check entry that is
	// not the selected pair emits a keepalive Binding Indication. Relay
	// entries are refreshed on TurnRefreshPeriod instead.
	StunKeepalivePeriod = 15 * time.Second

	// StunPacingTime is the minimum spacing between the first
	// transmission of two distinct entries (Ta in RFC 8445 terms).
	StunPacingTime = 50 * time.Millisecond

	// PermissionLifetime is how long a TURN permission remains valid
	// after CreatePermission succeeds; refreshed at half this value.
	PermissionLifetime = 300 * time.Second

	// BindLifetime is how long a TURN channel binding remains valid
	// after ChannelBind succeeds; refreshed at half this value.
	BindLifetime = 600 * time.Second

	// TurnLifetime is the LIFETIME requested on TURN Allocate/Refresh.
	TurnLifetime = 600 * time.Second

	// TurnRefreshPeriod is how long after an allocation (or a refresh)
	// the agent sends the next Refresh.
	TurnRefreshPeriod = TurnLifetime / 2

	// IceFailTimeout is how long the agent waits, after every
	// connectivity check has ended without a succeeded pair, before
	// declaring the session failed.
	IceFailTimeout = 30 * time.Second

	// MinStunRetransmissionTimeout is the initial RTO for a STUN
	// transaction.
	MinStunRetransmissionTimeout = 500 * time.Millisecond

	// MaxStunRetransmissionCount is the number of retransmissions
	// attempted (in addition to the original transmission) before an
	// entry is abandoned.
	MaxStunRetransmissionCount = 7

	// maxStunRetransmissionTimeout bounds the exponential backoff of the
	// per-transaction RTO so a late attempt cannot schedule multi-minute
	// waits.
	maxStunRetransmissionTimeout = 8 * time.Second

	// bookkeepingCeiling upper-bounds how long the event loop will block
	// in a single socket read, so that a pass always happens at least
	// this often even with nothing scheduled.
	bookkeepingCeiling = 10 * time.Second
)

// Capacity bounds. Structures are never grown past these; excess
// candidates are dropped silently, excess pairs with a warning.
const (
	MaxHostCandidatesCount          = 8
	MaxPeerReflexiveCandidatesCount = 8
	MaxCandidatesCount              = 32
	MaxCandidatePairsCount          = 64
	MaxStunEntriesCount             = 72
	MaxServerEntriesCount           = 2
	MaxRelayEntriesCount            = 2
	maxUsernameLen                  = 513
)

// maxDatagramSize is the read buffer size for the agent's UDP socket; 1500
// covers the common-case Ethernet MTU.
const maxDatagramSize = 1500

// softwareName is the SOFTWARE attribute value sent on server-facing
// requests.
const softwareName = "goice"
