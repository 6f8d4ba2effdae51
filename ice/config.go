package ice

// Role is an agent's ICE role, per RFC 8445 §4.
type Role int

const (
	RoleUnknown Role = iota
	RoleControlling
	RoleControlled
)

func (r Role) String() string {
	switch r {
	case RoleControlling:
		return "controlling"
	case RoleControlled:
		return "controlled"
	default:
		return "unknown"
	}
}

func (r Role) opposite() Role {
	if r == RoleControlling {
		return RoleControlled
	}
	return RoleControlling
}

// State is the agent's coarse connectivity state.
type State int

const (
	Disconnected State = iota
	Gathering
	Connecting
	Connected
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Gathering:
		return "gathering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "state"
	}
}

// TURNServerConfig names one TURN server and the long-term credential used
// to authenticate the Allocate that is retried after the server's 401
// challenge (the first Allocate is sent unauthenticated;
// REALM/NONCE/PASSWORD-ALGORITHM are adopted from the challenge).
type TURNServerConfig struct {
	Server   string // host:port
	Username string
	Password string
}

// Config configures a new Agent. It is deep-copied by NewAgent, so the
// caller is free to mutate or discard the struct it passed in immediately
// afterward.
type Config struct {
	// LocalUfrag/LocalPwd are this agent's ICE credentials. If empty,
	// NewAgent generates them.
	LocalUfrag string
	LocalPwd   string

	// STUNServers are host:port addresses queried for server-reflexive
	// candidates, bounded to MaxServerEntriesCount.
	STUNServers []string

	// TURNServers are queried for relayed candidates, bounded to
	// MaxRelayEntriesCount.
	TURNServers []TURNServerConfig

	// PortMin/PortMax bound the local port the agent's socket binds to,
	// if both are non-zero.
	PortMin, PortMax int

	// EnableIPv6 allows IPv6 host candidates to be gathered.
	EnableIPv6 bool

	// IncludeLoopback gathers host candidates on loopback interfaces as
	// well. Off by default; useful for same-machine testing.
	IncludeLoopback bool

	// RewriteLoopback redirects a destination whose IP equals one of the
	// local host candidates' IPs (any port) to loopback before sending, so same-machine
	// agents work despite routers that drop hairpinned traffic.
	RewriteLoopback bool

	// InitialRole hints the starting role; if both agents started with
	// the same hint, the tiebreakers resolve the first role conflict.
	// Most callers leave this RoleUnknown and let the first incoming
	// check decide.
	InitialRole Role

	// Callbacks, all optional.
	OnStateChange   func(State)
	OnCandidate     func(Candidate)
	OnGatheringDone func()
	OnData          func([]byte)
}

func (c Config) clone() Config {
	cp := c
	cp.STUNServers = append([]string(nil), c.STUNServers...)
	cp.TURNServers = append([]TURNServerConfig(nil), c.TURNServers...)
	return cp
}
