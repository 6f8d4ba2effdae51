package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies how a candidate's transport address was discovered, per
// RFC 8445 §5.1.1.
type Kind int

const (
	Host Kind = iota
	ServerReflexive
	PeerReflexive
	Relayed
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relayed:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "host":
		return Host, true
	case "srflx":
		return ServerReflexive, true
	case "prflx":
		return PeerReflexive, true
	case "relay":
		return Relayed, true
	default:
		return 0, false
	}
}

// typePreference is the kind-dependent component of RFC 8445 §5.1.2's
// priority formula.
func (k Kind) typePreference() uint32 {
	switch k {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		return 0
	}
}

// Candidate is a potential local or remote transport address for the
// single component this agent handles.
type Candidate struct {
	Kind       Kind
	Component  int // always 1
	Foundation string
	Transport  string // "udp"
	Priority   uint32

	// Address is the resolved transport address. For host candidates it
	// is the listening base; for server-reflexive/peer-reflexive it is
	// the mapped address observed by a STUN server or peer; for relayed
	// candidates it is the TURN-allocated relayed transport address.
	Address AddressRecord

	// Base is the local base this candidate was derived from (its own
	// address for host candidates). Used by pruning/foundation logic.
	Base AddressRecord

	// Host and Service are the textual address/port as they would
	// appear (or did appear) on an SDP candidate line. Kept alongside
	// Address so a remote candidate that could only be resolved
	// asynchronously (not implemented here, but left as a documented
	// extension point) can still echo its original text.
	Host    string
	Service string
}

// ErrIgnoredCandidate is returned by ParseCandidateSDP for syntactically
// valid candidate lines that this agent does not model: non-UDP
// transport, or component other than 1.
var ErrIgnoredCandidate = errors.New("ice: candidate ignored (not udp/component 1)")

// NewHostCandidate builds a host candidate whose base is its own address.
func NewHostCandidate(addr AddressRecord) Candidate {
	return Candidate{
		Kind:       Host,
		Component:  1,
		Transport:  "udp",
		Priority:   computePriority(Host, addr.IP, 1),
		Foundation: computeFoundation(Host, addr, ""),
		Address:    addr,
		Base:       addr,
		Host:       addr.IP.String(),
		Service:    strconv.Itoa(addr.Port),
	}
}

// NewServerReflexiveCandidate builds a srflx candidate learned from a STUN
// Binding response on base, naming the server that produced it (folded
// into the foundation per RFC 8445 §5.1.1.3).
func NewServerReflexiveCandidate(mapped, base AddressRecord, server string) Candidate {
	return Candidate{
		Kind:       ServerReflexive,
		Component:  1,
		Transport:  "udp",
		Priority:   computePriority(ServerReflexive, base.IP, 1),
		Foundation: computeFoundation(ServerReflexive, base, server),
		Address:    mapped,
		Base:       base,
		Host:       mapped.IP.String(),
		Service:    strconv.Itoa(mapped.Port),
	}
}

// NewRelayedCandidate builds a relay candidate from a TURN
// XOR-RELAYED-ADDRESS, naming the TURN server in its foundation.
func NewRelayedCandidate(relayed AddressRecord, server string) Candidate {
	return Candidate{
		Kind:       Relayed,
		Component:  1,
		Transport:  "udp",
		Priority:   computePriority(Relayed, relayed.IP, 1),
		Foundation: computeFoundation(Relayed, relayed, server),
		Address:    relayed,
		Base:       relayed,
		Host:       relayed.IP.String(),
		Service:    strconv.Itoa(relayed.Port),
	}
}

// NewPeerReflexiveCandidate builds a prflx candidate discovered either from
// an unsolicited Binding Request's source address (remote side) or from a
// response's MAPPED-ADDRESS not matching a known local candidate (local
// side). priority is taken verbatim from the PRIORITY attribute that
// revealed it, per RFC 8445 §7.3.1.3/§7.2.5.2.1.
func NewPeerReflexiveCandidate(addr, base AddressRecord, priority uint32) Candidate {
	return Candidate{
		Kind:       PeerReflexive,
		Component:  1,
		Transport:  "udp",
		Priority:   priority,
		Foundation: computeFoundation(PeerReflexive, addr, ""),
		Address:    addr,
		Base:       base,
		Host:       addr.IP.String(),
		Service:    strconv.Itoa(addr.Port),
	}
}

// localPreference favors IPv6 over IPv4, per RFC 8445 §5.1.2.1's guidance
// for a single-homed dual-stack host.
func localPreference(ip net.IP) uint32 {
	if ip.To4() == nil {
		return 65535
	}
	return 65535 - 1
}

// computePriority implements RFC 8445 §5.1.2's formula:
//
//	priority = (2^24)*type-pref + (2^8)*local-pref + (2^0)*(256 - component)
func computePriority(k Kind, baseIP net.IP, component int) uint32 {
	typePref := k.typePreference()
	localPref := localPreference(baseIP)
	return (typePref << 24) + (localPref << 8) + uint32(256-component)
}

// PeerReflexivePriority returns the priority this candidate would carry
// if it were advertised as peer-reflexive, for use in the PRIORITY
// attribute of outgoing connectivity checks (RFC 8445 §7.2.4).
func (c *Candidate) PeerReflexivePriority() uint32 {
	return computePriority(PeerReflexive, c.Base.IP, c.Component)
}

// computeFoundation groups candidates sharing kind and base: it hashes
// the kind tag, the base address and, for reflexive/relayed candidates,
// the originating server, truncated to fit comfortably within the
// 32-character foundation limit of RFC 8445 §5.3.
func computeFoundation(k Kind, base AddressRecord, server string) string {
	fingerprint := fmt.Sprintf("%s/udp/%s", k, base.IP)
	if server != "" {
		fingerprint += "/" + server
	}
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h.Sum(nil))[:8]
}

func (c Candidate) String() string {
	return c.SDPString()
}

// SDPString renders the candidate as an SDP "a=candidate:" attribute
// value (without the "a=candidate:" prefix), per RFC 8839 §5.1.
func (c Candidate) SDPString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d UDP %d %s %s typ %s",
		c.Foundation, c.Component, c.Priority, c.Host, c.Service, c.Kind)
	if c.Kind != Host {
		fmt.Fprintf(&b, " raddr %s rport %d", c.Base.IP, c.Base.Port)
	}
	return b.String()
}

// ParseCandidateSDP parses an "a=candidate:" line body (everything after
// the "candidate:" token). Non-UDP or non-component-1 candidates yield
// ErrIgnoredCandidate.
func ParseCandidateSDP(line string) (Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=candidate:")
	line = strings.TrimPrefix(line, "candidate:")

	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Candidate{}, errors.New("ice: malformed candidate line: " + line)
	}

	foundation := fields[0]
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, errors.Wrap(err, "ice: malformed candidate component")
	}
	transport := fields[2]
	priority64, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, errors.Wrap(err, "ice: malformed candidate priority")
	}
	host := fields[4]
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, errors.Wrap(err, "ice: malformed candidate port")
	}
	if fields[6] != "typ" {
		return Candidate{}, errors.New("ice: malformed candidate line (missing typ): " + line)
	}
	kind, ok := parseKind(fields[7])
	if !ok {
		return Candidate{}, errors.New("ice: unknown candidate type: " + fields[7])
	}

	if !strings.EqualFold(transport, "udp") || component != 1 {
		return Candidate{}, ErrIgnoredCandidate
	}

	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return Candidate{}, errors.Wrapf(err, "ice: resolving candidate host %q", host)
		}
		ip = resolved.IP
	}
	addr := addressRecordFromIP(ip, port)

	c := Candidate{
		Kind:       kind,
		Component:  component,
		Foundation: foundation,
		Transport:  "udp",
		Priority:   uint32(priority64),
		Address:    addr,
		Base:       addr,
		Host:       host,
		Service:    fields[5],
	}

	// Optional raddr/rport trailing attributes refine Base for
	// reflexive/relayed candidates; host candidates have no raddr.
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			rip := net.ParseIP(fields[i+1])
			if rip != nil {
				c.Base.IP = rip
				c.Base.Family = addressRecordFromIP(rip, 0).Family
			}
		case "rport":
			if rport, err := strconv.Atoi(fields[i+1]); err == nil {
				c.Base.Port = rport
			}
		}
	}

	return c, nil
}
