package ice

import (
	"net"
	"testing"
)

func v4(a, b, c, d byte, port int) AddressRecord {
	return addressRecordFromIP(net.IPv4(a, b, c, d), port)
}

func TestComputePriority(t *testing.T) {
	ip4 := net.IPv4(192, 168, 1, 10)
	ip6 := net.ParseIP("2001:db8::1")

	// type-pref 126, local-pref 65534 (IPv4), component 1.
	if got := computePriority(Host, ip4, 1); got != 126<<24|65534<<8|255 {
		t.Errorf("host IPv4 priority = %d", got)
	}
	// IPv6 gets the higher local preference.
	if computePriority(Host, ip6, 1) <= computePriority(Host, ip4, 1) {
		t.Error("IPv6 host priority should exceed IPv4")
	}
	// Kind ordering: host > prflx > srflx > relay.
	ks := []Kind{Host, PeerReflexive, ServerReflexive, Relayed}
	for i := 1; i < len(ks); i++ {
		if computePriority(ks[i-1], ip4, 1) <= computePriority(ks[i], ip4, 1) {
			t.Errorf("%s priority should exceed %s", ks[i-1], ks[i])
		}
	}
}

func TestFoundationGroupsByKindAndBase(t *testing.T) {
	base := v4(192, 168, 1, 10, 4000)
	otherBase := v4(192, 168, 1, 11, 4000)

	a := NewHostCandidate(base)
	b := NewHostCandidate(AddressRecord{Family: 4, IP: base.IP, Port: 5000})
	if a.Foundation != b.Foundation {
		t.Error("host candidates on the same base IP should share a foundation")
	}

	c := NewHostCandidate(otherBase)
	if a.Foundation == c.Foundation {
		t.Error("different bases should not share a foundation")
	}

	d := NewServerReflexiveCandidate(v4(203, 0, 113, 5, 6000), base, "stun.example.org:3478")
	if a.Foundation == d.Foundation {
		t.Error("different kinds should not share a foundation")
	}
	if len(d.Foundation) > 32 {
		t.Errorf("foundation %q exceeds 32 characters", d.Foundation)
	}
}

func TestParseCandidateSDP(t *testing.T) {
	line := "candidate:abcd1234 1 UDP 2130706175 192.168.1.10 4000 typ host"
	c, err := ParseCandidateSDP(line)
	if err != nil {
		t.Fatalf("ParseCandidateSDP: %s", err)
	}
	if c.Kind != Host || c.Component != 1 || c.Priority != 2130706175 {
		t.Errorf("parsed candidate = %+v", c)
	}
	if !c.Address.Equal(v4(192, 168, 1, 10, 4000)) {
		t.Errorf("parsed address = %s", c.Address)
	}

	// An a= prefix is tolerated.
	if _, err := ParseCandidateSDP("a=" + line); err != nil {
		t.Errorf("a= prefixed line rejected: %s", err)
	}

	// srflx with raddr/rport.
	c, err = ParseCandidateSDP("candidate:x 1 UDP 1694498815 203.0.113.5 6000 typ srflx raddr 192.168.1.10 rport 4000")
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != ServerReflexive || !c.Base.Equal(v4(192, 168, 1, 10, 4000)) {
		t.Errorf("srflx candidate = %+v", c)
	}
}

func TestParseCandidateSDPIgnored(t *testing.T) {
	for _, line := range []string{
		"candidate:x 1 TCP 2130706175 192.168.1.10 4000 typ host",
		"candidate:x 2 UDP 2130706175 192.168.1.10 4001 typ host",
	} {
		if _, err := ParseCandidateSDP(line); err != ErrIgnoredCandidate {
			t.Errorf("ParseCandidateSDP(%q) error = %v, want ErrIgnoredCandidate", line, err)
		}
	}

	if _, err := ParseCandidateSDP("candidate:x 1 UDP nope 192.168.1.10 4000 typ host"); err == nil || err == ErrIgnoredCandidate {
		t.Error("malformed priority accepted")
	}
}

func TestCandidateSDPRoundTrip(t *testing.T) {
	orig := NewHostCandidate(v4(192, 168, 1, 10, 4000))
	parsed, err := ParseCandidateSDP(orig.SDPString())
	if err != nil {
		t.Fatalf("SDP round trip: %s", err)
	}
	if parsed.Kind != orig.Kind || parsed.Priority != orig.Priority || !parsed.Address.Equal(orig.Address) {
		t.Errorf("round trip mismatch: %+v vs %+v", parsed, orig)
	}
}

func TestDescriptionAddCandidateDedupAndBounds(t *testing.T) {
	var d Description

	c := NewHostCandidate(v4(192, 168, 1, 10, 4000))
	if _, ok := d.AddCandidate(c); !ok {
		t.Fatal("first add rejected")
	}
	if _, ok := d.AddCandidate(c); ok {
		t.Fatal("duplicate add accepted")
	}

	for i := 0; i < 2*MaxHostCandidatesCount; i++ {
		d.AddCandidate(NewHostCandidate(v4(10, 0, byte(i+1), 1, 4000)))
	}
	if n := d.countKind(Host); n > MaxHostCandidatesCount {
		t.Errorf("host candidates = %d, cap is %d", n, MaxHostCandidatesCount)
	}

	for i := 0; i < 2*MaxPeerReflexiveCandidatesCount; i++ {
		d.AddCandidate(NewPeerReflexiveCandidate(v4(172, 16, byte(i+1), 1, 5000), v4(10, 0, 0, 1, 4000), 100))
	}
	if n := d.countKind(PeerReflexive); n > MaxPeerReflexiveCandidatesCount {
		t.Errorf("prflx candidates = %d, cap is %d", n, MaxPeerReflexiveCandidatesCount)
	}
	if len(d.Candidates) > MaxCandidatesCount {
		t.Errorf("total candidates = %d, cap is %d", len(d.Candidates), MaxCandidatesCount)
	}

	// Candidates stay sorted by decreasing priority.
	for i := 1; i < len(d.Candidates); i++ {
		if d.Candidates[i-1].Priority < d.Candidates[i].Priority {
			t.Fatal("candidates not sorted by decreasing priority")
		}
	}
}
