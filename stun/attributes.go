package stun

import (
	"encoding/binary"
	"net"
)

// Attribute type registry. RFC 8489 §18.2 and RFC 8656 §18.
const (
	AttrMappedAddress     uint16 = 0x0001
	AttrUsername          uint16 = 0x0006
	AttrMessageIntegrity  uint16 = 0x0008
	AttrErrorCode         uint16 = 0x0009
	AttrUnknownAttributes uint16 = 0x000A
	AttrChannelNumber     uint16 = 0x000C
	AttrLifetime          uint16 = 0x000D
	AttrXorPeerAddress    uint16 = 0x0012
	AttrData              uint16 = 0x0013
	AttrRealm             uint16 = 0x0014
	AttrNonce             uint16 = 0x0015
	AttrXorRelayedAddress uint16 = 0x0016
	AttrRequestedTransport uint16 = 0x0019
	AttrDontFragment      uint16 = 0x001A
	AttrMessageIntegritySHA256 uint16 = 0x001C
	AttrPasswordAlgorithm uint16 = 0x001D
	AttrUserhash          uint16 = 0x001E
	AttrXorMappedAddress  uint16 = 0x0020
	AttrReservationToken  uint16 = 0x0022
	AttrPriority          uint16 = 0x0024
	AttrUseCandidate      uint16 = 0x0025
	AttrPasswordAlgorithms uint16 = 0x8002
	AttrAlternateDomain   uint16 = 0x8003
	AttrSoftware          uint16 = 0x8022
	AttrAlternateServer   uint16 = 0x8023
	AttrFingerprint       uint16 = 0x8028
	AttrIceControlled     uint16 = 0x8029
	AttrIceControlling    uint16 = 0x802A

	// RFC 8656 §18 re-defines EVEN-PORT using the same value as the
	// original TURN RFC 5766 assignment.
	AttrEvenPort uint16 = 0x0018
)

var attributeNames = map[uint16]string{
	AttrMappedAddress:          "MAPPED-ADDRESS",
	AttrUsername:               "USERNAME",
	AttrMessageIntegrity:       "MESSAGE-INTEGRITY",
	AttrErrorCode:              "ERROR-CODE",
	AttrUnknownAttributes:      "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:          "CHANNEL-NUMBER",
	AttrLifetime:               "LIFETIME",
	AttrXorPeerAddress:         "XOR-PEER-ADDRESS",
	AttrData:                   "DATA",
	AttrRealm:                  "REALM",
	AttrNonce:                  "NONCE",
	AttrXorRelayedAddress:      "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport:     "REQUESTED-TRANSPORT",
	AttrDontFragment:           "DONT-FRAGMENT",
	AttrMessageIntegritySHA256: "MESSAGE-INTEGRITY-SHA256",
	AttrPasswordAlgorithm:      "PASSWORD-ALGORITHM",
	AttrUserhash:               "USERHASH",
	AttrXorMappedAddress:       "XOR-MAPPED-ADDRESS",
	AttrReservationToken:       "RESERVATION-TOKEN",
	AttrPriority:               "PRIORITY",
	AttrUseCandidate:           "USE-CANDIDATE",
	AttrPasswordAlgorithms:     "PASSWORD-ALGORITHMS",
	AttrAlternateDomain:        "ALTERNATE-DOMAIN",
	AttrSoftware:               "SOFTWARE",
	AttrAlternateServer:        "ALTERNATE-SERVER",
	AttrFingerprint:            "FINGERPRINT",
	AttrIceControlled:          "ICE-CONTROLLED",
	AttrIceControlling:         "ICE-CONTROLLING",
	AttrEvenPort:               "EVEN-PORT",
}

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// encodeAddr encodes addr as a MAPPED-ADDRESS-family attribute value,
// optionally XORed per RFC 8489 §14.2 (used for XOR-MAPPED-ADDRESS,
// XOR-PEER-ADDRESS and XOR-RELAYED-ADDRESS alike).
func encodeAddr(ip net.IP, port int, tid [TransactionIDSize]byte, doXor bool) []byte {
	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = familyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(port))
		copy(value[4:8], ip4)
		if doXor {
			xorPort(value[2:4])
			xorBytes(value[4:8], magicCookieBytes[:])
		}
	} else {
		ip16 := ip.To16()
		value = make([]byte, 20)
		value[1] = familyIPv6
		binary.BigEndian.PutUint16(value[2:4], uint16(port))
		copy(value[4:20], ip16)
		if doXor {
			xorPort(value[2:4])
			xorBytes(value[4:8], magicCookieBytes[:])
			xorBytes(value[8:20], tid[:])
		}
	}
	return value
}

func xorPort(p []byte) {
	p[0] ^= magicCookieBytes[0]
	p[1] ^= magicCookieBytes[1]
}

func xorBytes(dst, xor []byte) {
	for i := range dst {
		dst[i] ^= xor[i]
	}
}

// decodeAddr is the inverse of encodeAddr.
func decodeAddr(value []byte, tid [TransactionIDSize]byte, doXor bool) (*net.UDPAddr, error) {
	if len(value) < 4 {
		return nil, ErrTruncatedAttribute
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])

	var ip net.IP
	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return nil, ErrTruncatedAttribute
		}
		raw := make([]byte, 4)
		copy(raw, value[4:8])
		if doXor {
			xorBytes(raw, magicCookieBytes[:])
		}
		ip = net.IP(raw)
	case familyIPv6:
		if len(value) < 20 {
			return nil, ErrTruncatedAttribute
		}
		raw := make([]byte, 16)
		copy(raw, value[4:20])
		if doXor {
			xorBytes(raw[0:4], magicCookieBytes[:])
			xorBytes(raw[4:16], tid[:])
		}
		ip = net.IP(raw)
	default:
		return nil, ErrMalformedHeader
	}

	if doXor {
		portBytes := []byte{byte(port >> 8), byte(port)}
		xorPort(portBytes)
		port = binary.BigEndian.Uint16(portBytes)
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// SetXorMappedAddress adds an XOR-MAPPED-ADDRESS attribute for addr.
func (msg *Message) SetXorMappedAddress(addr *net.UDPAddr) {
	msg.AddAttribute(AttrXorMappedAddress, encodeAddr(addr.IP, addr.Port, msg.TransactionID, true))
}

// GetXorMappedAddress returns the de-XORed XOR-MAPPED-ADDRESS, or nil.
func (msg *Message) GetXorMappedAddress() *net.UDPAddr {
	if a := msg.GetAttribute(AttrXorMappedAddress); a != nil {
		addr, err := decodeAddr(a.Value, msg.TransactionID, true)
		if err == nil {
			return addr
		}
	}
	return nil
}

// GetMappedAddress returns the (non-XORed) MAPPED-ADDRESS, or nil.
func (msg *Message) GetMappedAddress() *net.UDPAddr {
	if a := msg.GetAttribute(AttrMappedAddress); a != nil {
		addr, err := decodeAddr(a.Value, msg.TransactionID, false)
		if err == nil {
			return addr
		}
	}
	return nil
}

// SetXorPeerAddress adds an XOR-PEER-ADDRESS attribute (TURN).
func (msg *Message) SetXorPeerAddress(addr *net.UDPAddr) {
	msg.AddAttribute(AttrXorPeerAddress, encodeAddr(addr.IP, addr.Port, msg.TransactionID, true))
}

// GetXorPeerAddress returns the de-XORed XOR-PEER-ADDRESS, or nil.
func (msg *Message) GetXorPeerAddress() *net.UDPAddr {
	if a := msg.GetAttribute(AttrXorPeerAddress); a != nil {
		addr, err := decodeAddr(a.Value, msg.TransactionID, true)
		if err == nil {
			return addr
		}
	}
	return nil
}

// SetXorRelayedAddress adds an XOR-RELAYED-ADDRESS attribute (TURN).
func (msg *Message) SetXorRelayedAddress(addr *net.UDPAddr) {
	msg.AddAttribute(AttrXorRelayedAddress, encodeAddr(addr.IP, addr.Port, msg.TransactionID, true))
}

// GetXorRelayedAddress returns the de-XORed XOR-RELAYED-ADDRESS, or nil.
func (msg *Message) GetXorRelayedAddress() *net.UDPAddr {
	if a := msg.GetAttribute(AttrXorRelayedAddress); a != nil {
		addr, err := decodeAddr(a.Value, msg.TransactionID, true)
		if err == nil {
			return addr
		}
	}
	return nil
}

func (msg *Message) SetUsername(username string) {
	msg.AddAttribute(AttrUsername, []byte(username))
}

func (msg *Message) GetUsername() string {
	if a := msg.GetAttribute(AttrUsername); a != nil {
		return string(a.Value)
	}
	return ""
}

func (msg *Message) SetUserhash(hash [32]byte) {
	msg.AddAttribute(AttrUserhash, hash[:])
}

func (msg *Message) GetUserhash() ([32]byte, bool) {
	var h [32]byte
	a := msg.GetAttribute(AttrUserhash)
	if a == nil || len(a.Value) != 32 {
		return h, false
	}
	copy(h[:], a.Value)
	return h, true
}

func (msg *Message) SetRealm(realm string) {
	msg.AddAttribute(AttrRealm, []byte(realm))
}

func (msg *Message) GetRealm() string {
	if a := msg.GetAttribute(AttrRealm); a != nil {
		return string(a.Value)
	}
	return ""
}

func (msg *Message) SetNonce(nonce string) {
	msg.AddAttribute(AttrNonce, []byte(nonce))
}

func (msg *Message) GetNonce() string {
	if a := msg.GetAttribute(AttrNonce); a != nil {
		return string(a.Value)
	}
	return ""
}

// SetErrorCode adds an ERROR-CODE attribute. RFC 8489 §14.8: the class
// (3 bits) and number are packed so that code = class*100 + number.
func (msg *Message) SetErrorCode(code int, reason string) {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	msg.AddAttribute(AttrErrorCode, value)
}

// GetErrorCode returns the numeric error code and reason phrase, or
// (0, "", false) if absent.
func (msg *Message) GetErrorCode() (code int, reason string, ok bool) {
	a := msg.GetAttribute(AttrErrorCode)
	if a == nil || len(a.Value) < 4 {
		return 0, "", false
	}
	class := int(a.Value[2] & 0x07)
	number := int(a.Value[3])
	return class*100 + number, string(a.Value[4:]), true
}

func (msg *Message) SetPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	msg.AddAttribute(AttrPriority, v)
}

func (msg *Message) GetPriority() uint32 {
	if a := msg.GetAttribute(AttrPriority); a != nil && len(a.Value) == 4 {
		return binary.BigEndian.Uint32(a.Value)
	}
	return 0
}

func (msg *Message) SetUseCandidate() {
	msg.AddAttribute(AttrUseCandidate, nil)
}

func (msg *Message) HasUseCandidate() bool {
	return msg.GetAttribute(AttrUseCandidate) != nil
}

func (msg *Message) SetIceControlling(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.AddAttribute(AttrIceControlling, v)
}

func (msg *Message) SetIceControlled(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.AddAttribute(AttrIceControlled, v)
}

// GetIceControlling returns (tiebreaker, true) if ICE-CONTROLLING present.
func (msg *Message) GetIceControlling() (uint64, bool) {
	if a := msg.GetAttribute(AttrIceControlling); a != nil && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), true
	}
	return 0, false
}

// GetIceControlled returns (tiebreaker, true) if ICE-CONTROLLED present.
func (msg *Message) GetIceControlled() (uint64, bool) {
	if a := msg.GetAttribute(AttrIceControlled); a != nil && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), true
	}
	return 0, false
}

func (msg *Message) SetSoftware(s string) {
	msg.AddAttribute(AttrSoftware, []byte(s))
}

func (msg *Message) SetLifetime(seconds uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	msg.AddAttribute(AttrLifetime, v)
}

func (msg *Message) GetLifetime() (uint32, bool) {
	if a := msg.GetAttribute(AttrLifetime); a != nil && len(a.Value) == 4 {
		return binary.BigEndian.Uint32(a.Value), true
	}
	return 0, false
}

// SetRequestedTransport adds REQUESTED-TRANSPORT with protocol=UDP (17).
func (msg *Message) SetRequestedTransport() {
	msg.AddAttribute(AttrRequestedTransport, []byte{17, 0, 0, 0})
}

func (msg *Message) SetDontFragment() {
	msg.AddAttribute(AttrDontFragment, nil)
}

func (msg *Message) SetData(data []byte) {
	msg.AddAttribute(AttrData, data)
}

func (msg *Message) GetData() ([]byte, bool) {
	if a := msg.GetAttribute(AttrData); a != nil {
		return a.Value, true
	}
	return nil, false
}

// SetChannelNumber adds a CHANNEL-NUMBER attribute. The upper 16 bits are
// the channel number; the lower 16 are reserved (zero).
func (msg *Message) SetChannelNumber(n uint16) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], n)
	msg.AddAttribute(AttrChannelNumber, v)
}

func (msg *Message) GetChannelNumber() (uint16, bool) {
	if a := msg.GetAttribute(AttrChannelNumber); a != nil && len(a.Value) >= 2 {
		return binary.BigEndian.Uint16(a.Value[0:2]), true
	}
	return 0, false
}

// SetUnknownAttributes adds an UNKNOWN-ATTRIBUTES attribute listing the
// given attribute types, each as a big-endian 16-bit value.
func (msg *Message) SetUnknownAttributes(types []uint16) {
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:2*i+2], t)
	}
	msg.AddAttribute(AttrUnknownAttributes, v)
}

func (msg *Message) GetUnknownAttributes() []uint16 {
	a := msg.GetAttribute(AttrUnknownAttributes)
	if a == nil {
		return nil
	}
	n := len(a.Value) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(a.Value[2*i : 2*i+2])
	}
	return out
}

// PasswordAlgorithm identifies the hash used to derive a long-term
// credential key. RFC 8489 §14.12.
type PasswordAlgorithm uint16

const (
	PasswordAlgorithmMD5    PasswordAlgorithm = 0x0001
	PasswordAlgorithmSHA256 PasswordAlgorithm = 0x0002
)

// SetPasswordAlgorithms adds a server PASSWORD-ALGORITHMS attribute listing
// the algorithms it supports, in preference order.
func (msg *Message) SetPasswordAlgorithms(algs []PasswordAlgorithm) {
	v := make([]byte, 0, 4*len(algs))
	for _, alg := range algs {
		entry := make([]byte, 4)
		binary.BigEndian.PutUint16(entry[0:2], uint16(alg))
		// Parameters length left at zero: neither MD5 nor SHA-256 take any.
		v = append(v, entry...)
	}
	msg.AddAttribute(AttrPasswordAlgorithms, v)
}

func (msg *Message) GetPasswordAlgorithms() []PasswordAlgorithm {
	a := msg.GetAttribute(AttrPasswordAlgorithms)
	if a == nil {
		return nil
	}
	var out []PasswordAlgorithm
	for i := 0; i+4 <= len(a.Value); {
		alg := PasswordAlgorithm(binary.BigEndian.Uint16(a.Value[i : i+2]))
		paramLen := int(binary.BigEndian.Uint16(a.Value[i+2 : i+4]))
		out = append(out, alg)
		i += 4 + paramLen + pad4(paramLen)
	}
	return out
}

// SetPasswordAlgorithm adds a client PASSWORD-ALGORITHM attribute (the one
// chosen algorithm, echoed back on the authenticated request).
func (msg *Message) SetPasswordAlgorithm(alg PasswordAlgorithm) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], uint16(alg))
	msg.AddAttribute(AttrPasswordAlgorithm, v)
}

func (msg *Message) GetPasswordAlgorithm() (PasswordAlgorithm, bool) {
	if a := msg.GetAttribute(AttrPasswordAlgorithm); a != nil && len(a.Value) >= 2 {
		return PasswordAlgorithm(binary.BigEndian.Uint16(a.Value[0:2])), true
	}
	return 0, false
}

func (msg *Message) GetAlternateServer() *net.UDPAddr {
	if a := msg.GetAttribute(AttrAlternateServer); a != nil {
		addr, err := decodeAddr(a.Value, msg.TransactionID, false)
		if err == nil {
			return addr
		}
	}
	return nil
}
