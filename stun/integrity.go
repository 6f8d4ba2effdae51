package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"hash"
)

// IntegrityAlgorithm selects which MESSAGE-INTEGRITY variant(s) a message
// carries.
type IntegrityAlgorithm int

const (
	// IntegritySHA1 adds only MESSAGE-INTEGRITY (RFC 5389 HMAC-SHA1), used
	// for ICE connectivity checks with short-term credentials.
	IntegritySHA1 IntegrityAlgorithm = iota
	// IntegritySHA256 adds only MESSAGE-INTEGRITY-SHA256.
	IntegritySHA256
	// IntegrityBoth adds both, in that order, per RFC 8489 §14.6: a client
	// unsure whether the server supports SHA-256 sends both.
	IntegrityBoth
)

// CredentialType selects short-term (ICE connectivity checks) vs long-term
// (TURN, and servers that challenge with a REALM/NONCE) key derivation.
type CredentialType int

const (
	ShortTermCredential CredentialType = iota
	LongTermCredential
)

// SASLPrep normalizes a username or password per RFC 8265, before it is
// used as an HMAC key or hashed into a long-term credential. The codec
// treats this as an external collaborator contract (RFC 8265/SASLprep is
// out of this package's scope) and defaults to the identity function,
// which is correct for the ASCII and already-NFC-normalized UTF-8 strings
// this package's callers use in practice. Replace this var to plug in a
// real SASLprep implementation.
var SASLPrep = func(s string) (string, error) { return s, nil }

// Credentials bundles the information needed to compute or verify message
// integrity for either credential type.
type Credentials struct {
	Type     CredentialType
	Username string
	Realm    string // long-term only
	Password string
}

func (c Credentials) key(alg IntegrityAlgorithm) ([]byte, error) {
	p, err := SASLPrep(c.Password)
	if err != nil {
		return nil, err
	}
	if c.Type == ShortTermCredential {
		return []byte(p), nil
	}

	u, err := SASLPrep(c.Username)
	if err != nil {
		return nil, err
	}
	if alg == IntegritySHA256 {
		h := sha256.New()
		h.Write([]byte(u + ":" + c.Realm + ":" + p))
		return h.Sum(nil), nil
	}
	h := md5.New()
	h.Write([]byte(u + ":" + c.Realm + ":" + p))
	return h.Sum(nil), nil
}

// Userhash computes the USERHASH attribute value for a long-term
// credential: SHA-256(SASLprep(username) ":" realm), per RFC 8489 §14.10.
func Userhash(username, realm string) ([32]byte, error) {
	var out [32]byte
	u, err := SASLPrep(username)
	if err != nil {
		return out, err
	}
	h := sha256.Sum256([]byte(u + ":" + realm))
	return h, nil
}

// AddMessageIntegrity appends MESSAGE-INTEGRITY and/or
// MESSAGE-INTEGRITY-SHA256 per alg, using the "dummy length" trick: the
// attribute is added first with a zeroed value (so it is included in the
// message's length field for the purposes of computing the HMAC), then the
// HMAC is computed over the serialized message up to the start of this
// attribute, and patched in.
func (msg *Message) AddMessageIntegrity(cred Credentials, alg IntegrityAlgorithm) error {
	if alg == IntegritySHA1 || alg == IntegrityBoth {
		if err := msg.addIntegrity(cred, AttrMessageIntegrity, sha1.Size, sha1.New, IntegritySHA1); err != nil {
			return err
		}
	}
	if alg == IntegritySHA256 || alg == IntegrityBoth {
		if err := msg.addIntegrity(cred, AttrMessageIntegritySHA256, sha256.Size, sha256.New, IntegritySHA256); err != nil {
			return err
		}
	}
	return nil
}

func (msg *Message) addIntegrity(cred Credentials, attrType uint16, size int, newHash func() hash.Hash, alg IntegrityAlgorithm) error {
	key, err := cred.key(alg)
	if err != nil {
		return err
	}
	attr := msg.AddAttribute(attrType, make([]byte, size))
	prefix := marshalRaw(msg)
	beforeAttr := len(prefix) - attr.numBytes()

	mac := hmac.New(newHash, key)
	mac.Write(prefix[:beforeAttr])
	copy(attr.Value, mac.Sum(nil))
	return nil
}

// CheckIntegrity recomputes HMAC over buf truncated to just before the
// integrity attribute (with the length header rewritten to reflect that
// truncation) and compares it in constant time against the attribute
// present in msg. It returns false if no integrity attribute is present.
//
// When both MESSAGE-INTEGRITY and MESSAGE-INTEGRITY-SHA256 are present,
// SHA-256 is preferred, per RFC 8489 §14.6.
func CheckIntegrity(buf []byte, msg *Message, cred Credentials) bool {
	if a := msg.GetAttribute(AttrMessageIntegritySHA256); a != nil {
		return checkOne(buf, cred, AttrMessageIntegritySHA256, a, sha256.Size, sha256.New, IntegritySHA256)
	}
	if a := msg.GetAttribute(AttrMessageIntegrity); a != nil {
		return checkOne(buf, cred, AttrMessageIntegrity, a, sha1.Size, sha1.New, IntegritySHA1)
	}
	return false
}

func checkOne(buf []byte, cred Credentials, attrType uint16, a *RawAttribute, size int, newHash func() hash.Hash, alg IntegrityAlgorithm) bool {
	n := len(a.Value)
	if attrType == AttrMessageIntegritySHA256 {
		// RFC 8489 §14.6 allows the SHA-256 HMAC to be truncated in
		// 4-byte steps down to 16 bytes; compare whatever length the
		// message carries.
		if n < 16 || n > size || n%4 != 0 {
			return false
		}
	} else if n != size {
		return false
	}

	off := attributeOffset(buf, attrType)
	if off < 0 || off < headerSize {
		return false
	}

	// Rebuild the prefix with the length header rewritten as if the
	// message ended right after this attribute, i.e. as the sender saw it
	// when computing the original HMAC.
	prefix := make([]byte, off)
	copy(prefix, buf[:off])
	truncatedLength := uint16(off + 4 + n - headerSize)
	binary.BigEndian.PutUint16(prefix[2:4], truncatedLength)

	key, err := cred.key(alg)
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, key)
	mac.Write(prefix)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(expected[:n], a.Value) == 1
}

// attributeOffset scans the raw wire buffer for the byte offset at which
// the attribute of type t begins (its type/length header), or -1.
func attributeOffset(buf []byte, t uint16) int {
	off := headerSize
	for off+4 <= len(buf) {
		typ := binary.BigEndian.Uint16(buf[off : off+2])
		length := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		if typ == t {
			return off
		}
		off += 4 + length + pad4(length)
	}
	return -1
}
