// Package stun implements the STUN message format defined by RFC 8489
// (obsoleting RFC 5389), including the TURN extension attributes defined
// by RFC 8656.
//
// It only implements the wire codec: header framing, attribute encoding,
// MESSAGE-INTEGRITY / MESSAGE-INTEGRITY-SHA256 and FINGERPRINT. Building
// the right set of attributes for a particular request/response and
// driving retransmissions is the caller's job (see package ice and
// package turn).
package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/lanikai/goice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stun")

// Class is the 2-bit STUN message class.
type Class uint16

const (
	Request         Class = 0x0
	Indication      Class = 0x1
	SuccessResponse Class = 0x2
	ErrorResponse   Class = 0x3
)

func (c Class) String() string {
	switch c {
	case Request:
		return "request"
	case Indication:
		return "indication"
	case SuccessResponse:
		return "success response"
	case ErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(%#x)", uint16(c))
	}
}

// Method is the 12-bit STUN message method.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("method(%#x)", uint16(m))
	}
}

// TransactionIDSize is the length, in bytes, of a STUN transaction ID.
const TransactionIDSize = 12

const headerSize = 20

const magicCookie uint32 = 0x2112A442

var magicCookieBytes = [4]byte{0x21, 0x12, 0xa4, 0x42}

// NewTransactionID returns a fresh, cryptographically random transaction ID.
func NewTransactionID() [TransactionIDSize]byte {
	var id [TransactionIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on the standard reader never fails in practice;
		// treat failure as fatal misconfiguration rather than silently
		// handing out a zero transaction ID.
		panic("stun: failed to generate transaction id: " + err.Error())
	}
	return id
}

// Message is a parsed or to-be-serialized STUN message.
type Message struct {
	Class         Class
	Method        Method
	TransactionID [TransactionIDSize]byte
	Attributes    []RawAttribute

	// HasIntegrity reports whether the message carried a MESSAGE-INTEGRITY
	// or MESSAGE-INTEGRITY-SHA256 attribute when parsed by Read. It is set
	// regardless of whether CheckIntegrity later validates it, so callers
	// can distinguish "no integrity attribute" from "integrity check
	// failed".
	HasIntegrity bool

	// HasFingerprint reports whether the message carried a (validated)
	// FINGERPRINT attribute.
	HasFingerprint bool
}

// RawAttribute is a type/value pair as it appears on the wire, before
// attribute-specific interpretation.
type RawAttribute struct {
	Type   uint16
	Value  []byte
}

func (a RawAttribute) numBytes() int {
	return 4 + len(a.Value) + pad4(len(a.Value))
}

// pad4 returns the number of padding bytes needed to round n up to a
// multiple of 4.
func pad4(n int) int {
	return -n & 3
}

var zeroPad [4]byte

// NewMessage creates an empty message of the given class and method, with
// a fresh random transaction ID.
func NewMessage(class Class, method Method) *Message {
	return &Message{
		Class:         class,
		Method:        method,
		TransactionID: NewTransactionID(),
	}
}

// NewMessageWithTransactionID creates an empty message reusing an existing
// transaction ID (e.g. a retransmission, or a response to a given request).
func NewMessageWithTransactionID(class Class, method Method, tid [TransactionIDSize]byte) *Message {
	return &Message{
		Class:         class,
		Method:        method,
		TransactionID: tid,
	}
}

func (msg *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", msg.Method, msg.Class)
	fmt.Fprintf(&b, " tid=%s", hex.EncodeToString(msg.TransactionID[:]))
	for _, a := range msg.Attributes {
		if name, ok := attributeNames[a.Type]; ok {
			fmt.Fprintf(&b, " %s", name)
		} else if a.Type < 0x8000 {
			fmt.Fprintf(&b, " unknown-required(%#04x)", a.Type)
		}
	}
	return b.String()
}

// AddAttribute appends a raw attribute and returns it so its Value can be
// patched in place (used by the integrity/fingerprint "dummy length"
// trick).
func (msg *Message) AddAttribute(t uint16, v []byte) *RawAttribute {
	value := make([]byte, len(v))
	copy(value, v)
	msg.Attributes = append(msg.Attributes, RawAttribute{Type: t, Value: value})
	return &msg.Attributes[len(msg.Attributes)-1]
}

// GetAttribute returns the first attribute of the given type, or nil.
func (msg *Message) GetAttribute(t uint16) *RawAttribute {
	for i := range msg.Attributes {
		if msg.Attributes[i].Type == t {
			return &msg.Attributes[i]
		}
	}
	return nil
}

// length computes the STUN header length field: the number of bytes of
// attributes (with padding), not including the 20-byte header.
func (msg *Message) length() uint16 {
	n := 0
	for _, a := range msg.Attributes {
		n += a.numBytes()
	}
	return uint16(n)
}

// messageType packs class and method into the 16-bit STUN message type
// field. See RFC 8489 Figure 3.
func messageType(class Class, method Method) uint16 {
	c := uint16(class)
	m := uint16(method)
	t := (c<<7)&0x0100 | (c<<4)&0x0010
	t |= (m<<2)&0x3e00 | (m<<1)&0x00e0 | (m & 0x000f)
	return t
}

func decomposeMessageType(t uint16) (Class, Method) {
	class := (t&0x0100)>>7 | (t&0x0010)>>4
	method := (t&0x3e00)>>2 | (t&0x00e0)>>1 | (t & 0x000f)
	return Class(class), Method(method)
}

// IsMessage reports whether buf looks like the start of a STUN message:
// length at least the header size, top two bits of the message type 00,
// and the magic cookie present. It does not validate FINGERPRINT.
func IsMessage(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	if binary.BigEndian.Uint16(buf[0:2])>>14 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(buf[4:8]) == magicCookie
}

// writeHeader writes the 20-byte header, with length as the message
// length field.
func writeHeader(buf []byte, msg *Message, length uint16) {
	binary.BigEndian.PutUint16(buf[0:2], messageType(msg.Class, msg.Method))
	binary.BigEndian.PutUint16(buf[2:4], length)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], msg.TransactionID[:])
}

// marshalRaw serializes the message with its attributes exactly as they
// stand, without adding integrity or fingerprint. Used internally to
// compute MESSAGE-INTEGRITY / FINGERPRINT over a message prefix.
func marshalRaw(msg *Message) []byte {
	length := msg.length()
	buf := make([]byte, headerSize+int(length))
	writeHeader(buf, msg, length)

	off := headerSize
	for _, a := range msg.Attributes {
		binary.BigEndian.PutUint16(buf[off:off+2], a.Type)
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(a.Value)))
		off += 4
		copy(buf[off:off+len(a.Value)], a.Value)
		off += len(a.Value)
		p := pad4(len(a.Value))
		copy(buf[off:off+p], zeroPad[:])
		off += p
	}
	return buf
}

// Write serializes msg to a UDP datagram with its attributes exactly as
// they stand; it adds neither MESSAGE-INTEGRITY nor FINGERPRINT.
// MESSAGE-INTEGRITY(-SHA256) is added beforehand with AddMessageIntegrity;
// WriteWithFingerprint additionally appends FINGERPRINT, which RFC 8489
// §14.7 places last, computed over everything preceding it, including any
// MESSAGE-INTEGRITY attribute.
func Write(msg *Message) []byte {
	return marshalRaw(msg)
}

// WriteWithFingerprint serializes msg and appends a FINGERPRINT attribute
// computed over the preceding bytes.
func WriteWithFingerprint(msg *Message) []byte {
	msg.addFingerprint()
	return marshalRaw(msg)
}

// addFingerprint appends a FINGERPRINT attribute. RFC 8489 §14.7: CRC-32 of
// the message up to (but not including) the FINGERPRINT attribute itself,
// XORed with 0x5354554e.
func (msg *Message) addFingerprint() {
	attr := msg.AddAttribute(AttrFingerprint, zeroPad[:])
	b := marshalRaw(msg)
	beforeFingerprint := len(b) - attr.numBytes()
	crc := crc32.ChecksumIEEE(b[0:beforeFingerprint])
	binary.BigEndian.PutUint32(attr.Value, crc^0x5354554e)
}

// Read parses a STUN message from a UDP datagram. It validates the header,
// walks attributes respecting 4-byte padding, and validates FINGERPRINT
// if present (rejecting the message on mismatch). XOR-MAPPED-ADDRESS,
// XOR-PEER-ADDRESS and XOR-RELAYED-ADDRESS values are left XORed on the
// wire; callers use the Get* accessors to de-XOR them on demand.
func Read(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, ErrMalformedHeader
	}

	messageTypeField := binary.BigEndian.Uint16(data[0:2])
	if messageTypeField>>14 != 0 {
		return nil, ErrMalformedHeader
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if int(length)%4 != 0 {
		return nil, ErrMalformedHeader
	}
	if len(data) != headerSize+int(length) {
		return nil, ErrMalformedHeader
	}

	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, ErrMalformedHeader
	}

	class, method := decomposeMessageType(messageTypeField)
	msg := &Message{Class: class, Method: method}
	copy(msg.TransactionID[:], data[8:20])

	b := bytes.NewBuffer(data[headerSize:])
	for b.Len() > 0 {
		if b.Len() < 4 {
			return nil, ErrTruncatedAttribute
		}
		var header [4]byte
		b.Read(header[:])
		typ := binary.BigEndian.Uint16(header[0:2])
		length := binary.BigEndian.Uint16(header[2:4])
		if int(length) > b.Len() {
			return nil, ErrTruncatedAttribute
		}
		value := make([]byte, length)
		b.Read(value)
		pad := pad4(int(length))
		if pad > 0 {
			if b.Len() < pad {
				return nil, ErrTruncatedAttribute
			}
			b.Next(pad)
		}

		switch {
		case typ == AttrFingerprint:
			// Validate before accepting the rest of the message.
			consumed := len(data) - b.Len() - 4 - int(length) - pad
			if !verifyFingerprint(data[:consumed], value) {
				return nil, ErrBadFingerprint
			}
			msg.HasFingerprint = true
			msg.Attributes = append(msg.Attributes, RawAttribute{typ, value})
		case typ == AttrMessageIntegrity || typ == AttrMessageIntegritySHA256:
			msg.HasIntegrity = true
			msg.Attributes = append(msg.Attributes, RawAttribute{typ, value})
		case typ < 0x8000 && !isKnownAttribute(typ):
			// Unknown attribute in the comprehension-required range: reject.
			return nil, ErrUnknownRequiredAttribute
		default:
			// Comprehension-optional unknown attributes are skipped (but
			// still recorded, since some callers inspect them, e.g. for
			// UNKNOWN-ATTRIBUTES construction).
			if !isKnownAttribute(typ) {
				log.Debug("stun: skipping unknown comprehension-optional attribute %#04x", typ)
			}
			msg.Attributes = append(msg.Attributes, RawAttribute{typ, value})
		}
	}
	return msg, nil
}

func verifyFingerprint(prefix []byte, want []byte) bool {
	if len(want) != 4 {
		return false
	}
	crc := crc32.ChecksumIEEE(prefix)
	got := crc ^ 0x5354554e
	return binary.BigEndian.Uint32(want) == got
}

func isKnownAttribute(t uint16) bool {
	_, ok := attributeNames[t]
	return ok
}
