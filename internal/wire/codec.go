// Package wire implements the fixed-width little-endian encoding used for
// every field on an RTI or peer-to-peer socket (spec §4.A). Encode/decode
// are total functions over correctly sized buffers: malformed input never
// panics, it comes back as an error the caller turns into a ProtocolError.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/crossfed/federate/internal/types"
)

// Widths of the primitive wire fields, in bytes.
const (
	SizeU16 = 2
	SizeU32 = 4
	SizeI64 = 8

	// TimedMessageHeaderSize is the fixed 16-byte header preceding a timed
	// message payload: port_id:u16 | dest_fed:u16 | length:u32 | timestamp:i64.
	TimedMessageHeaderSize = SizeU16 + SizeU16 + SizeU32 + SizeI64
)

var le = binary.LittleEndian

// PutU16 encodes v into the first 2 bytes of buf.
func PutU16(buf []byte, v uint16) { le.PutUint16(buf, v) }

// U16 decodes the first 2 bytes of buf.
func U16(buf []byte) uint16 { return le.Uint16(buf) }

// PutU32 encodes v into the first 4 bytes of buf.
func PutU32(buf []byte, v uint32) { le.PutUint32(buf, v) }

// U32 decodes the first 4 bytes of buf.
func U32(buf []byte) uint32 { return le.Uint32(buf) }

// PutI64 encodes v into the first 8 bytes of buf.
func PutI64(buf []byte, v int64) { le.PutUint64(buf, uint64(v)) }

// I64 decodes the first 8 bytes of buf.
func I64(buf []byte) int64 { return int64(le.Uint64(buf)) }

// EncodeFedIDFrame builds the payload that follows a FED_ID or
// P2P_SENDING_FED_ID tag: fed_id:u16 | fid_len:u8 | federation_id:bytes.
func EncodeFedIDFrame(id types.FederateIdentity) ([]byte, error) {
	if len(id.Federation) > types.MaxFederationIDLen {
		return nil, fmt.Errorf("%w: federation id too long", types.ErrProtocol)
	}
	buf := make([]byte, SizeU16+1+len(id.Federation))
	PutU16(buf, uint16(id.FedID))
	buf[SizeU16] = byte(len(id.Federation))
	copy(buf[SizeU16+1:], id.Federation)
	return buf, nil
}

// DecodeFedIDFrame parses the fixed prefix of a FED_ID/P2P_SENDING_FED_ID
// frame and reports how many further bytes (the federation id) must still
// be read from the socket.
func DecodeFedIDFrame(prefix []byte) (fedID types.FedID, fidLen byte, err error) {
	if len(prefix) < SizeU16+1 {
		return 0, 0, fmt.Errorf("%w: short FED_ID prefix", types.ErrProtocol)
	}
	return types.FedID(U16(prefix)), prefix[SizeU16], nil
}

// EncodeAddressAd builds the payload following an ADDRESS_AD tag.
func EncodeAddressAd(port uint32) []byte {
	buf := make([]byte, SizeU32)
	PutU32(buf, port)
	return buf
}

// DecodeAddressAd parses an ADDRESS_AD payload.
func DecodeAddressAd(buf []byte) (uint32, error) {
	if len(buf) < SizeU32 {
		return 0, fmt.Errorf("%w: short ADDRESS_AD payload", types.ErrProtocol)
	}
	return U32(buf), nil
}

// EncodeAddressQuery builds the payload following an ADDRESS_QUERY tag.
func EncodeAddressQuery(target types.FedID) []byte {
	buf := make([]byte, SizeU16)
	PutU16(buf, uint16(target))
	return buf
}

// DecodeAddressQuery parses an ADDRESS_QUERY payload.
func DecodeAddressQuery(buf []byte) (types.FedID, error) {
	if len(buf) < SizeU16 {
		return 0, fmt.Errorf("%w: short ADDRESS_QUERY payload", types.ErrProtocol)
	}
	return types.FedID(U16(buf)), nil
}

// AddressQueryReplySize is the length of an ADDRESS_QUERY reply. Unlike
// every other frame in this protocol, the reply carries no leading tag
// byte (spec §4.E, §9 flags this asymmetry as preserved-as-is).
const AddressQueryReplySize = SizeU32 + SizeU32 // port:i32 | ipv4:u32

// DecodeAddressQueryReply parses the untagged ADDRESS_QUERY reply.
// port is -1 when the RTI has no address on file yet for the target
// federate.
func DecodeAddressQueryReply(buf []byte) (port int32, ipv4 uint32, err error) {
	if len(buf) < AddressQueryReplySize {
		return 0, 0, fmt.Errorf("%w: short ADDRESS_QUERY reply", types.ErrProtocol)
	}
	return int32(U32(buf)), U32(buf[SizeU32:]), nil
}

// EncodeAddressQueryReply is the RTI-side encoder, kept here so tests and
// mock-RTI fixtures can construct valid replies without duplicating the
// layout.
func EncodeAddressQueryReply(port int32, ipv4 uint32) []byte {
	buf := make([]byte, AddressQueryReplySize)
	PutU32(buf, uint32(port))
	PutU32(buf[SizeU32:], ipv4)
	return buf
}

// EncodeI64Payload encodes the single-i64 payload shared by TIMESTAMP,
// NEXT_EVENT_TIME, LOGICAL_TIME_COMPLETE, TIME_ADVANCE_GRANT and STOP.
func EncodeI64Payload(v int64) []byte {
	buf := make([]byte, SizeI64)
	PutI64(buf, v)
	return buf
}

// DecodeI64Payload decodes that shared payload.
func DecodeI64Payload(buf []byte) (int64, error) {
	if len(buf) < SizeI64 {
		return 0, fmt.Errorf("%w: short i64 payload", types.ErrProtocol)
	}
	return I64(buf), nil
}

// TimedMessageHeader is the fixed prefix of a TIMED_MESSAGE or
// P2P_TIMED_MESSAGE frame.
type TimedMessageHeader struct {
	PortID    types.PortID
	DestFed   types.FedID
	Length    uint32
	Timestamp int64
}

// Encode serializes the header. The payload itself is written separately by
// the caller.
func (h TimedMessageHeader) Encode() []byte {
	buf := make([]byte, TimedMessageHeaderSize)
	PutU16(buf[0:], uint16(h.PortID))
	PutU16(buf[2:], uint16(h.DestFed))
	PutU32(buf[4:], h.Length)
	PutI64(buf[8:], h.Timestamp)
	return buf
}

// DecodeTimedMessageHeader parses a 16-byte timed-message header.
func DecodeTimedMessageHeader(buf []byte) (TimedMessageHeader, error) {
	if len(buf) < TimedMessageHeaderSize {
		return TimedMessageHeader{}, fmt.Errorf("%w: short timed message header", types.ErrProtocol)
	}
	return TimedMessageHeader{
		PortID:    types.PortID(U16(buf[0:])),
		DestFed:   types.FedID(U16(buf[2:])),
		Length:    U32(buf[4:]),
		Timestamp: I64(buf[8:]),
	}, nil
}

// EncodeReject builds the payload following a REJECT tag.
func EncodeReject(cause types.RejectCause) []byte {
	return []byte{byte(cause)}
}

// DecodeReject parses a REJECT payload.
func DecodeReject(buf []byte) (types.RejectCause, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("%w: short REJECT payload", types.ErrProtocol)
	}
	return types.RejectCause(buf[0]), nil
}
