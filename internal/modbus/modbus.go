// Package modbus decodes and encodes Modbus/TCP frames (MBAP header + PDU)
// carried as TCP payloads on the SCADA network's port 502.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Reason codes for a malformed frame.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTooShort
	ReasonBadProtocolID
	ReasonLengthMismatch
	ReasonFrameTooLarge
)

func (r Reason) String() string {
	switch r {
	case ReasonTooShort:
		return "frame shorter than MBAP header plus function code"
	case ReasonBadProtocolID:
		return "protocol_id != 0"
	case ReasonLengthMismatch:
		return "declared length does not match remaining PDU bytes"
	case ReasonFrameTooLarge:
		return "frame exceeds 260 bytes"
	default:
		return "none"
	}
}

// MaxFrameBytes is the largest frame this parser will accept.
const MaxFrameBytes = 260

// mbapHeaderSize is the fixed MBAP header length: transaction(2) + protocol(2)
// + length(2) + unit(1).
const mbapHeaderSize = 7

// Function code sets per spec.md §4.3.
var (
	readFunctions = map[byte]bool{
		0x01: true, 0x02: true, 0x03: true, 0x04: true,
		0x07: true, 0x14: true, 0x17: true,
	}
	writeFunctions = map[byte]bool{
		0x05: true, 0x06: true, 0x0F: true,
		0x10: true, 0x16: true, 0x17: true,
	}
	diagnosticFunctions = map[byte]bool{
		0x08: true, 0x0B: true, 0x0C: true, 0x11: true,
	}
)

// IsRead reports whether fn (with the exception bit masked off) is a read
// function code.
func IsRead(fn byte) bool { return readFunctions[fn&0x7F] }

// IsWrite reports whether fn (with the exception bit masked off) is a write
// function code.
func IsWrite(fn byte) bool { return writeFunctions[fn&0x7F] }

// IsDiagnostic reports whether fn (with the exception bit masked off) is a
// diagnostic function code.
func IsDiagnostic(fn byte) bool { return diagnosticFunctions[fn&0x7F] }

// Frame is a decoded Modbus/TCP message.
type Frame struct {
	TransactionID  uint16
	ProtocolID     uint16
	Length         uint16
	UnitID         byte
	FunctionCode   byte
	IsException    bool
	UnknownFunc    bool
	PDU            []byte
}

// Parser decodes Modbus/TCP frames. Lenient relaxes the §4.3 length
// cross-check from an exact match to "at least", for wire-compatibility with
// malformed-but-benign devices (spec.md §9 Open Question). Defaults to
// strict (false).
type Parser struct {
	Lenient bool
}

// Parse decodes payload as a Modbus/TCP frame. On success it returns the
// frame and ReasonNone. On failure it returns a zero Frame and the reason
// the frame was rejected; the caller is expected to set the packet's
// malformed flag rather than propagate an error.
func (p Parser) Parse(payload []byte) (Frame, Reason) {
	if len(payload) < mbapHeaderSize+1 {
		return Frame{}, ReasonTooShort
	}
	if len(payload) > MaxFrameBytes {
		return Frame{}, ReasonFrameTooLarge
	}

	transactionID := binary.BigEndian.Uint16(payload[0:2])
	protocolID := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	unitID := payload[6]
	functionCode := payload[7]
	pdu := payload[8:]

	if protocolID != 0 {
		return Frame{}, ReasonBadProtocolID
	}

	// length counts everything after the length field itself: unit_id(1) +
	// function_code(1) + remaining PDU bytes.
	remaining := len(payload) - 6
	if p.Lenient {
		if int(length) > remaining {
			return Frame{}, ReasonLengthMismatch
		}
	} else if int(length) != remaining {
		return Frame{}, ReasonLengthMismatch
	}

	frame := Frame{
		TransactionID: transactionID,
		ProtocolID:    protocolID,
		Length:        length,
		UnitID:        unitID,
		FunctionCode:  functionCode,
		IsException:   functionCode&0x80 != 0,
		PDU:           pdu,
	}
	base := functionCode & 0x7F
	frame.UnknownFunc = !readFunctions[base] && !writeFunctions[base] && !diagnosticFunctions[base]
	return frame, ReasonNone
}

// Build encodes a minimal Modbus/TCP frame for a read/write of count
// registers starting at address, for use in round-trip tests and the
// benchmark/demo harnesses. It sets protocol_id=0 and computes length from
// the PDU it builds.
func Build(transactionID uint16, unitID, functionCode byte, address, count uint16) []byte {
	pdu := make([]byte, 4)
	binary.BigEndian.PutUint16(pdu[0:2], address)
	binary.BigEndian.PutUint16(pdu[2:4], count)

	frame := make([]byte, mbapHeaderSize+1+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol_id
	length := uint16(1 + 1 + len(pdu))         // unit + function + pdu
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	frame[7] = functionCode
	copy(frame[8:], pdu)
	return frame
}

// String renders a Frame for logging.
func (f Frame) String() string {
	return fmt.Sprintf("modbus{txn=%d unit=%d fn=0x%02x exception=%v}",
		f.TransactionID, f.UnitID, f.FunctionCode, f.IsException)
}
