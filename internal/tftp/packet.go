// Package tftp implements the read-only TFTP server: the RFC 1350 wire
// codec with RFC 2347/2348/2349 option extensions, the per-transfer state
// machine, and the session table shared by concurrent transfers.
package tftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// TFTP opcodes per RFC 1350 plus OACK from RFC 2347.
const (
	opRRQ   uint16 = 1
	opWRQ   uint16 = 2
	opData  uint16 = 3
	opAck   uint16 = 4
	opError uint16 = 5
	opOAck  uint16 = 6
)

// TFTP error codes per RFC 1350. CodeDiskFull is repurposed to signal the
// session ceiling, as firmware treats any error as a terminal condition.
const (
	CodeNotDefined       uint16 = 0
	CodeFileNotFound     uint16 = 1
	CodeAccessViolation  uint16 = 2
	CodeDiskFull         uint16 = 3
	CodeIllegalOperation uint16 = 4
	CodeUnknownTID       uint16 = 5
)

// Negotiable option names (RFC 2348, RFC 2349).
const (
	optBlockSize    = "blksize"
	optTimeout      = "timeout"
	optTransferSize = "tsize"
)

var (
	// ErrPacketTooShort indicates a datagram shorter than its fixed header.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrMalformedPacket indicates a datagram that violates the wire format.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Request is a parsed RRQ or WRQ datagram.
type Request struct {
	Write    bool              // true for WRQ
	Filename string
	Mode     string            // netascii/octet/mail, case-insensitive on the wire
	Options  map[string]string // lowercased option name -> raw value
}

// Ack is a parsed ACK datagram.
type Ack struct {
	Block uint16
}

// ErrorPacket is a parsed ERROR datagram.
type ErrorPacket struct {
	Code    uint16
	Message string
}

// opcode returns the 16-bit opcode of a datagram.
func opcode(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, ErrPacketTooShort
	}
	return binary.BigEndian.Uint16(b[:2]), nil
}

// parseRequest parses an RRQ or WRQ datagram: opcode, then filename and mode
// as NUL-terminated strings, then zero or more option name/value pairs.
func parseRequest(b []byte) (Request, error) {
	op, err := opcode(b)
	if err != nil {
		return Request{}, err
	}
	if op != opRRQ && op != opWRQ {
		return Request{}, fmt.Errorf("%w: opcode %d is not a request", ErrMalformedPacket, op)
	}
	fields, err := splitStrings(b[2:])
	if err != nil {
		return Request{}, err
	}
	if len(fields) < 2 {
		return Request{}, fmt.Errorf("%w: request missing filename or mode", ErrMalformedPacket)
	}
	req := Request{
		Write:    op == opWRQ,
		Filename: fields[0],
		Mode:     fields[1],
	}
	rest := fields[2:]
	if len(rest)%2 != 0 {
		return Request{}, fmt.Errorf("%w: dangling option name", ErrMalformedPacket)
	}
	if len(rest) > 0 {
		req.Options = make(map[string]string, len(rest)/2)
		for i := 0; i < len(rest); i += 2 {
			req.Options[strings.ToLower(rest[i])] = rest[i+1]
		}
	}
	return req, nil
}

// parseAck parses an ACK datagram.
func parseAck(b []byte) (Ack, error) {
	op, err := opcode(b)
	if err != nil {
		return Ack{}, err
	}
	if op != opAck {
		return Ack{}, fmt.Errorf("%w: opcode %d is not an ack", ErrMalformedPacket, op)
	}
	if len(b) < 4 {
		return Ack{}, ErrPacketTooShort
	}
	return Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
}

// parseError parses an ERROR datagram.
func parseError(b []byte) (ErrorPacket, error) {
	op, err := opcode(b)
	if err != nil {
		return ErrorPacket{}, err
	}
	if op != opError {
		return ErrorPacket{}, fmt.Errorf("%w: opcode %d is not an error", ErrMalformedPacket, op)
	}
	if len(b) < 4 {
		return ErrorPacket{}, ErrPacketTooShort
	}
	pkt := ErrorPacket{Code: binary.BigEndian.Uint16(b[2:4])}
	msg := b[4:]
	if i := indexNul(msg); i >= 0 {
		msg = msg[:i]
	}
	pkt.Message = string(msg)
	return pkt, nil
}

// appendError appends an ERROR datagram to dst.
func appendError(dst []byte, code uint16, message string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, opError)
	dst = binary.BigEndian.AppendUint16(dst, code)
	dst = append(dst, message...)
	return append(dst, 0)
}

// option is one accepted name/value pair echoed in an OACK. A slice keeps
// the reply order deterministic.
type option struct {
	name  string
	value string
}

// appendOAck appends an OACK datagram listing the accepted options to dst.
func appendOAck(dst []byte, opts []option) []byte {
	dst = binary.BigEndian.AppendUint16(dst, opOAck)
	for _, o := range opts {
		dst = append(dst, o.name...)
		dst = append(dst, 0)
		dst = append(dst, o.value...)
		dst = append(dst, 0)
	}
	return dst
}

// splitStrings splits a run of NUL-terminated strings. The final string must
// be terminated; trailing garbage is a wire violation.
func splitStrings(b []byte) ([]string, error) {
	var out []string
	for len(b) > 0 {
		i := indexNul(b)
		if i < 0 {
			return nil, fmt.Errorf("%w: unterminated string", ErrMalformedPacket)
		}
		out = append(out, string(b[:i]))
		b = b[i+1:]
	}
	return out, nil
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
