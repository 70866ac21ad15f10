// Package websocket implements the WebSocket side of the connection
// engine: the server handshake, the RFC 6455 frame codec, fragment
// reassembly, keepalive pings and the close handshake, driving the
// application through the event contract.
package websocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type opcode byte

const (
	opContinuation opcode = 0x0
	opText         opcode = 0x1
	opBinary       opcode = 0x2
	opClose        opcode = 0x8
	opPing         opcode = 0x9
	opPong         opcode = 0xA
)

// Close codes used by the driver. Peers may send any registered code.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	closeAbnormalClosure = 1006
)

// errProtocol marks peer behavior outside RFC 6455; the connection fails
// with close code 1002.
var errProtocol = errors.New("websocket protocol violation")

type frame struct {
	fin     bool
	op      opcode
	masked  bool
	payload []byte
}

func (o opcode) control() bool { return o >= opClose }

func (o opcode) known() bool {
	switch o {
	case opContinuation, opText, opBinary, opClose, opPing, opPong:
		return true
	}
	return false
}

// readFrame decodes one frame off the wire. Frames from clients must be
// masked; control frames must be final and at most 125 bytes. maxPayload
// bounds a single frame so a hostile length prefix cannot force a huge
// allocation.
func readFrame(r *bufio.Reader, maxPayload int64) (*frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	if header[0]&0x70 != 0 {
		return nil, fmt.Errorf("%w: nonzero reserved bits", errProtocol)
	}
	f := &frame{
		fin:    header[0]&0x80 != 0,
		op:     opcode(header[0] & 0x0F),
		masked: header[1]&0x80 != 0,
	}
	if !f.op.known() {
		return nil, fmt.Errorf("%w: unknown opcode %#x", errProtocol, byte(f.op))
	}

	payloadLen := int64(header[1] & 0x7F)
	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint64(ext[:])
		if n > 1<<62 {
			return nil, fmt.Errorf("%w: payload length out of range", errProtocol)
		}
		payloadLen = int64(n)
	}

	if f.op.control() {
		if !f.fin {
			return nil, fmt.Errorf("%w: fragmented control frame", errProtocol)
		}
		if payloadLen > 125 {
			return nil, fmt.Errorf("%w: oversized control frame", errProtocol)
		}
	}
	if maxPayload > 0 && payloadLen > maxPayload && !f.op.control() {
		// Report the length without reading the payload; the caller fails
		// the connection with 1009.
		return nil, &tooBigError{length: payloadLen}
	}

	var mask [4]byte
	if f.masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return nil, err
		}
	}

	if payloadLen > 0 {
		f.payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
		if f.masked {
			for i := range f.payload {
				f.payload[i] ^= mask[i%4]
			}
		}
	}
	return f, nil
}

// tooBigError reports a frame whose declared length exceeds the message
// ceiling.
type tooBigError struct {
	length int64
}

func (e *tooBigError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds the message size limit", e.length)
}

// writeFrame encodes one unmasked server frame.
func writeFrame(w io.Writer, fin bool, op opcode, payload []byte) error {
	head := make([]byte, 0, 10)
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	head = append(head, b0)

	n := len(payload)
	switch {
	case n < 126:
		head = append(head, byte(n))
	case n < 1<<16:
		head = append(head, 126, byte(n>>8), byte(n))
	default:
		head = append(head, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		head = append(head, ext[:]...)
	}

	if _, err := w.Write(head); err != nil {
		return err
	}
	if n > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// encodeClosePayload renders a close frame body: big-endian code plus an
// optional UTF-8 reason, capped to fit a control frame.
func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// parseClosePayload extracts the peer's close code and reason. An empty
// payload means a normal closure.
func parseClosePayload(p []byte) (code int, reason string) {
	if len(p) < 2 {
		return CloseNormalClosure, ""
	}
	return int(binary.BigEndian.Uint16(p)), string(p[2:])
}
