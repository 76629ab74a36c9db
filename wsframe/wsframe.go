// Package wsframe implements spec.md §4.8: a minimal RFC6455 server-side
// envelope over a byte stream, used when a browser client front-ends the
// char-device transport through a WebSocket.
//
// Grounded on original_source/server/websocket.c for both the handshake
// detection/response and the frame state machine (continuation coalescing,
// CLOSE ack, write_remainder partial-write tracking); PING/PONG handling is
// SPEC_FULL.md §4's supplemented feature (the original answers PING with
// PONG and silently drops unsolicited PONG, which spec.md §4.8's prose
// omits). The package is hand-rolled per spec — github.com/gorilla/websocket
// is wired only as a real client library driving the handshake in
// wsframe_test.go, per SPEC_FULL.md §2.
package wsframe

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// magicGUID is RFC6455's fixed handshake salt.
const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA
)

// ErrProtocolViolation is returned by ReadMessage on any opcode other than
// the ones spec.md §4.8 (plus the PING/PONG supplement) defines and TEXT,
// whose payload is returned the same way as a BINARY one.
var ErrProtocolViolation = errors.New("wsframe: protocol violation")

// ErrClosed is returned by ReadMessage once the connection is closed:
// after a CLOSE frame has been received and acknowledged, or after Close.
var ErrClosed = errors.New("wsframe: connection closed")

// ErrShortWrite is returned by WriteMessage/Flush when the underlying
// stream accepts zero bytes without an error (a write of some but not all
// bytes is retried at once), per spec.md §4.8's write_remainder tracking:
// the unwritten tail is kept and resent — without resending the header —
// on the next Flush/WriteMessage call.
var ErrShortWrite = errors.New("wsframe: short write, remainder pending")

// IsHandshakeRequest reports whether b looks like the start of a WebSocket
// upgrade request, per spec.md §4.8: starts with "GET ", and carries both
// a Sec-WebSocket-Key and a "binary" subprotocol request.
func IsHandshakeRequest(b []byte) bool {
	return bytes.HasPrefix(b, []byte("GET ")) &&
		bytes.Contains(b, []byte("Sec-WebSocket-Key:")) &&
		bytes.Contains(b, []byte("Sec-WebSocket-Protocol: binary"))
}

// ParseKey extracts the Sec-WebSocket-Key header value from a raw HTTP
// request.
func ParseKey(request []byte) (string, bool) {
	for _, line := range bytes.Split(request, []byte("\r\n")) {
		const prefix = "Sec-WebSocket-Key:"
		if bytes.HasPrefix(line, []byte(prefix)) {
			return string(bytes.TrimSpace(line[len(prefix):])), true
		}
	}
	return "", false
}

// ComputeAccept computes Sec-WebSocket-Accept per RFC6455:
// base64(SHA-1(key + magicGUID)).
func ComputeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HandshakeResponse builds the "101 Switching Protocols" reply for key.
func HandshakeResponse(key string) []byte {
	accept := ComputeAccept(key)
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"Sec-WebSocket-Protocol: binary\r\n\r\n")
}

// Accept parses request (the initial bytes already peeked off rwc),
// replies with the handshake response, and returns a Conn ready to frame
// subsequent traffic.
func Accept(rwc io.ReadWriteCloser, request []byte) (*Conn, error) {
	key, ok := ParseKey(request)
	if !ok {
		return nil, errors.New("wsframe: handshake request missing Sec-WebSocket-Key")
	}
	if _, err := rwc.Write(HandshakeResponse(key)); err != nil {
		return nil, errors.WithStack(err)
	}
	return NewConn(rwc), nil
}

// Conn frames/unframes a byte stream per spec.md §4.8. Continuation frames
// are coalesced into a single logical binary message; outgoing traffic is
// always a single BINARY_FINAL frame, unmasked (the server never masks,
// per RFC6455).
type Conn struct {
	rwc     io.ReadWriteCloser
	msgBuf  []byte
	pending []byte
	closed  bool
}

// NewConn wraps rwc, assumed to already be past the HTTP handshake.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc}
}

// Close sends a CLOSE frame and closes the underlying stream. Safe to call
// more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rwc.Write(frame(opClose, true, nil))
	return c.rwc.Close()
}

// ReadMessage blocks until one complete logical binary message has
// arrived, coalescing continuation frames, answering PING with PONG,
// silently dropping PONG, and acknowledging CLOSE (returning ErrClosed).
// Any other opcode is ErrProtocolViolation, per spec.md §4.8/§7.
func (c *Conn) ReadMessage() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	for {
		fin, opcode, masked, payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		switch opcode {
		case opContinuation:
			c.msgBuf = append(c.msgBuf, payload...)
			if fin {
				out := c.msgBuf
				c.msgBuf = nil
				return out, nil
			}
		case opBinary, opText:
			if !fin {
				c.msgBuf = append(c.msgBuf[:0], payload...)
				continue
			}
			return payload, nil
		case opClose:
			c.closed = true
			c.rwc.Write(frame(opClose, true, nil))
			return nil, ErrClosed
		case opPing:
			if _, err := c.rwc.Write(frame(opPong, true, payload)); err != nil {
				return nil, errors.WithStack(err)
			}
		case opPong:
			// silently dropped, per SPEC_FULL.md §4's supplemented feature.
		default:
			return nil, ErrProtocolViolation
		}
		_ = masked
	}
}

// readFrame reads and parses exactly one wire frame, unmasking a masked
// client payload in place.
func (c *Conn) readFrame() (fin bool, opcode byte, masked bool, payload []byte, err error) {
	var hdr [2]byte
	if _, err = io.ReadFull(c.rwc, hdr[:]); err != nil {
		return false, 0, false, nil, errors.WithStack(err)
	}
	fin = hdr[0]&0x80 != 0
	opcode = hdr[0] & 0x0f
	masked = hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)

	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(c.rwc, ext[:]); err != nil {
			return false, 0, false, nil, errors.WithStack(err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(c.rwc, ext[:]); err != nil {
			return false, 0, false, nil, errors.WithStack(err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	var maskKey [4]byte
	if masked {
		if _, err = io.ReadFull(c.rwc, maskKey[:]); err != nil {
			return false, 0, false, nil, errors.WithStack(err)
		}
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(c.rwc, payload); err != nil {
			return false, 0, false, nil, errors.WithStack(err)
		}
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return fin, opcode, masked, payload, nil
}

// WriteMessage sends payload as a single BINARY_FINAL frame. If a previous
// WriteMessage/Flush left a short-write remainder pending, that is flushed
// first (without resending the header) before payload's frame is queued.
func (c *Conn) WriteMessage(payload []byte) error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.pending = frame(opBinary, true, payload)
	return c.Flush()
}

// Flush writes as much of any pending frame remainder as the underlying
// stream accepts. A zero-length accepted write with no error is reported
// as ErrShortWrite so the caller can retry later (e.g. once the event loop
// reports the socket writable again) without resending the header.
func (c *Conn) Flush() error {
	for len(c.pending) > 0 {
		n, err := c.rwc.Write(c.pending)
		if err != nil {
			return errors.WithStack(err)
		}
		c.pending = c.pending[n:]
		if n == 0 {
			return ErrShortWrite
		}
	}
	return nil
}

// frame builds a single unmasked wire frame (the server side of RFC6455
// never masks outgoing frames).
func frame(opcode byte, fin bool, payload []byte) []byte {
	var b0 byte
	if fin {
		b0 |= 0x80
	}
	b0 |= opcode

	n := len(payload)
	var hdr []byte
	switch {
	case n < 126:
		hdr = []byte{b0, byte(n)}
	case n <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = b0
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(n))
	default:
		hdr = make([]byte, 10)
		hdr[0] = b0
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(n))
	}
	return append(hdr, payload...)
}
