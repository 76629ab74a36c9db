// Package transport provides the byte-stream primitives the rest of the
// server is built on: an in-process stand-in for the "stream socket-pair"
// spec.md §4.2/§6 requires for the Dispatcher, an optional snappy-compressed
// wrapper adapted from the teacher's generic/comp.go, pre-shared-key stream
// obfuscation adapted from the teacher's std/crypt.go, and multi-port listen
// address parsing adapted from generic/multiport.go.
package transport

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spice-gm/spice-server-go/eventloop"
)

// ErrClosed is returned by Write once either end of the pair is closed,
// and may be returned by a Read that is blocked when its own end is closed.
var ErrClosed = errors.New("transport: use of closed pipe")

// endpoint is one direction of a duplex pipe: a byte buffer one side writes
// into and the other reads from, guarded by a mutex and a notify channel so
// a blocked reader wakes promptly on either a write or a close.
type endpoint struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	closed bool
}

func newEndpoint() *endpoint {
	return &endpoint{notify: make(chan struct{}, 1)}
}

func (e *endpoint) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *endpoint) write(p []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	n, _ := e.buf.Write(p)
	e.mu.Unlock()
	e.signal()
	return n, nil
}

// read blocks until data is available, the endpoint is closed, or stop
// fires. PipeEnd's eventloop.Watchable support does not go through it; it
// uses ready below.
func (e *endpoint) read(p []byte, stop <-chan struct{}) (int, error) {
	for {
		e.mu.Lock()
		if e.buf.Len() > 0 {
			n, _ := e.buf.Read(p)
			e.mu.Unlock()
			return n, nil
		}
		if e.closed {
			e.mu.Unlock()
			return 0, io.EOF
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-stop:
			return 0, ErrClosed
		}
	}
}

// readyNow reports whether a read would return data or EOF without
// blocking at all. Used by consumers (the dispatcher's non-blocking header
// peek, mirroring dispatcher.cpp's read_safe(..., block=0)) that want to
// know "is there a message at all right now" before committing to a
// blocking read of a known-size header/payload.
func (e *endpoint) readyNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Len() > 0 || e.closed
}

func (e *endpoint) ready(stop <-chan struct{}) bool {
	e.mu.Lock()
	if e.buf.Len() > 0 || e.closed {
		e.mu.Unlock()
		return !e.closed || e.buf.Len() > 0
	}
	e.mu.Unlock()

	select {
	case <-e.notify:
		e.mu.Lock()
		ok := e.buf.Len() > 0
		e.mu.Unlock()
		return ok
	case <-stop:
		return false
	}
}

func (e *endpoint) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

// PipeEnd is one side of a duplex, buffered, in-process byte pipe. It
// implements io.ReadWriteCloser and eventloop.Watchable (via Ready), so it
// can be handed straight to Loop.NewWatch the same way a real socket fd
// would be in a poll-based backend.
type PipeEnd struct {
	readFrom  *endpoint
	writeTo   *endpoint
	readStop  chan struct{}
	closeOnce sync.Once
}

// NewSocketPair returns two connected PipeEnds, analogous to socketpair(2)
// as used by the reference dispatcher.cpp/net-utils.c.
func NewSocketPair() (a, b *PipeEnd) {
	ab := newEndpoint()
	ba := newEndpoint()
	a = &PipeEnd{readFrom: ba, writeTo: ab, readStop: make(chan struct{})}
	b = &PipeEnd{readFrom: ab, writeTo: ba, readStop: make(chan struct{})}
	return a, b
}

// ReadyNow reports, without blocking, whether a Read would return data or
// EOF immediately.
func (p *PipeEnd) ReadyNow() bool {
	return p.readFrom.readyNow()
}

func (p *PipeEnd) Read(b []byte) (int, error) {
	return p.readFrom.read(b, p.readStop)
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	return p.writeTo.write(b)
}

// Close closes both directions of this end: further Writes from either end
// observe ErrClosed, and Reads on either end observe EOF once the bytes
// already buffered for them are drained.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.readFrom.close()
		p.writeTo.close()
		close(p.readStop)
	})
	return nil
}

// Ready implements eventloop.Watchable: it reports whether this end has
// bytes available to read (mask&MaskRead) — writes to an in-process pipe
// never block, so MaskWrite is always considered ready. A concurrent
// PipeEnd.Close unblocks this via the endpoint's own notify channel (close
// signals it too), so no extra fan-in goroutine is needed here. Once the
// read side is closed with nothing buffered, Ready reports false, which
// ends the Watch's background watcher.
func (p *PipeEnd) Ready(mask eventloop.Mask, stop <-chan struct{}) bool {
	if mask&eventloop.MaskRead == 0 {
		return true
	}
	return p.readFrom.ready(stop)
}
