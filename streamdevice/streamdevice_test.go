package streamdevice_test

import (
	"encoding/binary"
	"testing"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/streamdevice"
)

// chunkAdapter hands back one caller-supplied chunk per Read call, letting
// tests exercise the parser's incremental header/body accumulation across
// several step()s the way a real byte-oriented device would.
type chunkAdapter struct {
	chunks  [][]byte
	idx     int
	written []byte
}

func (a *chunkAdapter) Read(p []byte) (int, error) {
	if a.idx >= len(a.chunks) {
		return 0, chardevice.ErrWouldBlock
	}
	chunk := a.chunks[a.idx]
	a.idx++
	n := copy(p, chunk)
	return n, nil
}
func (a *chunkAdapter) Write(p []byte) (int, error) {
	a.written = append(a.written, p...)
	return len(p), nil
}
func (a *chunkAdapter) SetState(bool)             {}
func (a *chunkAdapter) NotifiesWritability() bool { return true }

type fakeChannel struct {
	hasOutbound bool
	moves       [][2]int32
}

func (f *fakeChannel) HasOutboundStream() bool                     { return f.hasOutbound }
func (f *fakeChannel) ChangeFormat(width, height uint32, codec uint8) {}
func (f *fakeChannel) SendData(data []byte, mmTime uint32)          {}
func (f *fakeChannel) SetCursor(cursor streamdevice.CursorSet)      {}
func (f *fakeChannel) MoveCursor(x, y int32)                        { f.moves = append(f.moves, [2]int32{x, y}) }

func header(msgType uint16, size uint32) []byte {
	h := make([]byte, 8)
	h[0] = streamdevice.StreamDeviceProtocol
	h[1] = 0
	binary.LittleEndian.PutUint16(h[2:4], msgType)
	binary.LittleEndian.PutUint32(h[4:8], size)
	return h
}

// S4 — a CURSOR_MOVE header arriving split across two reads is still
// assembled into one message.
func TestChunkedHeaderAssembly(t *testing.T) {
	ch := &fakeChannel{hasOutbound: true}
	full := header(streamdevice.TypeCursorMove, 8)
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], uint32(int32(-5)))
	binary.LittleEndian.PutUint32(body[4:8], uint32(int32(10)))

	adapter := &chunkAdapter{chunks: [][]byte{
		full[:3], // partial header
		full[3:], // rest of header
		body,     // full payload in one shot
	}}

	loop := eventloop.New()
	dev := streamdevice.NewDevice(loop, nil, adapter, ch, chardevice.Hooks{}, streamdevice.Config{})
	dev.PortEvent(true)
	dev.Underlying().Start()

	if len(ch.moves) != 1 {
		t.Fatalf("expected one MoveCursor call, got %d", len(ch.moves))
	}
	if ch.moves[0][0] != -5 || ch.moves[0][1] != 10 {
		t.Fatalf("expected (-5, 10), got %v", ch.moves[0])
	}
}

// S5 — an unrecognized message type triggers NOTIFY_ERROR and has_error.
func TestInvalidTypeWritesNotifyError(t *testing.T) {
	ch := &fakeChannel{hasOutbound: true}
	badHeader := header(0xFFFF, 0)

	adapter := &chunkAdapter{chunks: [][]byte{badHeader}}

	loop := eventloop.New()
	dev := streamdevice.NewDevice(loop, nil, adapter, ch, chardevice.Hooks{}, streamdevice.Config{})
	dev.PortEvent(true)
	dev.Underlying().Start()

	if len(adapter.written) < 8 {
		t.Fatalf("expected a NOTIFY_ERROR message written back to the guest, got %d bytes", len(adapter.written))
	}
	// PortEvent(true) itself writes an empty CAPABILITIES frame first; the
	// NOTIFY_ERROR should be the message right after it.
	notifyOffset := 8 + 0
	gotType := binary.LittleEndian.Uint16(adapter.written[notifyOffset+2 : notifyOffset+4])
	if gotType != streamdevice.TypeNotifyError {
		t.Fatalf("expected NOTIFY_ERROR (%d), got %d", streamdevice.TypeNotifyError, gotType)
	}
}

// After an invalid message, further guest bytes are silently discarded
// rather than re-parsed as a new frame.
func TestErrorStateDiscardsFurtherBytes(t *testing.T) {
	ch := &fakeChannel{hasOutbound: true}
	badHeader := header(0xFFFF, 0)
	junk := []byte("garbage-that-should-never-be-parsed-as-a-header")

	adapter := &chunkAdapter{chunks: [][]byte{badHeader, junk}}

	loop := eventloop.New()
	dev := streamdevice.NewDevice(loop, nil, adapter, ch, chardevice.Hooks{}, streamdevice.Config{})
	dev.PortEvent(true)
	dev.Underlying().Start()

	if len(ch.moves) != 0 {
		t.Fatalf("expected no MoveCursor calls once errored, got %d", len(ch.moves))
	}
}
