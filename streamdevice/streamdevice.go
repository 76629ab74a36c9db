// Package streamdevice implements spec.md §4.6: a framed protocol parser
// sitting on top of a chardevice.Device, translating guest byte streams
// into StreamChannel calls (format changes, frame data, cursor commands)
// and translating server-side conditions (a malformed message, a codec
// renegotiation) into framed messages written back to the guest.
//
// The incremental header/body accumulation loop is ported faithfully from
// original_source's red-stream-device.cpp state machine (spec.md §4.6
// steps 1-5); the header+payload wire discipline otherwise follows
// chardevice's migration header encoding/binary convention.
package streamdevice

import (
	"encoding/binary"
	"time"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/internal/logging"
	"github.com/spice-gm/spice-server-go/pipeitem"
)

func durationFromMillis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// StreamDeviceProtocol pins the wire header's version byte, per spec.md §6.
const StreamDeviceProtocol uint8 = 1

// Message types, per spec.md §4.6's wire format table.
const (
	TypeFormat uint16 = iota + 1
	TypeData
	TypeCursorSet
	TypeCursorMove
	TypeCapabilities
	TypeDeviceDisplayInfo
	TypeNotifyError
	TypeStartStop
)

// Cursor pixel formats, used to validate CURSOR_SET's declared size against
// width*height*bits-per-pixel (spec.md §4.6).
const (
	CursorTypeMono uint8 = iota
	CursorTypeColor4
	CursorTypeColor8
	CursorTypeColor16
	CursorTypeColor24
	CursorTypeColor32
)

var cursorBitsPerPixel = map[uint8]uint32{
	CursorTypeMono:    1,
	CursorTypeColor4:  4,
	CursorTypeColor8:  8,
	CursorTypeColor16: 16,
	CursorTypeColor24: 24,
	CursorTypeColor32: 32,
}

const (
	headerSize = 8

	formatPayloadSize     = 9 // width(4) height(4) codec(1)
	cursorMovePayloadSize = 8 // x(4) y(4)
	cursorSetHeaderSize   = 9 // width(2) height(2) hotx(2) hoty(2) type(1)
	displayInfoHeaderSize = 12

	// MaxCaps bounds CAPABILITIES frames per spec.md §4.6.
	MaxCaps = 64
	// MaxDeviceAddressLen bounds DEVICE_DISPLAY_INFO's address field.
	MaxDeviceAddressLen = 256
	// MaxCursorWidth/MaxCursorHeight bound CURSOR_SET dimensions.
	MaxCursorWidth  = 1024
	MaxCursorHeight = 1024
	// NumStreams is the modulus StreamChannel.ChangeFormat allocates new
	// stream ids under.
	NumStreams = 1 << 16

	generalErrorCode = 1

	msgBufFloor = 256
)

// CursorSet is a fully parsed CURSOR_SET message, handed to
// Channel.SetCursor.
type CursorSet struct {
	Width, Height uint16
	HotX, HotY    uint16
	Type          uint8
	Pixels        []byte
}

// Channel is the StreamChannel collaborator spec.md §4.6 names: the
// compositor-facing object that actually owns the outbound display channel
// clients. How it renders/composites is out of scope (spec.md §1); this
// package only needs it to react to parsed guest messages.
type Channel interface {
	// HasOutboundStream reports whether a client channel currently exists
	// to receive stream output (spec.md §4.6 step 1).
	HasOutboundStream() bool
	// ChangeFormat destroys the current stream, recreates the surface if
	// dimensions changed, allocates a new stream id mod NumStreams, and
	// broadcasts STREAM_CREATE (+ optional STREAM_ACTIVATE_REPORT) itself.
	ChangeFormat(width, height uint32, codec uint8)
	// SendData delivers one encoded frame with its guest-supplied mm_time.
	SendData(data []byte, mmTime uint32)
	// SetCursor delivers a fully validated cursor bitmap.
	SetCursor(cursor CursorSet)
	// MoveCursor delivers a cursor position update.
	MoveCursor(x, y int32)
}

// Device is spec.md §4.6's StreamDevice: framing state plus a reference to
// the underlying CharDevice used to write NOTIFY_ERROR/CAPABILITIES/
// START_STOP messages back to the guest.
type Device struct {
	dev     *chardevice.Device
	adapter chardevice.Adapter
	channel Channel
	log     *logging.Logger
	loop    *eventloop.Loop

	hdr    [headerSize]byte
	hdrPos int

	msgType uint16
	msgSize uint32
	msgBuf  []byte
	msgPos  int

	hasError    bool
	opened      bool
	flowStopped bool

	guestCaps   []byte
	localCaps   []byte
	displayAddr string

	closeTimer *eventloop.Timer
	closeDelay time.Duration

	// MMTime supplies the multimedia-time value attached to outgoing DATA
	// handoffs; if nil, 0 is used.
	MMTime func() uint32
	// OnClose fires once the close-timer scheduled after a fatal protocol
	// error elapses (spec.md §4.6 step 2 / §7).
	OnClose func()
}

// Config bounds the device's behavior, matching chardevice.Config's shape.
type Config struct {
	CloseTimerDelayMS int
	Device            chardevice.Config
}

func (c Config) withDefaults() Config {
	if c.CloseTimerDelayMS <= 0 {
		c.CloseTimerDelayMS = 2000
	}
	return c
}

var cfgDefaults = Config{}.withDefaults()

// NewDevice builds a StreamDevice over adapter, reading raw device bytes
// incrementally through the parser state machine and writing
// NOTIFY_ERROR/CAPABILITIES/START_STOP messages back to the guest through
// the underlying *chardevice.Device's write-buffer path. hooks.ReadOneMsgFromDevice
// is always overridden: none of StreamDevice's outbound traffic goes
// through CharDevice's generic per-client token broadcast (spec.md §4.6) —
// it either goes directly to Channel, or back to the guest.
func NewDevice(loop *eventloop.Loop, log *logging.Logger, adapter chardevice.Adapter, channel Channel, hooks chardevice.Hooks, cfg Config) *Device {
	if log == nil {
		log = logging.Discard()
	}
	cfg = cfg.withDefaults()
	sd := &Device{
		adapter: adapter,
		channel: channel,
		log:     log,
		loop:    loop,
		msgBuf:  make([]byte, 0, msgBufFloor),
	}
	sd.closeDelay = durationFromMillis(cfg.CloseTimerDelayMS)
	hooks.ReadOneMsgFromDevice = sd.readOneMsg
	sd.dev = chardevice.New(loop, log, adapter, hooks, cfg.Device)
	return sd
}

// Underlying returns the wrapped CharDevice, for lifecycle management
// (Start/Stop/ClientAdd/...) by the caller.
func (sd *Device) Underlying() *chardevice.Device { return sd.dev }

// SetLocalCapabilities configures which capability bits are advertised to
// the guest on PortEvent(true).
func (sd *Device) SetLocalCapabilities(bits []byte) { sd.localCaps = bits }

// GuestCapabilities returns the guest's most recently advertised
// capability bits, truncated to MaxCaps.
func (sd *Device) GuestCapabilities() []byte { return sd.guestCaps }

// DisplayAddress returns the cached per-device display identity from the
// last DEVICE_DISPLAY_INFO message, or "" if none has arrived yet.
func (sd *Device) DisplayAddress() string { return sd.displayAddr }

// PortEvent resets all parser state and, when opened, requests a fresh
// stream by sending the server's capabilities to the guest, per spec.md
// §4.6's open/close handling.
func (sd *Device) PortEvent(opened bool) {
	sd.resetFrame()
	sd.hasError = false
	sd.opened = opened
	if sd.closeTimer != nil {
		sd.closeTimer.Cancel()
		sd.closeTimer = nil
	}
	if opened {
		sd.writeMessage(TypeCapabilities, sd.localCaps)
	}
}

// SendStartStop tells the guest which codecs the server is prepared to
// accept.
func (sd *Device) SendStartStop(codecs []uint8) {
	payload := make([]byte, 1+len(codecs))
	payload[0] = uint8(len(codecs))
	copy(payload[1:], codecs)
	sd.writeMessage(TypeStartStop, payload)
}

// SetQueueStat is the backpressure callback spec.md §4.6 describes:
// StreamChannel reports its queue depth/byte count here; a non-zero queue
// stops the read loop (flow_stopped=true) until it reports empty again, at
// which point the device is woken up.
func (sd *Device) SetQueueStat(numItems, size int) {
	stopped := numItems > 0 || size > 0
	if stopped == sd.flowStopped {
		return
	}
	sd.flowStopped = stopped
	if !stopped {
		sd.dev.Wakeup()
	}
}

// readOneMsg is the chardevice.Hooks.ReadOneMsgFromDevice implementation.
// None of StreamDevice's handling ever produces a pipe item for
// CharDevice's generic per-client broadcast (see NewDevice's doc comment),
// so it always returns (nil, nil); a real adapter error is still
// propagated so the read loop can log it.
func (sd *Device) readOneMsg() (pipeitem.Item, error) {
	for {
		progressed, err := sd.step()
		if err != nil {
			return nil, err
		}
		if !progressed {
			return nil, nil
		}
	}
}

// step performs one incremental unit of work: either consuming whatever
// header/body bytes are currently available from the adapter, or draining
// and discarding guest bytes while in the post-error close wait. It
// reports whether it made any progress, so readOneMsg knows whether to
// keep looping or give the device back to the caller until the next
// Wakeup.
func (sd *Device) step() (bool, error) {
	if !sd.opened || sd.channel == nil || !sd.channel.HasOutboundStream() || sd.flowStopped {
		return false, nil
	}
	if sd.hasError {
		return sd.drainAndDiscard()
	}

	if sd.hdrPos < headerSize {
		n, err := sd.adapter.Read(sd.hdr[sd.hdrPos:])
		if err != nil {
			if err == chardevice.ErrWouldBlock {
				return false, nil
			}
			return false, err
		}
		if n <= 0 {
			return false, nil
		}
		sd.hdrPos += n
		if sd.hdrPos < headerSize {
			return true, nil
		}
		sd.msgType = binary.LittleEndian.Uint16(sd.hdr[2:4])
		sd.msgSize = binary.LittleEndian.Uint32(sd.hdr[4:8])
		sd.msgPos = 0
		if !sd.validateSize() {
			sd.resetFrame()
			return true, nil
		}
		sd.ensureMsgBufCap(int(sd.msgSize))
		if sd.msgSize == 0 {
			sd.dispatch(sd.msgType, nil)
			sd.resetFrame()
			return true, nil
		}
		return true, nil
	}

	n, err := sd.adapter.Read(sd.msgBuf[sd.msgPos:sd.msgSize])
	if err != nil {
		if err == chardevice.ErrWouldBlock {
			return false, nil
		}
		return false, err
	}
	if n <= 0 {
		return false, nil
	}
	sd.msgPos += n
	if sd.msgPos < int(sd.msgSize) {
		return true, nil
	}
	sd.dispatch(sd.msgType, sd.msgBuf[:sd.msgSize])
	sd.resetFrame()
	return true, nil
}

func (sd *Device) drainAndDiscard() (bool, error) {
	sd.armCloseTimer()
	var scratch [256]byte
	n, err := sd.adapter.Read(scratch[:])
	if err != nil {
		if err == chardevice.ErrWouldBlock {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (sd *Device) armCloseTimer() {
	if sd.closeTimer != nil || sd.loop == nil {
		return
	}
	delay := sd.closeDelay
	sd.closeTimer = sd.loop.NewTimer(delay, func() {
		sd.closeTimer = nil
		if sd.OnClose != nil {
			sd.OnClose()
		}
	})
}

// validateSize checks a freshly parsed header's declared size against the
// bounds spec.md §4.6 lists per message type, invalidating the message (and
// setting has_error) on a violation or an unrecognized type.
func (sd *Device) validateSize() bool {
	switch sd.msgType {
	case TypeFormat:
		if sd.msgSize != formatPayloadSize {
			sd.invalid("FORMAT: unexpected payload size")
			return false
		}
	case TypeCursorMove:
		if sd.msgSize != cursorMovePayloadSize {
			sd.invalid("CURSOR_MOVE: unexpected payload size")
			return false
		}
	case TypeCapabilities:
		if sd.msgSize > MaxCaps {
			sd.invalid("CAPABILITIES: payload too large")
			return false
		}
	case TypeCursorSet:
		if sd.msgSize < cursorSetHeaderSize {
			sd.invalid("CURSOR_SET: payload smaller than header")
			return false
		}
	case TypeDeviceDisplayInfo:
		if sd.msgSize < displayInfoHeaderSize {
			sd.invalid("DEVICE_DISPLAY_INFO: payload smaller than header")
			return false
		}
	case TypeData:
		// any size accepted: guest-encoded frame bytes are opaque here.
	default:
		sd.invalid("unrecognized message type")
		return false
	}
	return true
}

func (sd *Device) dispatch(msgType uint16, body []byte) {
	switch msgType {
	case TypeFormat:
		sd.handleFormat(body)
	case TypeData:
		sd.handleData(body)
	case TypeCursorSet:
		sd.handleCursorSet(body)
	case TypeCursorMove:
		sd.handleCursorMove(body)
	case TypeCapabilities:
		sd.handleCapabilities(body)
	case TypeDeviceDisplayInfo:
		sd.handleDeviceDisplayInfo(body)
	}
}

func (sd *Device) handleFormat(body []byte) {
	width := binary.LittleEndian.Uint32(body[0:4])
	height := binary.LittleEndian.Uint32(body[4:8])
	codec := body[8]
	sd.channel.ChangeFormat(width, height, codec)
}

func (sd *Device) handleData(body []byte) {
	mmTime := uint32(0)
	if sd.MMTime != nil {
		mmTime = sd.MMTime()
	}
	sd.channel.SendData(append([]byte(nil), body...), mmTime)
}

func (sd *Device) handleCursorMove(body []byte) {
	x := int32(binary.LittleEndian.Uint32(body[0:4]))
	y := int32(binary.LittleEndian.Uint32(body[4:8]))
	sd.channel.MoveCursor(x, y)
}

func (sd *Device) handleCapabilities(body []byte) {
	n := len(body)
	if n > MaxCaps {
		n = MaxCaps
	}
	sd.guestCaps = append(sd.guestCaps[:0], body[:n]...)
}

func (sd *Device) handleCursorSet(body []byte) {
	width := binary.LittleEndian.Uint16(body[0:2])
	height := binary.LittleEndian.Uint16(body[2:4])
	hotX := binary.LittleEndian.Uint16(body[4:6])
	hotY := binary.LittleEndian.Uint16(body[6:8])
	cursorType := body[8]
	pixels := body[9:]

	if width > MaxCursorWidth || height > MaxCursorHeight {
		sd.invalid("CURSOR_SET: dimensions exceed maximum")
		return
	}
	bpp, ok := cursorBitsPerPixel[cursorType]
	if !ok {
		sd.invalid("CURSOR_SET: unsupported pixel format")
		return
	}
	required := (uint32(width)*uint32(height)*bpp + 7) / 8
	if cursorType == CursorTypeMono {
		required *= 2 // AND mask + XOR mask
	}
	if uint32(len(pixels)) > required {
		sd.invalid("CURSOR_SET: pixel data exceeds dimensions")
		return
	}
	if uint32(len(pixels)) < required {
		sd.invalid("CURSOR_SET: pixel data short of dimensions")
		return
	}
	sd.channel.SetCursor(CursorSet{
		Width: width, Height: height,
		HotX: hotX, HotY: hotY,
		Type:   cursorType,
		Pixels: append([]byte(nil), pixels...),
	})
}

func (sd *Device) handleDeviceDisplayInfo(body []byte) {
	addrLen := binary.LittleEndian.Uint32(body[8:12])
	if addrLen == 0 {
		return
	}
	if addrLen > MaxDeviceAddressLen || 12+int(addrLen) > len(body) {
		sd.invalid("DEVICE_DISPLAY_INFO: address length out of range")
		return
	}
	sd.displayAddr = string(body[12 : 12+addrLen])
}

// invalid is handle_msg_invalid: it marks the device errored (all further
// guest bytes are discarded until the close timer fires) and notifies the
// guest of the failure.
func (sd *Device) invalid(reason string) {
	sd.hasError = true
	sd.log.Warnf("streamdevice: %s", reason)
	payload := make([]byte, 4+len(reason)+1)
	binary.LittleEndian.PutUint32(payload[:4], generalErrorCode)
	copy(payload[4:], reason)
	sd.writeMessage(TypeNotifyError, payload)
}

func (sd *Device) writeMessage(msgType uint16, payload []byte) {
	buf := sd.dev.WriteBufferGetServer(headerSize+len(payload), false)
	if buf == nil {
		return
	}
	buf.Data[0] = StreamDeviceProtocol
	buf.Data[1] = 0
	binary.LittleEndian.PutUint16(buf.Data[2:4], msgType)
	binary.LittleEndian.PutUint32(buf.Data[4:8], uint32(len(payload)))
	copy(buf.Data[headerSize:], payload)
	sd.dev.WriteBufferAdd(buf)
}

func (sd *Device) resetFrame() {
	sd.hdrPos = 0
	sd.msgPos = 0
	sd.msgSize = 0
	if cap(sd.msgBuf) > msgBufFloor {
		sd.msgBuf = make([]byte, 0, msgBufFloor)
	} else {
		sd.msgBuf = sd.msgBuf[:0]
	}
}

func (sd *Device) ensureMsgBufCap(n int) {
	if cap(sd.msgBuf) < n {
		sd.msgBuf = make([]byte, n)
		return
	}
	sd.msgBuf = sd.msgBuf[:n]
}
