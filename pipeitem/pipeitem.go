// Package pipeitem implements the refcounted, polymorphic outbound unit
// queued on a ChannelClient's pipe, per spec.md §3 "Pipe item" / §4.5.
//
// A pipe item has a single strong owner while queued (the pipe) and a
// second strong reference while a marshaller is turning it into bytes on
// the wire, so the backing memory survives until the socket write
// completes. That two-owner lifetime is the same shape as a smux stream's
// write buffer, which is live both on writeRequest's pending request queue
// and in the goroutine currently draining it to the underlying conn
// (SagerNet-smux/session.go); pipeitem.base's refcount and release hook are
// grounded on that pattern, generalized from "queue + one writer" to
// "queue + one marshaller" and instantiated per concrete variant via
// sync.Pool instead of smux's slab allocator.
package pipeitem

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Type identifies a pipe item's concrete variant without a type switch at
// every call site that only cares "what kind is this".
type Type int

const (
	TypeRawMessage Type = iota
	TypeMigrateData
	TypeMigrateFlushMark
	TypeEmptyAck
	TypeStreamCreate
	TypeStreamData
	TypeCursorSet
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeRawMessage:
		return "raw-message"
	case TypeMigrateData:
		return "migrate-data"
	case TypeMigrateFlushMark:
		return "migrate-flush-mark"
	case TypeEmptyAck:
		return "empty-ack"
	case TypeStreamCreate:
		return "stream-create"
	case TypeStreamData:
		return "stream-data"
	case TypeCursorSet:
		return "cursor-set"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Item is anything that can sit on a ChannelClient's outbound pipe: it
// knows its own Type, can be Ref'd by a second owner (a marshaller) without
// the pipe giving up its own reference, and is Unref'd by each owner when
// done; the last Unref returns it to its pool.
type Item interface {
	Type() Type
	Ref() Item
	Unref()
	// Marshal appends this item's wire encoding to dst and returns the
	// extended slice. No length prefix is written. RawMessage writes its
	// 2-byte little-endian opcode ahead of the payload; the other variants
	// in this package encode only their body.
	Marshal(dst []byte) ([]byte, error)
}

// Base is embedded by every concrete variant (in this package and in
// smartcard's and vmc's items) and
// implements the refcount half of Item; each variant supplies its own
// Type()/Marshal() and a release func returning itself to its sync.Pool.
type Base struct {
	refs    int32
	release func()
}

// NewBase returns a Base with refcount 1, running release when the last
// reference is dropped.
func NewBase(release func()) Base {
	return Base{refs: 1, release: release}
}

// AddRef registers a second owner (typically a marshaller) without giving
// up the caller's own reference.
func (b *Base) AddRef() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the refcount and runs the release func exactly once
// when it reaches zero. Returns true if this call triggered the release.
func (b *Base) Release() bool {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		if b.release != nil {
			b.release()
		}
		return true
	}
	return false
}

var rawMessagePool = sync.Pool{New: func() interface{} { return &RawMessage{} }}

// RawMessage is a typed channel opcode plus its already-marshalled payload,
// the common case for most outbound protocol messages.
type RawMessage struct {
	Base
	ChannelOpcode uint16
	Payload       []byte
}

// NewRawMessage returns a RawMessage item with refcount 1, drawn from a
// pool shared by every RawMessage in the process.
func NewRawMessage(opcode uint16, payload []byte) *RawMessage {
	m := rawMessagePool.Get().(*RawMessage)
	m.Base = NewBase(func() {
		m.Payload = nil
		rawMessagePool.Put(m)
	})
	m.ChannelOpcode = opcode
	m.Payload = payload
	return m
}

func (m *RawMessage) Type() Type { return TypeRawMessage }
func (m *RawMessage) Ref() Item  { m.AddRef(); return m }
func (m *RawMessage) Unref()     { m.Release() }
func (m *RawMessage) Marshal(dst []byte) ([]byte, error) {
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], m.ChannelOpcode)
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...), nil
}

var migrateDataPool = sync.Pool{New: func() interface{} { return &MigrateData{} }}

// MigrateData carries a device/channel migration snapshot, per §6's
// marshal/restore contract.
type MigrateData struct {
	Base
	Snapshot []byte
}

func NewMigrateData(snapshot []byte) *MigrateData {
	m := migrateDataPool.Get().(*MigrateData)
	m.Base = NewBase(func() {
		m.Snapshot = nil
		migrateDataPool.Put(m)
	})
	m.Snapshot = snapshot
	return m
}

func (m *MigrateData) Type() Type { return TypeMigrateData }
func (m *MigrateData) Ref() Item  { m.AddRef(); return m }
func (m *MigrateData) Unref()     { m.Release() }
func (m *MigrateData) Marshal(dst []byte) ([]byte, error) {
	return append(dst, m.Snapshot...), nil
}

var migrateFlushMarkPool = sync.Pool{New: func() interface{} { return &MigrateFlushMark{} }}

// MigrateFlushMark is a synthetic, zero-length item: draining it on the
// peer signals "everything after this belongs to the post-migration epoch"
// (see GLOSSARY).
type MigrateFlushMark struct{ Base }

func NewMigrateFlushMark() *MigrateFlushMark {
	m := migrateFlushMarkPool.Get().(*MigrateFlushMark)
	m.Base = NewBase(func() { migrateFlushMarkPool.Put(m) })
	return m
}

func (m *MigrateFlushMark) Type() Type                           { return TypeMigrateFlushMark }
func (m *MigrateFlushMark) Ref() Item                             { m.AddRef(); return m }
func (m *MigrateFlushMark) Unref()                                { m.Release() }
func (m *MigrateFlushMark) Marshal(dst []byte) ([]byte, error)    { return dst, nil }

var emptyAckPool = sync.Pool{New: func() interface{} { return &EmptyAck{} }}

// EmptyAck is pushed onto a pipe purely to force an ACK window to advance
// when no real traffic is pending.
type EmptyAck struct{ Base }

func NewEmptyAck() *EmptyAck {
	m := emptyAckPool.Get().(*EmptyAck)
	m.Base = NewBase(func() { emptyAckPool.Put(m) })
	return m
}

func (m *EmptyAck) Type() Type                        { return TypeEmptyAck }
func (m *EmptyAck) Ref() Item                          { m.AddRef(); return m }
func (m *EmptyAck) Unref()                             { m.Release() }
func (m *EmptyAck) Marshal(dst []byte) ([]byte, error) { return dst, nil }

var errorItemPool = sync.Pool{New: func() interface{} { return &ErrorItem{} }}

// ErrorItem carries a fatal protocol error to be delivered to the client
// before the connection is torn down. StreamDevice and smartcard do not use
// it: StreamDevice reports errors to the guest as NOTIFY_ERROR, and
// smartcard has its own ErrorItem.
type ErrorItem struct {
	Base
	Err error
}

func NewErrorItem(err error) *ErrorItem {
	m := errorItemPool.Get().(*ErrorItem)
	m.Base = NewBase(func() {
		m.Err = nil
		errorItemPool.Put(m)
	})
	m.Err = err
	return m
}

func (m *ErrorItem) Type() Type { return TypeError }
func (m *ErrorItem) Ref() Item  { m.AddRef(); return m }
func (m *ErrorItem) Unref()     { m.Release() }
func (m *ErrorItem) Marshal(dst []byte) ([]byte, error) {
	if m.Err == nil {
		return dst, nil
	}
	return append(dst, []byte(m.Err.Error())...), nil
}
