package chardevice

import "sync/atomic"

// Origin identifies who a WriteBuffer's bytes came from, per spec.md §3:
// disconnecting a client must be able to find and invalidate every in-flight
// buffer it originated, and releasing a buffer must credit tokens back to
// the right counter.
type Origin int

const (
	OriginNone Origin = iota
	OriginClient
	OriginServerToken
	OriginServerNoToken
)

func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginServerToken:
		return "server-with-token"
	case OriginServerNoToken:
		return "server-no-token"
	default:
		return "none"
	}
}

// WriteBuffer is a refcounted byte block destined for the guest device
// (GLOSSARY "Write buffer"). It is refcounted because a migration
// marshaller may hold a second reference to a buffer still sitting on the
// device's write queue (spec.md §3).
type WriteBuffer struct {
	Data       []byte
	Origin     Origin
	Client     ClientID
	TokenPrice uint32

	refs int32
}

func newWriteBuffer(size int, origin Origin, client ClientID, tokenPrice uint32) *WriteBuffer {
	return &WriteBuffer{
		Data:       make([]byte, size),
		Origin:     origin,
		Client:     client,
		TokenPrice: tokenPrice,
		refs:       1,
	}
}

// Ref adds a second owner (the migration marshaller) without releasing the
// caller's own reference.
func (b *WriteBuffer) Ref() *WriteBuffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// unref drops one reference and reports whether this was the last one.
func (b *WriteBuffer) unref() bool {
	return atomic.AddInt32(&b.refs, -1) == 0
}
