package smartcard_test

import (
	"encoding/binary"
	"testing"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/pipeitem"
	"github.com/spice-gm/spice-server-go/smartcard"
)

type queueAdapter struct {
	data []byte
	pos  int
}

func (a *queueAdapter) Write(p []byte) (int, error) { return len(p), nil }
func (a *queueAdapter) Read(p []byte) (int, error) {
	if a.pos >= len(a.data) {
		return 0, chardevice.ErrWouldBlock
	}
	n := copy(p, a.data[a.pos:])
	a.pos += n
	return n, nil
}
func (a *queueAdapter) SetState(bool)             {}
func (a *queueAdapter) NotifiesWritability() bool { return true }

func encodeMsg(msgType smartcard.MsgType, readerID uint32, body []byte) []byte {
	out := make([]byte, 12+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(msgType))
	binary.BigEndian.PutUint32(out[4:8], readerID)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(body)))
	copy(out[12:], body)
	return out
}

// S7 — removing a reader that doesn't exist yields an Error item, no
// disconnect.
func TestReaderRemoveOfNonExistentYieldsError(t *testing.T) {
	loop := eventloop.New()
	registry := smartcard.NewRegistry(4)
	registry.Add("reader0") // only reader 0 exists

	adapter := &queueAdapter{data: encodeMsg(smartcard.MsgReaderRemove, 5, nil)}

	var delivered []pipeitem.Item
	var removed []chardevice.ClientID
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered = append(delivered, item)
		},
		RemoveClient: func(id chardevice.ClientID) { removed = append(removed, id) },
	}

	dev := smartcard.NewDevice(loop, nil, adapter, registry, func() chardevice.ClientID { return "main" }, hooks, chardevice.Config{})
	// Attach the client before Start: messages read while no client is
	// attached are discarded.
	if err := dev.Underlying().ClientAdd("main", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Underlying().Start()
	dev.Underlying().Wakeup()

	if len(removed) != 0 {
		t.Fatalf("expected no disconnect, got removed=%v", removed)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected exactly one delivered item, got %d", len(delivered))
	}
	errItem, ok := delivered[0].(*smartcard.ErrorItem)
	if !ok {
		t.Fatalf("expected *smartcard.ErrorItem, got %T", delivered[0])
	}
	if errItem.Code != smartcard.GeneralErrorCode || errItem.ReaderID != 5 {
		t.Fatalf("expected code=%d reader_id=5, got code=%d reader_id=%d", smartcard.GeneralErrorCode, errItem.Code, errItem.ReaderID)
	}
	errItem.Unref()
}

// A message naming an unknown reader id for APDU/ATR/CardRemove disconnects
// the main client instead of producing an error item.
func TestAPDUForUnknownReaderDisconnects(t *testing.T) {
	loop := eventloop.New()
	registry := smartcard.NewRegistry(4)

	adapter := &queueAdapter{data: encodeMsg(smartcard.MsgAPDU, 2, []byte{0x00, 0xA4})}

	var delivered int
	var removed []chardevice.ClientID
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered++
			item.Unref()
		},
		RemoveClient: func(id chardevice.ClientID) { removed = append(removed, id) },
	}

	dev := smartcard.NewDevice(loop, nil, adapter, registry, func() chardevice.ClientID { return "main" }, hooks, chardevice.Config{})
	dev.Underlying().Start()
	if err := dev.Underlying().ClientAdd("main", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Underlying().Wakeup()

	if delivered != 0 {
		t.Fatalf("expected no delivered items, got %d", delivered)
	}
	if len(removed) != 1 || removed[0] != "main" {
		t.Fatalf("expected main client disconnected, got %v", removed)
	}
}

// A valid ReaderAdd allocates the next dense id and forwards the
// notification to attached clients.
func TestReaderAddAllocatesDenseID(t *testing.T) {
	loop := eventloop.New()
	registry := smartcard.NewRegistry(4)

	adapter := &queueAdapter{data: encodeMsg(smartcard.MsgReaderAdd, 0, []byte("reader-name"))}

	var delivered []*smartcard.Message
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered = append(delivered, item.(*smartcard.Message))
		},
	}

	dev := smartcard.NewDevice(loop, nil, adapter, registry, func() chardevice.ClientID { return "main" }, hooks, chardevice.Config{})
	if err := dev.Underlying().ClientAdd("main", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Underlying().Start()
	dev.Underlying().Wakeup()

	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered reader-add notice, got %d", len(delivered))
	}
	if delivered[0].ReaderID != 0 {
		t.Fatalf("expected first reader allocated id 0, got %d", delivered[0].ReaderID)
	}
	if !registry.Exists(0) {
		t.Fatalf("expected registry to report reader 0 as attached")
	}
	delivered[0].Unref()
}
