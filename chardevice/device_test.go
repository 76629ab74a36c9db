package chardevice_test

import (
	"testing"
	"time"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/pipeitem"
)

// fakeAdapter is always writable and never has guest bytes of its own;
// tests drive ReadOneMsgFromDevice directly instead of Adapter.Read.
type fakeAdapter struct{}

func (fakeAdapter) Write(p []byte) (int, error) { return len(p), nil }
func (fakeAdapter) Read(p []byte) (int, error)  { return 0, chardevice.ErrWouldBlock }
func (fakeAdapter) SetState(bool)               {}
func (fakeAdapter) NotifiesWritability() bool   { return true }

func newQueue(n int) (items []pipeitem.Item, next func() (pipeitem.Item, error)) {
	for i := 0; i < n; i++ {
		items = append(items, pipeitem.NewRawMessage(uint16(i), nil))
	}
	idx := 0
	return items, func() (pipeitem.Item, error) {
		if idx >= len(items) {
			return nil, nil
		}
		m := items[idx]
		idx++
		return m, nil
	}
}

// S2 — token starvation then recovery.
func TestTokenStarvationThenRecovery(t *testing.T) {
	loop := eventloop.New()
	_, next := newQueue(5)

	var delivered []uint16
	hooks := chardevice.Hooks{
		ReadOneMsgFromDevice: next,
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered = append(delivered, item.(*pipeitem.RawMessage).ChannelOpcode)
			item.Unref()
		},
	}

	dev := chardevice.New(loop, nil, fakeAdapter{}, hooks, chardevice.Config{})
	dev.Start()
	if err := dev.ClientAdd("c1", true, 2, 100, 3, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Wakeup()

	if len(delivered) != 3 {
		t.Fatalf("expected 3 delivered before starvation, got %d (%v)", len(delivered), delivered)
	}

	dev.SendToClientTokensAdd("c1", 2)
	if len(delivered) != 5 {
		t.Fatalf("expected 5 delivered after token top-up drains the deferred queue, got %d (%v)", len(delivered), delivered)
	}
}

// S3 — send-queue overflow.
func TestSendQueueOverflowForcesRemove(t *testing.T) {
	loop := eventloop.New()
	_, next := newQueue(10)

	var removed []chardevice.ClientID
	var delivered int
	hooks := chardevice.Hooks{
		ReadOneMsgFromDevice: next,
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered++
			item.Unref()
		},
		RemoveClient: func(id chardevice.ClientID) {
			removed = append(removed, id)
		},
	}

	dev := chardevice.New(loop, nil, fakeAdapter{}, hooks, chardevice.Config{})
	dev.Start()
	if err := dev.ClientAdd("c1", true, 2, 100, 3, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Wakeup()

	if len(removed) != 1 || removed[0] != "c1" {
		t.Fatalf("expected client c1 force-removed on overflow, got %v", removed)
	}
	if delivered != 3 {
		t.Fatalf("expected exactly 3 delivered before overflow, got %d", delivered)
	}
}

// S6 — migration round trip.
func TestMigrationRoundTrip(t *testing.T) {
	loop := eventloop.New()
	hooks := chardevice.Hooks{}

	dev := chardevice.New(loop, nil, fakeAdapter{}, hooks, chardevice.Config{ClientTokensInterval: 10})
	dev.Stop() // keep the write loop from draining while we set up the queue
	if err := dev.ClientAdd("c1", true, 4, 5, 5, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}

	buf1, err := dev.WriteBufferGetClient("c1", 6)
	if err != nil {
		t.Fatalf("WriteBufferGetClient: %v", err)
	}
	copy(buf1.Data, []byte("abcdef"))
	buf2, err := dev.WriteBufferGetClient("c1", 3)
	if err != nil {
		t.Fatalf("WriteBufferGetClient: %v", err)
	}
	copy(buf2.Data, []byte("xyz"))
	dev.WriteBufferAdd(buf1)
	dev.WriteBufferAdd(buf2)

	snapshot, err := dev.MigrateDataMarshal()
	if err != nil {
		t.Fatalf("MigrateDataMarshal: %v", err)
	}

	dev.Destroy()

	var written []byte
	writer := captureAdapter{written: &written}
	dev2 := chardevice.New(eventloop.New(), nil, &writer, chardevice.Hooks{}, chardevice.Config{ClientTokensInterval: 10})
	if err := dev2.ClientAdd("c1", true, 4, 0, 0, true); err != nil {
		t.Fatalf("ClientAdd(waitMigration): %v", err)
	}
	if err := dev2.Restore(snapshot); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if string(written) != "abcdefxyz" {
		t.Fatalf("expected restored bytes %q, got %q", "abcdefxyz", written)
	}
}

type captureAdapter struct {
	written *[]byte
}

func (c *captureAdapter) Write(p []byte) (int, error) {
	*c.written = append(*c.written, p...)
	return len(p), nil
}
func (c *captureAdapter) Read(p []byte) (int, error) { return 0, chardevice.ErrWouldBlock }
func (c *captureAdapter) SetState(bool)              {}
func (c *captureAdapter) NotifiesWritability() bool  { return true }

// A Device bound to a running Loop panics with chardevice.Violation if
// poked from any goroutine other than the one pumping that Loop.
func TestCrossGoroutineWakeupPanicsViolation(t *testing.T) {
	loop := eventloop.New()
	dev := chardevice.New(loop, nil, fakeAdapter{}, chardevice.Hooks{}, chardevice.Config{})

	go loop.Run()
	defer loop.Stop()

	// Give Run a moment to claim ownership of its goroutine before this
	// (different) goroutine pokes the device.
	for !loop.Running() {
		time.Sleep(time.Millisecond)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a panic calling Start off the loop's goroutine")
		}
		if _, ok := r.(chardevice.Violation); !ok {
			t.Fatalf("expected chardevice.Violation, got %T: %v", r, r)
		}
	}()
	dev.Start()
}

func TestClientRemoveDemotesInFlightBuffer(t *testing.T) {
	loop := eventloop.New()
	dev := chardevice.New(loop, nil, fakeAdapter{}, chardevice.Hooks{}, chardevice.Config{})
	dev.Stop()
	if err := dev.ClientAdd("c1", true, 4, 5, 5, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	buf, err := dev.WriteBufferGetClient("c1", 4)
	if err != nil {
		t.Fatalf("WriteBufferGetClient: %v", err)
	}
	dev.WriteBufferAdd(buf)
	dev.ClientRemove("c1")
	// The device is stopped, so buf is still on the write queue.
	if buf.Origin != chardevice.OriginNone {
		t.Fatalf("expected queued buffer demoted to OriginNone, got %v", buf.Origin)
	}
	_ = time.Millisecond
}
