package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spice-gm/spice-server-go/eventloop"
)

func TestSendMessageAckBlocksUntilHandled(t *testing.T) {
	d := New(4)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()
	w := d.CreateWatch(loop)
	defer w.Remove()

	var handled int32
	if err := d.RegisterHandler(0, func(payload []byte) {
		atomic.AddInt32(&handled, 1)
	}, 4, true); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := d.SendMessage(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("expected handler to have run before SendMessage returned, got %d", handled)
	}
}

func TestSendMessageThroughput(t *testing.T) {
	d := New(4)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()
	w := d.CreateWatch(loop)
	defer w.Remove()

	var count int32
	if err := d.RegisterHandler(0, func([]byte) {
		atomic.AddInt32(&count, 1)
	}, 0, false); err != nil {
		t.Fatalf("RegisterHandler(no-ack): %v", err)
	}
	if err := d.RegisterHandler(1, func([]byte) {
		atomic.AddInt32(&count, 1)
	}, 0, true); err != nil {
		t.Fatalf("RegisterHandler(ack): %v", err)
	}

	const total = 1000
	for i := 0; i < total; i++ {
		if i%10 == 9 {
			if err := d.SendMessage(1, nil); err != nil {
				t.Fatalf("SendMessage ack at %d: %v", i, err)
			}
			continue
		}
		if err := d.SendMessage(0, nil); err != nil {
			t.Fatalf("SendMessage at %d: %v", i, err)
		}
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&count) != total {
		select {
		case <-deadline:
			t.Fatalf("expected %d handled, got %d", total, count)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSendMessageCustom(t *testing.T) {
	d := New(1)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()
	w := d.CreateWatch(loop)
	defer w.Remove()

	var got []byte
	var mu sync.Mutex
	done := make(chan struct{})
	err := d.SendMessageCustom(func(payload []byte) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
		close(done)
	}, []byte("custom payload"), true)
	if err != nil {
		t.Fatalf("SendMessageCustom: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("custom handler did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != "custom payload" {
		t.Fatalf("got %q", got)
	}
}

func TestUniversalHandlerSeesRegisteredMessages(t *testing.T) {
	d := New(2)
	loop := eventloop.New()
	go loop.Run()
	defer loop.Stop()
	w := d.CreateWatch(loop)
	defer w.Remove()

	var seenType uint32
	done := make(chan struct{})
	d.RegisterUniversalHandler(func(msgType uint32, payload []byte) {
		seenType = msgType
	})
	if err := d.RegisterHandler(0, func([]byte) { close(done) }, 0, true); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := d.SendMessage(0, nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	<-done
	if seenType != 0 {
		t.Fatalf("universal handler saw type %d, want 0", seenType)
	}
}

func TestRegisterHandlerRejectsDuplicateType(t *testing.T) {
	d := New(2)
	if err := d.RegisterHandler(0, func([]byte) {}, 0, false); err != nil {
		t.Fatalf("first RegisterHandler: %v", err)
	}
	if err := d.RegisterHandler(0, func([]byte) {}, 0, false); err == nil {
		t.Fatal("expected error re-registering the same message type")
	}
}

func TestDrainHandlesBufferedMessagesWithoutAWatch(t *testing.T) {
	d := New(1)
	var handled int32
	if err := d.RegisterHandler(0, func([]byte) {
		atomic.AddInt32(&handled, 1)
	}, 0, false); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := d.SendMessage(0, nil); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	d.Drain()
	if atomic.LoadInt32(&handled) != 5 {
		t.Fatalf("expected 5 handled after Drain, got %d", handled)
	}
}
