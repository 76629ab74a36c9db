package vmc_test

import (
	"bytes"
	"testing"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/pipeitem"
	"github.com/spice-gm/spice-server-go/vmc"
)

type queueAdapter struct {
	chunks [][]byte
	idx    int
}

func (a *queueAdapter) Write(p []byte) (int, error) { return len(p), nil }
func (a *queueAdapter) Read(p []byte) (int, error) {
	if a.idx >= len(a.chunks) {
		return 0, chardevice.ErrWouldBlock
	}
	n := copy(p, a.chunks[a.idx])
	a.idx++
	return n, nil
}
func (a *queueAdapter) SetState(bool)             {}
func (a *queueAdapter) NotifiesWritability() bool { return true }

func TestUncompressedBelowThreshold(t *testing.T) {
	loop := eventloop.New()
	payload := []byte("short")
	adapter := &queueAdapter{chunks: [][]byte{payload}}

	var got []*vmc.DataItem
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			got = append(got, item.(*vmc.DataItem))
		},
	}
	dev := vmc.NewDevice(loop, nil, adapter, hooks, vmc.Config{})
	dev.SetPeerCompressCapability(true)
	// Attach the client before Start: chunks read while no client is
	// attached are discarded.
	if err := dev.Underlying().ClientAdd("c1", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Underlying().Start()
	dev.Underlying().Wakeup()

	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].Compressed {
		t.Fatalf("expected short chunk to stay uncompressed")
	}
	if !bytes.Equal(got[0].Data, payload) {
		t.Fatalf("expected payload unchanged, got %q", got[0].Data)
	}
	got[0].Unref()
}

func TestCompressedAboveThresholdWhenPeerSupportsIt(t *testing.T) {
	loop := eventloop.New()
	large := bytes.Repeat([]byte("a"), 4096)
	adapter := &queueAdapter{chunks: [][]byte{large}}

	var got []*vmc.DataItem
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			got = append(got, item.(*vmc.DataItem))
		},
	}
	dev := vmc.NewDevice(loop, nil, adapter, hooks, vmc.Config{CompressThreshold: 96})
	dev.SetPeerCompressCapability(true)
	if err := dev.Underlying().ClientAdd("c1", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}
	dev.Underlying().Start()
	dev.Underlying().Wakeup()

	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if !got[0].Compressed {
		t.Fatalf("expected highly-repetitive large chunk to compress")
	}
	if len(got[0].Data) >= len(large) {
		t.Fatalf("expected compressed data smaller than input")
	}
	got[0].Unref()
}

func TestQueueLimitSuspendsAndResumesReads(t *testing.T) {
	loop := eventloop.New()
	adapter := &queueAdapter{chunks: [][]byte{[]byte("x")}}

	var delivered int
	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			delivered++
			item.Unref()
		},
	}
	dev := vmc.NewDevice(loop, nil, adapter, hooks, vmc.Config{QueueLimit: 10})
	if err := dev.Underlying().ClientAdd("c1", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}

	dev.SetQueueStat(100) // over the limit before any read happens
	dev.Underlying().Start()
	dev.Underlying().Wakeup()
	if delivered != 0 {
		t.Fatalf("expected reads suspended while over queue limit, got %d delivered", delivered)
	}

	dev.SetQueueStat(0) // back under the limit: Wakeup should fire automatically
	if delivered != 1 {
		t.Fatalf("expected 1 delivered after resuming under the queue limit, got %d", delivered)
	}
}

func TestHandleClientDataForwardsToGuest(t *testing.T) {
	loop := eventloop.New()
	var written []byte
	adapter := &capturingAdapter{onWrite: func(p []byte) { written = append(written, p...) }}

	dev := vmc.NewDevice(loop, nil, adapter, chardevice.Hooks{}, vmc.Config{})
	dev.Underlying().Start()
	if err := dev.Underlying().ClientAdd("c1", true, 8, 100, 100, false); err != nil {
		t.Fatalf("ClientAdd: %v", err)
	}

	if err := dev.HandleClientData("c1", []byte("ping")); err != nil {
		t.Fatalf("HandleClientData: %v", err)
	}
	if string(written) != "ping" {
		t.Fatalf("expected guest to receive %q, got %q", "ping", written)
	}
}

type capturingAdapter struct {
	onWrite func([]byte)
}

func (a *capturingAdapter) Write(p []byte) (int, error) {
	a.onWrite(p)
	return len(p), nil
}
func (a *capturingAdapter) Read(p []byte) (int, error) { return 0, chardevice.ErrWouldBlock }
func (a *capturingAdapter) SetState(bool)              {}
func (a *capturingAdapter) NotifiesWritability() bool  { return true }
