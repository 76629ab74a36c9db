package dispatcher

import (
	"github.com/spice-gm/spice-server-go/eventloop"
)

// RefCounted is a client-like object whose lifetime a MainDispatcher
// message needs to extend across the hop to the server thread, mirroring
// the reference MainDispatcher's red::add_ref(client) / client->unref()
// pairing around each boxed payload.
type RefCounted interface {
	Ref()
	Unref()
}

// ChannelEventInfo carries a channel event and its associated detail,
// corresponding to the reference's (int event, SpiceChannelEventInfo*)
// pair. Detail is left opaque since its shape is owned by whichever
// channel/listener package produces it.
type ChannelEventInfo struct {
	Event  int
	Detail interface{}
}

const (
	mainEventChannelEvent uint32 = iota
	mainEventSeamlessMigrateDstComplete
	mainEventSetMMTimeLatency
	mainEventClientDisconnect
	mainDispatcherNumMessages
)

// MainHandlers are the four fixed callbacks a MainDispatcher delivers on
// the server thread, matching spec.md §4.3's closed message set.
type MainHandlers struct {
	ChannelEvent               func(event int, detail interface{})
	SeamlessMigrateDstComplete func(client RefCounted)
	SetMMTimeLatency           func(client RefCounted, latencyMs uint32)
	ClientDisconnect           func(client RefCounted)
}

type seamlessMigrateDstCompletePayload struct{ client RefCounted }
type mmTimeLatencyPayload struct {
	client    RefCounted
	latencyMs uint32
}
type clientDisconnectPayload struct{ client RefCounted }

// MainDispatcher is a Dispatcher pre-configured with the fixed message set
// from spec.md §4.3: CHANNEL_EVENT, MIGRATE_SEAMLESS_DST_COMPLETE,
// SET_MM_TIME_LATENCY, CLIENT_DISCONNECT. Each public method inlines its
// body when already called from the loop's own goroutine, and otherwise
// forwards through the embedded Dispatcher — exactly the
// pthread_self()==thread_id branch in main-dispatcher.cpp, expressed with
// eventloop.Loop.OnLoopGoroutine instead of a thread id comparison.
type MainDispatcher struct {
	*Dispatcher
	loop     *eventloop.Loop
	handlers MainHandlers
}

// NewMainDispatcher builds a MainDispatcher bound to loop, registers its
// fixed handlers, and arms a Watch via CreateWatch so incoming messages are
// drained on loop's own goroutine. None of the four messages carry an ack:
// the reference notes doing so risks deadlocking against the very
// red_dispatcher call already blocking the main thread on a worker's ACK.
func NewMainDispatcher(loop *eventloop.Loop, handlers MainHandlers) *MainDispatcher {
	md := &MainDispatcher{
		Dispatcher: New(mainDispatcherNumMessages),
		loop:       loop,
		handlers:   handlers,
	}

	mustRegister(md.RegisterValueHandler(mainEventChannelEvent, func(v interface{}) {
		info := v.(ChannelEventInfo)
		if md.handlers.ChannelEvent != nil {
			md.handlers.ChannelEvent(info.Event, info.Detail)
		}
	}, false))

	mustRegister(md.RegisterValueHandler(mainEventSeamlessMigrateDstComplete, func(v interface{}) {
		p := v.(seamlessMigrateDstCompletePayload)
		if md.handlers.SeamlessMigrateDstComplete != nil {
			md.handlers.SeamlessMigrateDstComplete(p.client)
		}
		p.client.Unref()
	}, false))

	mustRegister(md.RegisterValueHandler(mainEventSetMMTimeLatency, func(v interface{}) {
		p := v.(mmTimeLatencyPayload)
		if md.handlers.SetMMTimeLatency != nil {
			md.handlers.SetMMTimeLatency(p.client, p.latencyMs)
		}
		p.client.Unref()
	}, false))

	mustRegister(md.RegisterValueHandler(mainEventClientDisconnect, func(v interface{}) {
		p := v.(clientDisconnectPayload)
		if md.handlers.ClientDisconnect != nil {
			md.handlers.ClientDisconnect(p.client)
		}
		p.client.Unref()
	}, false))

	md.CreateWatch(loop)
	return md
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// ChannelEvent notifies the server thread of a channel-level event (link
// up/down, error, ...). Runs inline if already on the server thread.
func (md *MainDispatcher) ChannelEvent(event int, detail interface{}) {
	if md.loop.OnLoopGoroutine() {
		if md.handlers.ChannelEvent != nil {
			md.handlers.ChannelEvent(event, detail)
		}
		return
	}
	md.SendMessageValue(mainEventChannelEvent, ChannelEventInfo{Event: event, Detail: detail})
}

// SeamlessMigrateDstComplete notifies the server thread that a seamless
// migration destination has finished catching up for client.
func (md *MainDispatcher) SeamlessMigrateDstComplete(client RefCounted) {
	if md.loop.OnLoopGoroutine() {
		if md.handlers.SeamlessMigrateDstComplete != nil {
			md.handlers.SeamlessMigrateDstComplete(client)
		}
		return
	}
	client.Ref()
	md.SendMessageValue(mainEventSeamlessMigrateDstComplete, seamlessMigrateDstCompletePayload{client: client})
}

// SetMMTimeLatency updates client's multimedia-time latency estimate.
func (md *MainDispatcher) SetMMTimeLatency(client RefCounted, latencyMs uint32) {
	if md.loop.OnLoopGoroutine() {
		if md.handlers.SetMMTimeLatency != nil {
			md.handlers.SetMMTimeLatency(client, latencyMs)
		}
		return
	}
	client.Ref()
	md.SendMessageValue(mainEventSetMMTimeLatency, mmTimeLatencyPayload{client: client, latencyMs: latencyMs})
}

// ClientDisconnect requests disconnection of client. The reference guards
// this with an is_disconnecting() check on the client itself to avoid
// double-dispatch; that check belongs to whatever concrete client type
// implements RefCounted in this module, not to MainDispatcher.
func (md *MainDispatcher) ClientDisconnect(client RefCounted) {
	if md.loop.OnLoopGoroutine() {
		if md.handlers.ClientDisconnect != nil {
			md.handlers.ClientDisconnect(client)
		}
		return
	}
	client.Ref()
	md.SendMessageValue(mainEventClientDisconnect, clientDisconnectPayload{client: client})
}
