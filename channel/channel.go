// Package channel implements spec.md §4.5: Channel, a logical service
// (display, smartcard, port, ...) with a list of attached ChannelClients,
// and the broadcast/drain helpers that treat that list as a unit.
//
// Grounded on SagerNet-smux/session.go's Session/stream relationship
// (streamLock guarding the stream table, a session-wide close propagating
// to every stream) generalized from "one session, many multiplexed
// streams" to "one channel, many remote client sessions".
package channel

import (
	"time"

	"github.com/spice-gm/spice-server-go/dispatcher"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/internal/logging"
	"github.com/spice-gm/spice-server-go/pipeitem"
)

// Type identifies a channel's protocol family (display, smartcard, port,
// ...); concrete channel packages define their own constants.
type Type int

// ID disambiguates multiple channels of the same Type (e.g. two displays).
type ID uint32

// Channel is spec.md §3/§4.5's (type,id) pair: a capability set, a list of
// attached Clients, and, for channels that live on their own worker
// goroutine, a Dispatcher binding used to route cross-goroutine calls onto
// that goroutine (spec.md §4.5 "Thread affinity").
type Channel struct {
	Type Type
	ID   ID

	loop       *eventloop.Loop
	disp       *dispatcher.Dispatcher
	log        *logging.Logger
	caps       Capabilities
	migrating  bool
	clients    []*Client
}

// New creates a Channel bound to loop (the goroutine every AddClient,
// Connect and pipe operation must run on) advertising caps locally.
func New(typ Type, id ID, loop *eventloop.Loop, caps Capabilities, log *logging.Logger) *Channel {
	if log == nil {
		log = logging.Discard()
	}
	return &Channel{Type: typ, ID: id, loop: loop, caps: caps, log: log}
}

// BindDispatcher attaches a Dispatcher used to route Connect calls made
// from a goroutine other than loop's onto loop's goroutine, per spec.md
// §4.5's "optionally a Dispatcher binding (for channels living on worker
// threads)".
func (ch *Channel) BindDispatcher(d *dispatcher.Dispatcher) { ch.disp = d }

func (ch *Channel) onOwnGoroutine() bool {
	return ch.loop == nil || ch.loop.OnLoopGoroutine()
}

// AddClient attaches c to the channel. Per spec.md §4.5, this must already
// run on the server thread — callers crossing goroutines use Connect
// instead.
func (ch *Channel) AddClient(c *Client) {
	c.channel = ch
	ch.clients = append(ch.clients, c)
}

// RemoveClient detaches c, if attached.
func (ch *Channel) RemoveClient(c *Client) {
	for i, cc := range ch.clients {
		if cc == c {
			ch.clients = append(ch.clients[:i], ch.clients[i+1:]...)
			return
		}
	}
}

// Clients returns a snapshot of currently attached clients.
func (ch *Channel) Clients() []*Client {
	return append([]*Client(nil), ch.clients...)
}

// Connect attaches c for stream, having negotiated remoteCaps against the
// channel's locally advertised set. If the caller is not already running
// on the channel's own goroutine, the call is forwarded through the bound
// Dispatcher (ack=true, so Connect only returns once the client is fully
// attached) exactly as spec.md §4.5 describes.
func (ch *Channel) Connect(c *Client, stream Stream, migrating bool, remoteCaps Capabilities) {
	do := func() {
		c.stream = stream
		c.common = Negotiate(ch.caps, remoteCaps)
		c.waitingForMigrateData = migrating
		ch.AddClient(c)
	}
	if ch.onOwnGoroutine() || ch.disp == nil {
		do()
		return
	}
	if err := ch.disp.SendMessageCustom(func([]byte) { do() }, nil, true); err != nil {
		ch.log.Errorf("channel: Connect dispatch failed: %v", err)
	}
}

// PipesAdd refs item once per attached client and appends it to every
// client's pipe, per spec.md §4.5's Channel::pipes_add. A channel with no
// clients drops the sole reference it was handed.
func (ch *Channel) PipesAdd(item pipeitem.Item) {
	if len(ch.clients) == 0 {
		item.Unref()
		return
	}
	for i, c := range ch.clients {
		it := item
		if i > 0 {
			it = item.Ref()
		}
		c.PipeAdd(it)
	}
}

// PipesNewAdd lets factory build a distinct per-client item, per spec.md
// §4.5's Channel::pipes_new_add. A nil return from factory skips that
// client.
func (ch *Channel) PipesNewAdd(factory func(c *Client) pipeitem.Item) {
	for _, c := range ch.clients {
		if item := factory(c); item != nil {
			c.PipeAdd(item)
		}
	}
}

// WaitAllSent polls every attached client's pipe until all are empty or
// timeout elapses, disconnecting any client still carrying outstanding
// items at the deadline, per spec.md §4.5.
func (ch *Channel) WaitAllSent(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	const pollInterval = 5 * time.Millisecond
	for {
		allEmpty := true
		for _, c := range ch.clients {
			if !c.PipeEmpty() {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			return true
		}
		if time.Now().After(deadline) {
			for _, c := range ch.clients {
				if !c.PipeEmpty() {
					c.Disconnect()
				}
			}
			return false
		}
		time.Sleep(pollInterval)
	}
}
