package channel

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/spice-gm/spice-server-go/pipeitem"
)

// Stream is the duplex byte stream a ChannelClient pushes marshalled
// messages to; satisfied by net.Conn, transport.PipeEnd, or anything else
// io.ReadWriteCloser.
type Stream = io.ReadWriteCloser

// Base protocol opcodes every ChannelClient understands regardless of
// channel type, per spec.md §6 "Channel wire format".
const (
	OpAckSync     uint16 = iota // ACK_SYNC(generation uint32)
	OpMigrate                   // MIGRATE
	OpMigrateData                // MIGRATE_DATA
	OpSetAck                    // SET_ACK(generation, window uint32)
)

// Client is spec.md §4.5's ChannelClient: one remote peer's session with a
// Channel. Pipe draining (Push) always runs on the owning Channel's
// goroutine; PipeAdd/PipeAddPush may be called from elsewhere (e.g. a
// CharDevice's Hooks.SendMsgToClient running on the same server thread) and
// only touch the pipe slice under mu.
type Client struct {
	channel *Channel
	stream  Stream

	mu                    sync.Mutex
	pipe                  []pipeitem.Item
	inFlight              int // items taken off pipe whose write has not returned
	disconnected          bool
	blocked               bool
	waitingForMigrateData bool

	ackWindow        uint32
	ackGeneration    uint32
	messagesSinceAck uint32

	common Capabilities

	// OnMessage handles any opcode the base class doesn't own; returning
	// false is a fatal protocol error (spec.md §7) and triggers Disconnect.
	OnMessage func(opcode uint16, body []byte) bool
	// OnMigrateData is invoked with a MIGRATE_DATA frame's body.
	OnMigrateData func(body []byte)
	// OnDisconnect runs after the stream and pipe are torn down.
	OnDisconnect func(*Client)
}

// NewClient creates a detached Client; attach it via Channel.AddClient or
// Channel.Connect.
func NewClient() *Client {
	return &Client{}
}

// Channel returns the Channel this client is attached to, or nil.
func (c *Client) Channel() *Channel { return c.channel }

// AckSetClientWindow sets the ACK cadence: an ACK is expected to be sent
// back to the client (via the channel-specific protocol, not modeled here)
// every ackWindow messages.
func (c *Client) AckSetClientWindow(n uint32) {
	c.mu.Lock()
	c.ackWindow = n
	c.mu.Unlock()
}

// PipeAdd appends item to the tail of the pipe and attempts to drain it.
func (c *Client) PipeAdd(item pipeitem.Item) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		item.Unref()
		return
	}
	c.pipe = append(c.pipe, item)
	c.mu.Unlock()
	c.Push()
}

// PipeAddPush prepends item to the head of the pipe (urgency items such as
// ACK frames) and attempts to drain it.
func (c *Client) PipeAddPush(item pipeitem.Item) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		item.Unref()
		return
	}
	c.pipe = append([]pipeitem.Item{item}, c.pipe...)
	c.mu.Unlock()
	c.Push()
}

// PipeEmpty reports whether the pipe currently has no queued items and no
// item still being written to the stream.
func (c *Client) PipeEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pipe) == 0 && c.inFlight == 0
}

// Push drains as much of the pipe as possible to the stream. A write
// error (the stream is gone) disconnects the client, per spec.md §7's
// "Fatal I/O (peer gone, EOF)".
func (c *Client) Push() {
	c.mu.Lock()
	if c.blocked || c.disconnected {
		c.mu.Unlock()
		return
	}
	for len(c.pipe) > 0 {
		item := c.pipe[0]
		c.pipe = c.pipe[1:]
		c.inFlight++
		c.mu.Unlock()

		buf, err := item.Marshal(nil)
		if err == nil && c.stream != nil {
			_, err = c.stream.Write(buf)
		}
		item.Unref()

		c.mu.Lock()
		c.inFlight--
		if err != nil {
			c.blocked = true
			c.mu.Unlock()
			c.Disconnect()
			return
		}
		c.messagesSinceAck++
		if c.ackWindow != 0 && c.messagesSinceAck >= c.ackWindow {
			c.messagesSinceAck = 0
		}
	}
	c.mu.Unlock()
}

// Disconnect tears the client down: drops every queued pipe item, closes
// the stream, detaches from the Channel, and invokes OnDisconnect. Safe to
// call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	pending := c.pipe
	c.pipe = nil
	stream := c.stream
	c.mu.Unlock()

	for _, item := range pending {
		item.Unref()
	}
	if stream != nil {
		stream.Close()
	}
	if c.channel != nil {
		c.channel.RemoveClient(c)
	}
	if c.OnDisconnect != nil {
		c.OnDisconnect(c)
	}
}

// HandleMessage processes a received opcode. The base class owns ACK_SYNC,
// MIGRATE and MIGRATE_DATA (spec.md §4.5); everything else is forwarded to
// OnMessage. Returning false is a fatal protocol violation.
func (c *Client) HandleMessage(opcode uint16, body []byte) bool {
	switch opcode {
	case OpAckSync:
		if len(body) < 4 {
			return false
		}
		c.mu.Lock()
		c.ackGeneration = binary.LittleEndian.Uint32(body)
		c.messagesSinceAck = 0
		c.mu.Unlock()
		return true
	case OpMigrate:
		c.mu.Lock()
		c.waitingForMigrateData = true
		c.mu.Unlock()
		return true
	case OpMigrateData:
		c.mu.Lock()
		c.waitingForMigrateData = false
		c.mu.Unlock()
		if c.OnMigrateData != nil {
			c.OnMigrateData(body)
		}
		return true
	default:
		if c.OnMessage != nil {
			return c.OnMessage(opcode, body)
		}
		return true
	}
}

// WaitingForMigrateData reports whether a MIGRATE frame has been received
// without its matching MIGRATE_DATA yet.
func (c *Client) WaitingForMigrateData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForMigrateData
}

// Blocked reports whether the last Push attempt failed to write.
func (c *Client) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Capabilities returns the negotiated capability set.
func (c *Client) Capabilities() Capabilities { return c.common }

// BeginSendMessage returns a fresh buffer for a concrete channel
// implementation to append its payload to before wrapping the result in a
// pipeitem.RawMessage, mirroring the reference's
// init_send_data/begin_send_message marshalling scaffolding ahead of
// send_item. It is a convenience only: pipeitem.RawMessage.Marshal already
// writes the opcode header itself, so most callers can skip straight to
// pipeitem.NewRawMessage(opcode, payload).
func BeginSendMessage(opcode uint16) []byte {
	return make([]byte, 0, 64)
}
