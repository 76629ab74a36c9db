package chardevice

import (
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/pipeitem"
)

// ClientID is the opaque handle spec.md §3 describes for a DeviceClient's
// identity; callers supply whatever comparable value identifies their
// concrete client/ChannelClient pair.
type ClientID interface{}

// infiniteTokens stands in for "~0" per spec.md §4.4.4: a client without
// flow control never runs out of credit in either direction.
const infiniteTokens = ^uint64(0)

// deviceClient is the per-attached-client bookkeeping record, spec.md §3
// "DeviceClient".
type deviceClient struct {
	id            ClientID
	doFlowControl bool

	numClientTokens     uint64
	numClientTokensFree uint64
	numSendTokens       uint64

	sendQueue        []pipeitem.Item
	maxSendQueueSize int

	waitForTokens *eventloop.Timer

	waitingForMigration bool
}

func (c *deviceClient) sendTokensAvailable() bool {
	if !c.doFlowControl {
		return true
	}
	return c.numSendTokens > 0
}

func (c *deviceClient) clientTokensAvailable() bool {
	if !c.doFlowControl {
		return true
	}
	return c.numClientTokens > 0
}

func (c *deviceClient) queueFull() bool {
	if !c.doFlowControl {
		return false
	}
	return len(c.sendQueue) >= c.maxSendQueueSize
}
