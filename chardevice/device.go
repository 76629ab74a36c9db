// Package chardevice implements spec.md §4.4, the heart of the system: a
// per-device queue pair between a guest character device and the clients
// attached to it, a token/credit accounting scheme, and a migration
// snapshot/restore protocol.
//
// It is grounded on SagerNet-smux/session.go's token-bucket flow control
// (its per-stream send window becomes this package's
// numSendTokens/numClientTokens pair) and on xtaci-kcptun/std/copy.go's
// io.Copy-style buffer-drain loop for the read/write pump shape. Retry
// pacing under sustained backpressure uses golang.org/x/time/rate
// (pulled from the nishisan-dev-n-backup example) instead of a bare
// retry timer storm.
package chardevice

import (
	"container/list"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/internal/logging"
	"github.com/spice-gm/spice-server-go/pipeitem"
)

// ErrWouldBlock is returned by Adapter.Write/Read to mean "no progress right
// now, try again once notified or on the retry timer" — spec.md §6's
// write(buf,len)→-1 / read(buf,len)→-1 convention.
var ErrWouldBlock = errors.New("chardevice: would block")

// ErrOverflow is the error classification spec.md §4.4.4 assigns to a
// client that writes without credit; the device removes the offending
// client rather than propagating this further.
var ErrOverflow = errors.New("chardevice: client token overflow")

// Adapter is the embedder-supplied collaborator spec.md §6 names: the
// hypervisor-hosted guest device itself.
type Adapter interface {
	// Write writes up to len(p) bytes to the guest device. Returns
	// ErrWouldBlock if the device is not currently writable.
	Write(p []byte) (int, error)
	// Read reads up to len(p) bytes from the guest device. Returns
	// ErrWouldBlock if no bytes are available yet.
	Read(p []byte) (int, error)
	// SetState notifies the adapter of the device's connected state.
	SetState(connected bool)
	// NotifiesWritability reports whether the adapter will itself call
	// Device.Wakeup once it becomes writable again; if false, Device falls
	// back to a 100ms retry timer per spec.md §6's "flags" field.
	NotifiesWritability() bool
}

// Hooks are the subclass-provided behaviors spec.md §4.4.1/§9 describes as
// virtual methods (read_one_msg_from_device, send_msg_to_client,
// remove_client, on_free_self_token); SmartcardDevice and VmcDevice each
// supply their own.
type Hooks struct {
	// ReadOneMsgFromDevice returns the next complete message addressed to
	// clients, or (nil, nil) if none is available yet.
	ReadOneMsgFromDevice func() (pipeitem.Item, error)
	// SendMsgToClient delivers item to client, immediately (not queued).
	SendMsgToClient func(client ClientID, item pipeitem.Item)
	// RemoveClient is invoked when the device force-removes client, e.g. on
	// send-queue overflow or credit overflow; the concrete channel is
	// expected to disconnect the corresponding ChannelClient.
	RemoveClient func(client ClientID)
	// OnFreeSelfToken is invoked synchronously whenever a server-with-token
	// write buffer completes and numSelfTokens is incremented.
	OnFreeSelfToken func()
	// SendTokensToClient advertises n additional client-writable tokens.
	SendTokensToClient func(client ClientID, n uint64)
}

// Config bounds the device's token and queue behavior.
type Config struct {
	// ClientTokensInterval is how many returned credits accumulate before
	// they are folded into NumClientTokens and advertised (spec.md §4.4.4).
	ClientTokensInterval uint64
	// RetryInterval is how often the write-retry timer fires when the
	// adapter doesn't notify writability itself. Defaults to 100ms.
	RetryInterval time.Duration
	// WaitForTokensTimeout is how long a client may hold zero send-credit
	// before being force-removed as an overflow (spec.md §5). Zero selects
	// the 30s default; a negative value disables the timer.
	WaitForTokensTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.ClientTokensInterval == 0 {
		c.ClientTokensInterval = 1
	}
	if c.WaitForTokensTimeout == 0 {
		c.WaitForTokensTimeout = 30 * time.Second
	}
	return c
}

// Device is spec.md §3/§4.4's CharDevice: a FIFO of outbound write buffers
// to the guest, a list of attached clients, a self-token counter, and the
// running/waiting-for-migration state machine of §4.4.5.
//
// Every exported method is documented as server-thread-only: like the
// reference implementation, Device has no internal locking of its own and
// relies entirely on spec.md §5's single-threaded event-loop discipline.
// Reentrancy (a callback invoked from inside ReadLoop/WriteLoop calling
// back into the same loop) is handled by the depth counters below, not by
// a mutex — this mirrors the "poor man's coroutine" spec.md §9 calls out.
type Device struct {
	loop    *eventloop.Loop
	log     *logging.Logger
	adapter Adapter
	hooks   Hooks
	cfg     Config

	writeQueue  *list.List // *WriteBuffer, oldest at Back, drained from Back
	curBuf      *WriteBuffer
	curBufPos   int
	numSelfTokens uint64

	clients   []*deviceClient
	byID      map[ClientID]*deviceClient

	running             bool
	waitingForMigration bool
	devicePresent       bool

	readDepth int
	readRerun bool

	writeDepth int
	writeRerun bool

	retryTimer  *eventloop.Timer
	retryLimiter *rate.Limiter
}

// New creates a Device bound to loop, driving adapter per hooks.
func New(loop *eventloop.Loop, log *logging.Logger, adapter Adapter, hooks Hooks, cfg Config) *Device {
	if log == nil {
		log = logging.Discard()
	}
	return &Device{
		loop:          loop,
		log:           log,
		adapter:       adapter,
		hooks:         hooks,
		cfg:           cfg.withDefaults(),
		writeQueue:    list.New(),
		byID:          make(map[ClientID]*deviceClient),
		devicePresent: true,
		retryLimiter:  rate.NewLimiter(rate.Every(cfg.withDefaults().RetryInterval), 1),
	}
}

// ClientAdd attaches client to the device, per spec.md §4.4.1.
// waitMigration is only valid while the device is inactive and has no
// prior clients.
func (d *Device) ClientAdd(id ClientID, flowControl bool, maxQueue int, clientTokens, sendTokens uint64, waitMigration bool) error {
	if _, exists := d.byID[id]; exists {
		return errors.Errorf("chardevice: client %v already attached", id)
	}
	if waitMigration && (d.running || len(d.clients) > 0) {
		return errors.New("chardevice: wait_migration requires an inactive device with no prior clients")
	}
	if !flowControl {
		clientTokens, sendTokens = infiniteTokens, infiniteTokens
	}
	dc := &deviceClient{
		id:                  id,
		doFlowControl:       flowControl,
		numClientTokens:     clientTokens,
		numSendTokens:       sendTokens,
		maxSendQueueSize:    maxQueue,
		waitingForMigration: waitMigration,
	}
	d.clients = append(d.clients, dc)
	d.byID[id] = dc
	if waitMigration {
		d.waitingForMigration = true
	}
	d.wakeupLocked()
	return nil
}

// ClientRemove detaches client, dropping its queued outbound items and
// demoting any in-flight write buffer it originated to OriginNone
// (spec.md §3 "Lifecycles").
func (d *Device) ClientRemove(id ClientID) {
	dc, ok := d.byID[id]
	if !ok {
		return
	}
	d.removeClientRecord(dc)
	if d.waitingForMigration && len(d.clients) == 0 {
		d.waitingForMigration = false
	}
}

func (d *Device) removeClientRecord(dc *deviceClient) {
	delete(d.byID, dc.id)
	for i, c := range d.clients {
		if c == dc {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			break
		}
	}
	if dc.waitForTokens != nil {
		dc.waitForTokens.Cancel()
	}
	for _, item := range dc.sendQueue {
		item.Unref()
	}
	dc.sendQueue = nil

	if d.curBuf != nil && d.curBuf.Origin == OriginClient && d.curBuf.Client == dc.id {
		d.curBuf.Origin = OriginNone
	}
	for e := d.writeQueue.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*WriteBuffer)
		if buf.Origin == OriginClient && buf.Client == dc.id {
			buf.Origin = OriginNone
		}
	}
}

// forceRemove is the overflow path: both token overflow
// (write_buffer_get_client) and send-queue overflow force-remove the
// offending client and notify the owning Hooks.RemoveClient so the
// concrete channel disconnects it.
func (d *Device) forceRemove(dc *deviceClient) {
	d.removeClientRecord(dc)
	if d.hooks.RemoveClient != nil {
		d.hooks.RemoveClient(dc.id)
	}
}

// Start transitions Stopped -> Running (spec.md §4.4.5) and resumes the
// read/write loops.
func (d *Device) Start() {
	d.running = true
	d.adapter.SetState(true)
	d.wakeupLocked()
}

// Stop transitions Running -> Stopped. Queued writes are preserved (unlike
// Reset).
func (d *Device) Stop() {
	d.running = false
	d.adapter.SetState(false)
	if d.retryTimer != nil {
		d.retryTimer.Cancel()
	}
}

// Reset transitions to Stopped and clears all queues, per spec.md §4.4.5.
func (d *Device) Reset() {
	d.Stop()
	for e := d.writeQueue.Front(); e != nil; e = e.Next() {
		e.Value.(*WriteBuffer).unref()
	}
	d.writeQueue.Init()
	d.curBuf = nil
	d.curBufPos = 0
}

// Wakeup requests the device re-run its read and write loops, e.g. after
// the adapter reports new readability/writability or after a client
// returns tokens.
func (d *Device) Wakeup() { d.wakeupLocked() }

func (d *Device) wakeupLocked() {
	if !d.running || d.waitingForMigration || !d.devicePresent {
		return
	}
	d.doRead()
	d.doWrite()
}

// Destroy tears the device down: removes every client, releases every
// buffer, and cancels the retry timer (spec.md §4.4.5 "Terminal").
func (d *Device) Destroy() {
	for _, dc := range append([]*deviceClient(nil), d.clients...) {
		d.ClientRemove(dc.id)
	}
	d.Reset()
	d.devicePresent = false
}
