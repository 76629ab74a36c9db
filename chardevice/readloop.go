package chardevice

import "github.com/spice-gm/spice-server-go/pipeitem"

// doRead drives the read loop under the reentrancy discipline of spec.md
// §4.4.2/§9: a nested invocation (typically triggered by
// Hooks.SendMsgToClient synchronously calling back into the device) sets
// readRerun instead of recursing, and the outer call re-runs once more
// before returning.
func (d *Device) doRead() {
	d.assertOwnGoroutine("doRead")
	d.readDepth++
	if d.readDepth > 1 {
		d.readRerun = true
		return
	}
	for {
		d.readOnce()
		d.readDepth--
		if d.readRerun {
			d.readRerun = false
			d.readDepth++
			continue
		}
		return
	}
}

func (d *Device) readOnce() {
	if !d.running || d.waitingForMigration || !d.devicePresent {
		return
	}
	if d.hooks.ReadOneMsgFromDevice == nil {
		return
	}
	// max-send-tokens is a one-time gate (spec.md §4.4.2 steps 1-2): once
	// the device starts draining, it keeps pulling complete messages off
	// the guest until none remain, relying on broadcast's per-item
	// deferred-queue to absorb clients that run out of credit mid-drain.
	if d.maxSendTokens() == 0 && len(d.clients) != 0 {
		return
	}
	for {
		item, err := d.hooks.ReadOneMsgFromDevice()
		if err != nil {
			d.log.Errorf("chardevice: read_one_msg_from_device: %v", err)
			return
		}
		if item == nil {
			return
		}
		d.broadcast(item)
	}
}

// maxSendTokens is the max over attached clients of num-send-tokens, or
// infiniteTokens if any client has flow control disabled (spec.md §4.4.2
// step 1).
func (d *Device) maxSendTokens() uint64 {
	var max uint64
	for _, c := range d.clients {
		if !c.doFlowControl {
			return infiniteTokens
		}
		if c.numSendTokens > max {
			max = c.numSendTokens
		}
	}
	return max
}

// broadcast hands item to every attached client with credit, defers it for
// the rest, and force-removes any client whose deferred queue would
// overflow (spec.md §4.4.2 step 3).
func (d *Device) broadcast(item pipeitem.Item) {
	if len(d.clients) == 0 {
		item.Unref()
		return
	}
	// clients may shrink mid-loop if forceRemove fires; iterate a snapshot.
	targets := append([]*deviceClient(nil), d.clients...)
	for i, c := range targets {
		perClient := item
		if i > 0 {
			perClient = item.Ref()
		}
		if c.sendTokensAvailable() {
			if c.doFlowControl {
				c.numSendTokens--
			}
			if d.hooks.SendMsgToClient != nil {
				d.hooks.SendMsgToClient(c.id, perClient)
			} else {
				perClient.Unref()
			}
			continue
		}
		if c.queueFull() {
			perClient.Unref()
			d.forceRemove(c)
			continue
		}
		c.sendQueue = append(c.sendQueue, perClient)
		d.armWaitForTokens(c)
	}
}

func (d *Device) armWaitForTokens(c *deviceClient) {
	if c.waitForTokens != nil || d.cfg.WaitForTokensTimeout <= 0 {
		return
	}
	c.waitForTokens = d.loop.NewTimer(d.cfg.WaitForTokensTimeout, func() {
		c.waitForTokens = nil
		d.forceRemove(c)
	})
}
