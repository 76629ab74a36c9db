package chardevice

// WriteBufferGetClient allocates a write buffer tagged with client's
// origin, per spec.md §4.4.1. A client with no remaining credit is a fatal
// overflow for that client: it is force-removed and nil is returned.
func (d *Device) WriteBufferGetClient(id ClientID, size int) (*WriteBuffer, error) {
	dc, ok := d.byID[id]
	if !ok {
		return nil, ErrOverflow
	}
	if !dc.clientTokensAvailable() {
		d.forceRemove(dc)
		return nil, ErrOverflow
	}
	var price uint32
	if dc.doFlowControl {
		dc.numClientTokens--
		price = 1
	}
	return newWriteBuffer(size, OriginClient, id, price), nil
}

// WriteBufferGetServer allocates a server-originated buffer. When
// useToken is true and the device has no self-tokens left, it returns nil
// rather than allocating (spec.md §4.4.1).
func (d *Device) WriteBufferGetServer(size int, useToken bool) *WriteBuffer {
	if useToken {
		if d.numSelfTokens == 0 {
			return nil
		}
		d.numSelfTokens--
		return newWriteBuffer(size, OriginServerToken, nil, 1)
	}
	return newWriteBuffer(size, OriginServerNoToken, nil, 0)
}

// WriteBufferAdd appends buf to the device write queue and attempts to
// drain it immediately.
func (d *Device) WriteBufferAdd(buf *WriteBuffer) {
	d.writeQueue.PushFront(buf)
	d.doWrite()
}

// WriteBufferRelease drops a buffer that was never enqueued, or that has
// already completed, crediting tokens back to its originator.
func (d *Device) WriteBufferRelease(buf *WriteBuffer) {
	d.releaseBuffer(buf)
}

func (d *Device) releaseBuffer(buf *WriteBuffer) {
	d.creditOrigin(buf)
	buf.unref()
}

func (d *Device) creditOrigin(buf *WriteBuffer) {
	switch buf.Origin {
	case OriginClient:
		dc, ok := d.byID[buf.Client]
		if !ok {
			return
		}
		dc.numClientTokensFree += uint64(buf.TokenPrice)
		if dc.numClientTokensFree >= d.cfg.ClientTokensInterval {
			granted := dc.numClientTokensFree
			dc.numClientTokensFree = 0
			dc.numClientTokens += granted
			if d.hooks.SendTokensToClient != nil {
				d.hooks.SendTokensToClient(dc.id, granted)
			}
		}
	case OriginServerToken:
		d.numSelfTokens++
		if d.hooks.OnFreeSelfToken != nil {
			d.hooks.OnFreeSelfToken()
		}
	}
}

// SendToClientTokensAdd credits n additional num-send-tokens to id (the
// client returning credit for device→client pushes), drains any deferred
// items that credit now covers, and re-arms the read loop.
func (d *Device) SendToClientTokensAdd(id ClientID, n uint64) {
	dc, ok := d.byID[id]
	if !ok {
		return
	}
	if dc.doFlowControl {
		dc.numSendTokens += n
	}
	d.drainDeferred(dc)
	d.doRead()
}

// SendToClientTokensSet sets id's num-send-tokens to exactly n, then drains
// deferred items and re-arms the read loop like SendToClientTokensAdd.
func (d *Device) SendToClientTokensSet(id ClientID, n uint64) {
	dc, ok := d.byID[id]
	if !ok {
		return
	}
	if dc.doFlowControl {
		dc.numSendTokens = n
	}
	d.drainDeferred(dc)
	d.doRead()
}

func (d *Device) drainDeferred(dc *deviceClient) {
	for len(dc.sendQueue) > 0 && dc.sendTokensAvailable() {
		item := dc.sendQueue[0]
		dc.sendQueue = dc.sendQueue[1:]
		if dc.doFlowControl {
			dc.numSendTokens--
		}
		if d.hooks.SendMsgToClient != nil {
			d.hooks.SendMsgToClient(dc.id, item)
		} else {
			item.Unref()
		}
	}
	if len(dc.sendQueue) == 0 && dc.waitForTokens != nil {
		dc.waitForTokens.Cancel()
		dc.waitForTokens = nil
	}
}
