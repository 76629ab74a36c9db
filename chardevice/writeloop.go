package chardevice

// doWrite drives the write loop under the same reentrancy discipline as
// doRead (spec.md §4.4.3/§9).
func (d *Device) doWrite() {
	d.assertOwnGoroutine("doWrite")
	d.writeDepth++
	if d.writeDepth > 1 {
		d.writeRerun = true
		return
	}
	for {
		d.writeOnce()
		d.writeDepth--
		if d.writeRerun {
			d.writeRerun = false
			d.writeDepth++
			continue
		}
		return
	}
}

func (d *Device) writeOnce() {
	if !d.running || d.waitingForMigration {
		return
	}
	for {
		if d.curBuf == nil {
			e := d.writeQueue.Back()
			if e == nil {
				return
			}
			d.writeQueue.Remove(e)
			d.curBuf = e.Value.(*WriteBuffer)
			d.curBufPos = 0
		}

		n, err := d.adapter.Write(d.curBuf.Data[d.curBufPos:])
		if err != nil {
			if err == ErrWouldBlock {
				d.armRetryTimer()
				return
			}
			d.log.Errorf("chardevice: device write error: %v", err)
			return
		}
		if n <= 0 {
			d.armRetryTimer()
			return
		}
		d.curBufPos += n
		if d.curBufPos >= len(d.curBuf.Data) {
			buf := d.curBuf
			d.curBuf = nil
			d.curBufPos = 0
			d.releaseBuffer(buf)
		}
	}
}

// armRetryTimer arms the ~100ms write-retry timer per spec.md §6's "flags"
// field, unless the adapter promises to call Wakeup itself once writable.
// The delay is the larger of the configured interval and retryLimiter's
// (golang.org/x/time/rate) reservation delay. The limiter's rate equals
// that same interval, so a guest that stays unwritable is retried at the
// configured interval; there is no further backoff.
func (d *Device) armRetryTimer() {
	if d.adapter.NotifiesWritability() || d.retryTimer != nil {
		return
	}
	delay := d.cfg.RetryInterval
	if r := d.retryLimiter.Reserve(); r.OK() {
		if rd := r.Delay(); rd > delay {
			delay = rd
		}
	} else {
		r.Cancel()
	}
	d.retryTimer = d.loop.NewTimer(delay, func() {
		d.retryTimer = nil
		d.doWrite()
	})
}
