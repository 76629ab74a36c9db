package chardevice

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// migrateVersion pins the wire layout of the migration snapshot, per
// spec.md §6.
const migrateVersion = 1

const migrateHeaderSize = 1 + 1 + 8 + 8 + 4 + 8

// MigrateDataMarshal snapshots the device's pending write-queue bytes and
// token counters, per spec.md §6's migration snapshot format. Multi-client
// migration is undefined per §9; this marshals the first attached client's
// credit state, matching the single-reader contract the rest of the
// package assumes.
func (d *Device) MigrateDataMarshal() ([]byte, error) {
	var dc *deviceClient
	if len(d.clients) > 0 {
		dc = d.clients[0]
	}

	var numClientTokens, numSendTokens uint64
	if dc != nil {
		numClientTokens = dc.numClientTokens
		numSendTokens = dc.numSendTokens
	}

	var writeData []byte
	var writeNumClientTokens uint64
	if d.curBuf != nil {
		writeData = append(writeData, d.curBuf.Data[d.curBufPos:]...)
		if d.curBuf.Origin == OriginClient {
			writeNumClientTokens += uint64(d.curBuf.TokenPrice)
		}
	}
	// writeQueue is drained from Back (oldest); marshal in that same order
	// so restore reproduces identical byte ordering on the device write path.
	for e := d.writeQueue.Back(); e != nil; e = e.Prev() {
		buf := e.Value.(*WriteBuffer)
		writeData = append(writeData, buf.Data...)
		if buf.Origin == OriginClient {
			writeNumClientTokens += uint64(buf.TokenPrice)
		}
	}

	out := make([]byte, migrateHeaderSize, migrateHeaderSize+len(writeData))
	out[0] = migrateVersion
	out[1] = boolByte(d.running)
	binary.LittleEndian.PutUint64(out[2:10], numClientTokens)
	binary.LittleEndian.PutUint64(out[10:18], numSendTokens)
	binary.LittleEndian.PutUint32(out[18:22], uint32(len(writeData)))
	binary.LittleEndian.PutUint64(out[22:30], writeNumClientTokens)
	out = append(out, writeData...)
	return out, nil
}

// Restore re-establishes credits and in-flight bytes from a snapshot
// produced by MigrateDataMarshal, per spec.md §6. It requires a client
// already attached with wait_migration (ClientAdd's waitMigration=true),
// and resumes the device once restore completes (spec.md §4.4.5).
func (d *Device) Restore(snapshot []byte) error {
	if len(snapshot) < migrateHeaderSize {
		return errors.New("chardevice: truncated migration snapshot")
	}
	if len(d.clients) == 0 {
		return errors.New("chardevice: restore requires a waiting client")
	}

	connected := snapshot[1] != 0
	numClientTokens := binary.LittleEndian.Uint64(snapshot[2:10])
	numSendTokens := binary.LittleEndian.Uint64(snapshot[10:18])
	writeSize := binary.LittleEndian.Uint32(snapshot[18:22])
	writeNumClientTokens := binary.LittleEndian.Uint64(snapshot[22:30])
	writeData := snapshot[migrateHeaderSize:]
	if uint32(len(writeData)) < writeSize {
		return errors.New("chardevice: migration snapshot write_data truncated")
	}
	writeData = writeData[:writeSize]

	dc := d.clients[0]
	dc.numClientTokens = numClientTokens
	dc.numSendTokens = numSendTokens
	// client_tokens_interval - mig.num_client_tokens - mig.write_num_client_tokens,
	// per spec.md §6's restore-side recomputation of num_client_tokens_free.
	free := int64(d.cfg.ClientTokensInterval) - int64(numClientTokens) - int64(writeNumClientTokens)
	if free < 0 {
		free = 0
	}
	dc.numClientTokensFree = uint64(free)

	if writeSize > 0 {
		origin := OriginServerNoToken
		var price uint32
		if writeNumClientTokens > 0 {
			origin = OriginClient
			price = uint32(writeNumClientTokens)
		}
		buf := newWriteBuffer(int(writeSize), origin, dc.id, price)
		copy(buf.Data, writeData)
		d.writeQueue.PushFront(buf)
	}

	d.waitingForMigration = false
	d.running = true
	d.adapter.SetState(connected)
	d.doWrite()
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
