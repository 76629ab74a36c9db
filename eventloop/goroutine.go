package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's numeric id from its
// own stack trace header ("goroutine 123 [running]: ..."). There is no
// supported public API for this; it exists only to let OnLoopGoroutine
// answer the same question the reference server asks with
// pthread_self() == thread_id; Run records its own id with it and
// OnLoopGoroutine compares against that, and nothing else uses it.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// OnLoopGoroutine reports whether the calling goroutine is the one
// currently pumping Run — i.e. already on the "server thread". Callers use
// this the way the reference MainDispatcher compares pthread_self() against
// its stored thread_id to decide whether to execute inline or hand off
// through the Dispatcher. Returns false before Run has been called.
func (l *Loop) OnLoopGoroutine() bool {
	l.mu.Lock()
	running := l.running
	owner := l.ownerGoroutine
	l.mu.Unlock()
	return running && owner == currentGoroutineID()
}
