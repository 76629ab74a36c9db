package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var errMismatch = errors.New("payload mismatch")

func TestPipeEndRoundTrip(t *testing.T) {
	a, b := NewSocketPair()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	payload := []byte("hello dispatcher")
	if _, err := a.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestPipeEndCloseUnblocksRead(t *testing.T) {
	a, b := NewSocketPair()
	t.Cleanup(func() { a.Close() })

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := b.Read(buf)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if err != io.EOF && err != ErrClosed {
			t.Fatalf("expected EOF or ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock pending read")
	}
}

func TestPipeEndReadyReflectsClose(t *testing.T) {
	a, b := NewSocketPair()
	t.Cleanup(func() { a.Close() })

	stop := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- b.Ready(1, stop)
	}()

	time.Sleep(5 * time.Millisecond)
	b.Close()

	select {
	case ready := <-done:
		if ready {
			t.Fatal("expected Ready to report false once the end is closed with nothing buffered")
		}
	case <-time.After(time.Second):
		t.Fatal("Ready did not return after close")
	}
}

func TestCompStreamRoundTrip(t *testing.T) {
	left, right := NewSocketPair()
	compWriter := NewCompStream(left)
	compReader := NewCompStream(right)
	t.Cleanup(func() {
		compWriter.Close()
		compReader.Close()
	})

	payload := bytes.Repeat([]byte("migration snapshot payload"), 64)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(compReader, buf); err != nil {
			readErr <- err
			return
		}
		if !bytes.Equal(buf, payload) {
			readErr <- errMismatch
			return
		}
		readErr <- nil
	}()

	if n, err := compWriter.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	} else if n != len(payload) {
		t.Fatalf("wrote %d, want %d", n, len(payload))
	}

	if err := <-readErr; err != nil {
		t.Fatalf("reader: %v", err)
	}
}

func TestPSKStreamRoundTrip(t *testing.T) {
	left, right := NewSocketPair()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	var encLeft, encRight io.ReadWriteCloser
	var leftErr, rightErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		encLeft, leftErr = NewPSKStream(left, []byte("shared-secret"))
	}()
	go func() {
		defer wg.Done()
		encRight, rightErr = NewPSKStream(right, []byte("shared-secret"))
	}()
	wg.Wait()
	if leftErr != nil {
		t.Fatalf("NewPSKStream: %v", leftErr)
	}
	if rightErr != nil {
		t.Fatalf("NewPSKStream: %v", rightErr)
	}

	payload := []byte("char-device adapter handshake")
	go encLeft.Write(payload)

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(encRight, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestPSKStreamWrongPassphrase(t *testing.T) {
	left, right := NewSocketPair()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	var encLeft, encRight io.ReadWriteCloser
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		encLeft, _ = NewPSKStream(left, []byte("correct-horse"))
	}()
	go func() {
		defer wg.Done()
		encRight, _ = NewPSKStream(right, []byte("battery-staple"))
	}()
	wg.Wait()

	payload := []byte("plaintext")
	go encLeft.Write(payload)

	buf := make([]byte, len(payload))
	io.ReadFull(encRight, buf)
	if bytes.Equal(buf, payload) {
		t.Fatal("decrypted under wrong passphrase produced the original plaintext")
	}
}

func TestParseMultiPortValid(t *testing.T) {
	tests := []struct {
		name string
		addr string
		host string
		min  uint64
		max  uint64
	}{
		{name: "SinglePort", addr: "example.com:5900", host: "example.com", min: 5900, max: 5900},
		{name: "Range", addr: "example.com:5900-5910", host: "example.com", min: 5900, max: 5910},
		{name: "IPv4Range", addr: "0.0.0.0:1-65535", host: "0.0.0.0", min: 1, max: 65535},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, err := ParseMultiPort(tt.addr)
			if err != nil {
				t.Fatalf("ParseMultiPort(%q) unexpected error: %v", tt.addr, err)
			}
			if mp.Host != tt.host || mp.MinPort != tt.min || mp.MaxPort != tt.max {
				t.Fatalf("got %+v, want host=%s min=%d max=%d", mp, tt.host, tt.min, tt.max)
			}
		})
	}
}

func TestParseMultiPortInvalid(t *testing.T) {
	tests := []string{
		"example.com",
		"example.com:0",
		"example.com:70000",
		"example.com:3000-2000",
	}
	for _, addr := range tests {
		if _, err := ParseMultiPort(addr); err == nil {
			t.Fatalf("ParseMultiPort(%q) expected error", addr)
		}
	}
}
