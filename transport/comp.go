package transport

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompStream wraps an io.ReadWriteCloser with snappy compression, adapted
// from the teacher's generic/comp.go and std/comp.go CompStream. The
// teacher wraps a net.Conn because kcptun compresses a live tunnel; here it
// wraps the narrower io.ReadWriteCloser the char-device adapter socket
// actually needs, dropping the LocalAddr/
// RemoteAddr/deadline passthroughs the teacher had no use for beyond
// satisfying net.Conn.
type CompStream struct {
	rwc io.ReadWriteCloser
	w   *snappy.Writer
	r   *snappy.Reader
}

// NewCompStream wraps rwc so every Write is snappy-compressed and flushed
// immediately, and every Read is transparently decompressed. Used for the
// guest device connection when --guest-comp is set (see
// cmd/spice-charserver's wrapGuestStream).
func NewCompStream(rwc io.ReadWriteCloser) *CompStream {
	return &CompStream{
		rwc: rwc,
		w:   snappy.NewBufferedWriter(rwc),
		r:   snappy.NewReader(rwc),
	}
}

func (c *CompStream) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *CompStream) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (c *CompStream) Close() error {
	return c.rwc.Close()
}
