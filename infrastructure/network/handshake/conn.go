package handshake

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// maxHandshakeSize bounds the bytes read before the handshake completes.
const maxHandshakeSize = 64 * 1024

// limitedReader fails reads once its budget is exhausted. A negative
// budget means unlimited.
type limitedReader struct {
	reader    io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return l.reader.Read(p)
	}
	if l.remaining == 0 {
		return 0, errors.Wrapf(ErrMalformedHandshake, "handshake exceeds %d bytes", maxHandshakeSize)
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// Conn is a negotiated Gnutella connection. Reads first drain whatever
// the handshake reader buffered past the final header block, and go
// through an inflater when the remote host deflates its output. Writes
// are deflated and flushed per call when this node deflates its output.
type Conn struct {
	net.Conn

	reader  *bufio.Reader
	inflate bool

	readLock sync.Mutex
	inflater io.ReadCloser

	writeLock sync.Mutex
	deflater  *zlib.Writer
}

func newConn(conn net.Conn, reader *bufio.Reader, inflate bool, deflate bool) *Conn {
	c := &Conn{
		Conn:    conn,
		reader:  reader,
		inflate: inflate,
	}
	if deflate {
		c.deflater = zlib.NewWriter(conn)
	}
	return c
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	if !c.inflate {
		return c.reader.Read(p)
	}

	c.readLock.Lock()
	defer c.readLock.Unlock()
	// zlib.NewReader reads the stream header, so it's created on the first
	// read rather than during the handshake.
	if c.inflater == nil {
		inflater, err := zlib.NewReader(c.reader)
		if err != nil {
			return 0, err
		}
		c.inflater = inflater
	}
	return c.inflater.Read(p)
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	if c.deflater == nil {
		return c.Conn.Write(p)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	n, err := c.deflater.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.deflater.Flush()
}

// IsInflating returns whether the input of the connection is compressed.
func (c *Conn) IsInflating() bool {
	return c.inflate
}

// IsDeflating returns whether the output of the connection is compressed.
func (c *Conn) IsDeflating() bool {
	return c.deflater != nil
}

// NewPlainConn wraps an established connection that exchanges
// uncompressed messages and has nothing buffered.
func NewPlainConn(conn net.Conn) *Conn {
	return newConn(conn, bufio.NewReader(conn), false, false)
}
