// Package wire implements the framed, deadline-bounded socket I/O shared by
// all three wire protocols tyrantd speaks (component A of the design: see
// original_source/ttutil.h's TTSOCK, whose ttsockrecv/ttsockgetc/
// ttsockungetc/ttsockgets/ttsockcheckend this package mirrors in Go).
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

const (
	// bufSize mirrors TTSOCK's TTIOBUFSIZ (64 KiB) read buffer.
	bufSize = 64 * 1024
	// maxLine caps ReadLine's growth, as spec.md §4.A prescribes (16 MiB).
	maxLine = 16 * 1024 * 1024
)

// Conn wraps a net.Conn with a buffered reader, an end-of-stream flag, and
// a per-operation deadline, matching TTSOCK's responsibilities.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	end bool
	to  time.Duration
}

// New wraps nc for framed reads/writes. to is the default per-operation
// deadline (0 disables deadlines, useful in tests).
func New(nc net.Conn, to time.Duration) *Conn {
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, bufSize), to: to}
}

// RemoteAddr exposes the underlying connection's peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Raw returns the wrapped net.Conn, e.g. to tweak TCP options.
func (c *Conn) Raw() net.Conn { return c.nc }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Ended reports whether a prior read/write observed EOF or an I/O error.
func (c *Conn) Ended() bool { return c.end }

func (c *Conn) deadline() {
	if c.to > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.to))
	}
}

// PrefetchedLen reports how many bytes are already buffered and available
// without a blocking read, letting the dispatcher detect a pipelined
// request that arrived in the same TCP segment as the one just handled.
func (c *Conn) PrefetchedLen() int {
	return c.r.Buffered()
}

// ReadFull reads exactly n bytes, blocking until satisfied or the deadline
// elapses.
func (c *Conn) ReadFull(n int) ([]byte, error) {
	c.deadline()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		c.end = true
		return nil, err
	}
	return buf, nil
}

// ReadByte reads a single byte. Returns io.EOF (via err) at end of stream.
func (c *Conn) ReadByte() (byte, error) {
	c.deadline()
	b, err := c.r.ReadByte()
	if err != nil {
		c.end = true
		return 0, err
	}
	return b, nil
}

// UnreadByte pushes the last byte read by ReadByte back onto the stream,
// mirroring ttsockungetc.
func (c *Conn) UnreadByte() error {
	return c.r.UnreadByte()
}

// ReadLine reads one CR/LF-terminated line, with the trailing CR and any
// embedded NUL bytes dropped, as spec.md §4.A requires. It grows its
// internal buffer up to maxLine before giving up.
func (c *Conn) ReadLine() (string, error) {
	c.deadline()
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) >= maxLine {
				c.end = true
				return "", errors.New("wire: line too long")
			}
			continue
		}
		c.end = true
		return "", err
	}
	out := make([]byte, 0, len(line))
	for _, b := range line {
		if b == '\n' || b == '\r' || b == 0 {
			continue
		}
		out = append(out, b)
	}
	return string(out), nil
}

// ReadUint16 reads a big-endian uint16.
func (c *Conn) ReadUint16() (uint16, error) {
	b, err := c.ReadFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a big-endian uint32.
func (c *Conn) ReadUint32() (uint32, error) {
	b, err := c.ReadFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a big-endian uint64.
func (c *Conn) ReadUint64() (uint64, error) {
	b, err := c.ReadFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Send writes buf in full, retrying partial writes until the deadline.
func (c *Conn) Send(buf []byte) error {
	c.deadline()
	if _, err := c.nc.Write(buf); err != nil {
		c.end = true
		return err
	}
	return nil
}

// PutUint16 appends a big-endian uint16 to buf.
func PutUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

// PutUint32 appends a big-endian uint32 to buf.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// PutUint64 appends a big-endian uint64 to buf.
func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
