// Package bytebuf provides buffered byte-oriented input/output over a
// connection, with readiness signalling the edge engine uses to implement
// spec.md's stop_reading/start_reading flow-control gate.
//
// The source spec describes a single-threaded reactor registering a raw
// socket with an epoll/kqueue-style multiplexer and toggling its event mask.
// Go's idiomatic equivalent is a goroutine per connection; this package
// keeps the same semantics — no bytes are read off the wire while reading is
// stopped, and readiness changes take effect before the next read — without
// a literal poll loop.
package bytebuf

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opd-ai/go-tor-edge/pkg/logger"
	"github.com/opd-ai/go-tor-edge/pkg/pool"
)

// OutbufHighWaterMark is the outbuf size, in bytes, above which
// OutbufTooFull reports true and the engine withholds SENDMEs (spec.md
// section 4.2/4.3).
const OutbufHighWaterMark = 32 * 1024

// EventMask is a subset of {Read, Write, Err}, mirroring the multiplexer
// event mask spec.md's watch_events(conn, mask) sets.
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventErr
)

func (m EventMask) String() string {
	s := ""
	if m&EventRead != 0 {
		s += "R"
	}
	if m&EventWrite != 0 {
		s += "W"
	}
	if m&EventErr != 0 {
		s += "E"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Channel is a buffered byte-oriented wrapper around a net.Conn: C1 of the
// edge-stream engine. It owns inbuf/outbuf, a readiness mask, and the EOF
// flag spec.md's data model assigns to the edge connection.
type Channel struct {
	mu sync.Mutex

	conn   net.Conn
	logger *logger.Logger

	inbuf  bytes.Buffer
	outbuf bytes.Buffer

	mask EventMask

	readingStopped bool
	writingStopped bool
	eof            bool

	readBuf []byte
}

// New wraps conn in a Channel. The returned Channel starts registered for
// READ only, matching a freshly accepted or connected socket.
func New(conn net.Conn, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Channel{
		conn:    conn,
		logger:  log.Component("bytebuf"),
		mask:    EventRead,
		readBuf: pool.PayloadBufferPool.Get(),
	}
}

// Conn returns the underlying connection, used by circuit.GetByConn-style lookups.
func (c *Channel) Conn() net.Conn { return c.conn }

// FillFromSocket performs one nonblocking-style read of whatever the socket
// currently has pending into inbuf. It is the Go-idiomatic stand-in for the
// reactor waking this connection up on a READ event; callers only invoke it
// while reading is enabled (start_reading), matching spec.md's invariant 4.
func (c *Channel) FillFromSocket() (n int, err error) {
	c.mu.Lock()
	stopped := c.readingStopped
	c.mu.Unlock()
	if stopped {
		return 0, nil
	}

	n, err = c.conn.Read(c.readBuf)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.inbuf.Write(c.readBuf[:n])
	}
	if err == io.EOF {
		c.eof = true
		return n, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("bytebuf: read: %w", err)
	}
	return n, nil
}

// InbufReachedEOF reports whether the read side has seen EOF.
func (c *Channel) InbufReachedEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// Datalen returns the number of unread bytes currently buffered in inbuf.
func (c *Channel) Datalen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbuf.Len()
}

// FetchFromBuf consumes up to n bytes from inbuf into dst, returning the
// number of bytes actually copied (fewer than n if inbuf holds less).
func (c *Channel) FetchFromBuf(dst []byte, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(dst) {
		n = len(dst)
	}
	if n > c.inbuf.Len() {
		n = c.inbuf.Len()
	}
	if n <= 0 {
		return 0
	}
	copied, _ := c.inbuf.Read(dst[:n])
	return copied
}

// PeekInbuf returns a snapshot copy of the unread inbuf contents without consuming it.
func (c *Channel) PeekInbuf() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.inbuf.Len())
	copy(out, c.inbuf.Bytes())
	return out
}

// DiscardInbuf drops the first n bytes of inbuf (used once a parser has
// consumed them, e.g. after a successful SOCKS4 parse).
func (c *Channel) DiscardInbuf(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.inbuf.Len() {
		n = c.inbuf.Len()
	}
	c.inbuf.Next(n)
}

// WriteToBuf appends bytes to outbuf for later flushing to the socket.
func (c *Channel) WriteToBuf(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbuf.Write(p)
}

// OutbufTooFull reports whether outbuf has grown past the high-water mark;
// while true, the engine withholds SENDME emission (spec.md section 4.3).
func (c *Channel) OutbufTooFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbuf.Len() > OutbufHighWaterMark
}

// WantsToFlush reports whether outbuf holds bytes not yet written to the socket.
func (c *Channel) WantsToFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbuf.Len() > 0
}

// FlushBuf writes as much of outbuf to the socket as the socket will accept
// right now. Per spec.md's design note on finished_flushing, write errors are
// always surfaced rather than silently swallowed mid-flush.
func (c *Channel) FlushBuf() error {
	c.mu.Lock()
	pending := c.outbuf.Bytes()
	if len(pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	n, err := c.conn.Write(pending)

	c.mu.Lock()
	c.outbuf.Next(n)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("bytebuf: flush: %w", err)
	}
	return nil
}

// StartReading re-enables FillFromSocket and sets the READ bit in the watched mask.
func (c *Channel) StartReading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingStopped = false
	c.mask |= EventRead
}

// StopReading disables FillFromSocket and clears the READ bit. Called when a
// stream's package_window reaches zero (spec.md section 4.3).
func (c *Channel) StopReading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingStopped = true
	c.mask &^= EventRead
}

// StartWriting sets the WRITE bit, used while a nonblocking connect is in flight.
func (c *Channel) StartWriting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writingStopped = false
	c.mask |= EventWrite
}

// StopWriting clears the WRITE bit once outbuf has fully drained or a
// connect attempt resolves.
func (c *Channel) StopWriting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writingStopped = true
	c.mask &^= EventWrite
}

// WatchEvents sets the watched event mask directly (spec.md's watch_events(conn, mask)).
func (c *Channel) WatchEvents(mask EventMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mask = mask
	c.readingStopped = mask&EventRead == 0
	c.writingStopped = mask&EventWrite == 0
}

// Mask returns the currently watched event mask.
func (c *Channel) Mask() EventMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mask
}

// IsReadingStopped reports whether reads are currently gated off, the
// invariant spec.md section 3 ties to package_window == 0.
func (c *Channel) IsReadingStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readingStopped
}

// Release returns the channel's scratch read buffer to the shared pool. Call
// once when the connection is torn down.
func (c *Channel) Release() {
	c.mu.Lock()
	buf := c.readBuf
	c.readBuf = nil
	c.mu.Unlock()
	if buf != nil {
		pool.PayloadBufferPool.Put(buf)
	}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
