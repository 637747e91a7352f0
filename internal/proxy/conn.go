// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"net"
	"sync"
)

// ClientConnRef is the opaque handle to one accepted client socket shared
// between its ClientHandler (reads requests, closes on exit) and the
// UpstreamWorker (writes replies). Every write goes through writeMu so
// writes never interleave bytes on the same socket; Close is guarded by
// closeMu and is idempotent so both sides can call it during a race
// without double-close panics.
type ClientConnRef struct {
	ConnID string
	conn   net.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewClientConnRef wraps an accepted connection.
func NewClientConnRef(conn net.Conn) *ClientConnRef {
	return &ClientConnRef{
		ConnID: conn.RemoteAddr().String(),
		conn:   conn,
	}
}

// Conn returns the underlying connection, which ClientHandler reads from
// directly; reads are never shared with UpstreamWorker, so no lock is
// needed here.
func (c *ClientConnRef) Conn() net.Conn {
	return c.conn
}

// WriteFrame serializes reply writes between ClientHandler (request echoes,
// none in this proxy) and UpstreamWorker (the actual responses).
func (c *ClientConnRef) WriteFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, frame)
}

// Close is safe to call more than once; only the first call actually
// closes the socket.
func (c *ClientConnRef) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsClosed reports whether Close has already run.
func (c *ClientConnRef) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
