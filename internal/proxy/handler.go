// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"errors"
	"log/slog"
	"time"
)

// defaultIdleTimeout is the default inactivity window before a client
// connection is closed.
const defaultIdleTimeout = 60 * time.Second

// ClientHandler runs once per accepted connection: it reads frames from
// the client, applies the read-only filter, and enqueues work for the
// UpstreamWorker. It never writes to the upstream itself; replies are
// written back by UpstreamWorker through the same ClientConnRef.
type ClientHandler struct {
	conn        *ClientConnRef
	queue       *RequestQueue
	admission   *Admission
	registry    *ConnRegistry
	idleTimeout time.Duration
	logger      *slog.Logger
	stopCh      <-chan struct{}
}

// NewClientHandler builds a handler for one freshly accepted connection.
// The caller is expected to have already registered the connection in
// registry and acquired the admission semaphore slot.
func NewClientHandler(conn *ClientConnRef, queue *RequestQueue, admission *Admission, registry *ConnRegistry, idleTimeout time.Duration, stopCh <-chan struct{}, logger *slog.Logger) *ClientHandler {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &ClientHandler{
		conn:        conn,
		queue:       queue,
		admission:   admission,
		registry:    registry,
		idleTimeout: idleTimeout,
		stopCh:      stopCh,
		logger:      logger,
	}
}

// Run is the handler's loop: read, filter, enqueue, until cancel, peer
// close, idle timeout, or a malformed frame. On exit it removes itself
// from ActiveConnections, releases the admission slot exactly once, and
// closes the client socket - all idempotent so a race with UpstreamWorker
// closing the same socket is harmless.
func (h *ClientHandler) Run() {
	defer h.cleanup()

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		frame, err := ReadFrame(h.conn.Conn(), time.Now().Add(h.idleTimeout))
		if err != nil {
			h.logExit(err)
			return
		}

		if h.admission.ReadOnly() && !AllowFunctionCode(frame.FunctionCode()) {
			h.logger.Warn("dropping write under read-only policy", "connID", h.conn.ConnID, "func", frame.FunctionCode())
			continue
		}

		item := WorkItem{ADU: frame, ReplyTo: h.conn, ConnID: h.conn.ConnID}
		if err := h.queue.Put(item, h.stopCh); err != nil {
			return
		}
	}
}

func (h *ClientHandler) logExit(err error) {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		h.logger.Error("malformed frame, closing connection", "connID", h.conn.ConnID, "err", err)
	default:
		h.logger.Info("client connection closed", "connID", h.conn.ConnID, "err", err)
	}
}

func (h *ClientHandler) cleanup() {
	h.registry.Remove(h.conn.ConnID)
	h.admission.Release()
	h.conn.Close()
}
