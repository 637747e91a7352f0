// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

type upstreamState int

const (
	stateClosed upstreamState = iota
	stateConnecting
	stateOpen
)

// UpstreamConfig is the immutable slice of the config snapshot that
// UpstreamClient needs.
type UpstreamConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	PostConnectDelay time.Duration
	MaxRetries       int
	MaxBackoff       time.Duration
}

// UpstreamClient owns the single persistent TCP connection to the Modbus
// server. The socket is exclusively owned by this type and guarded by mu;
// no other component touches it. Exchange is mutually exclusive, so the
// upstream link carries exactly one in-flight frame at a time -
// transaction-id multiplexing is deliberately not used.
type UpstreamClient struct {
	cfg    UpstreamConfig
	logger *slog.Logger
	stopCh <-chan struct{}

	mu       sync.Mutex
	conn     net.Conn
	state    upstreamState
	failures uint32
	bo       *backoff.Backoff
}

// NewUpstreamClient builds a client in the Closed state. stopCh is the
// shared shutdown cancellation signal; reconnect backoff sleeps observe
// it so shutdown is never blocked behind a multi-second wait.
func NewUpstreamClient(cfg UpstreamConfig, stopCh <-chan struct{}, logger *slog.Logger) *UpstreamClient {
	return &UpstreamClient{
		cfg:    cfg,
		logger: logger,
		stopCh: stopCh,
		state:  stateClosed,
		bo: &backoff.Backoff{
			Min:    time.Second,
			Max:    cfg.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Connect ensures the client is Open, retrying with bounded exponential
// backoff until MaxRetries is exhausted.
func (c *UpstreamClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

// connectLocked requires the caller to hold mu.
func (c *UpstreamClient) connectLocked() error {
	if c.state == stateOpen {
		return nil
	}

	for attempt := 1; ; attempt++ {
		c.state = stateConnecting
		conn, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.ConnectTimeout)
		if err == nil {
			if c.cfg.PostConnectDelay > 0 {
				select {
				case <-time.After(c.cfg.PostConnectDelay):
				case <-c.stopCh:
					conn.Close()
					c.state = stateClosed
					return ErrShuttingDown
				}
			}
			c.conn = conn
			c.state = stateOpen
			c.failures = 0
			c.bo.Reset()
			return nil
		}

		c.failures++
		c.logger.Warn("upstream connect failed", "address", c.cfg.Address, "attempt", attempt, "err", err)

		if attempt >= c.cfg.MaxRetries {
			c.state = stateClosed
			return fmt.Errorf("%w: %s after %d attempts", ErrUpstreamUnavailable, c.cfg.Address, attempt)
		}

		wait := c.bo.Duration()
		if wait > c.cfg.MaxBackoff {
			wait = c.cfg.MaxBackoff
		}
		select {
		case <-time.After(wait):
		case <-c.stopCh:
			c.state = stateClosed
			return ErrShuttingDown
		}
	}
}

// Exchange writes req and reads exactly one response frame under mu, so
// the upstream link never interleaves two in-flight requests. On any
// socket error the connection is dropped and the error is surfaced to the
// caller without a retry - retrying the same Modbus write silently could
// double-actuate a coil.
func (c *UpstreamClient) Exchange(req Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOpen {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	if err := WriteFrame(c.conn, req); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("%w: write: %v", ErrUpstreamIO, err)
	}

	resp, err := ReadFrame(c.conn, time.Now().Add(c.cfg.ConnectTimeout))
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			c.closeLocked()
			return nil, err
		}
		c.closeLocked()
		return nil, fmt.Errorf("%w: read: %v", ErrUpstreamIO, err)
	}

	return resp, nil
}

// Close shuts down the upstream connection if one is open. Safe to call
// from Supervisor during shutdown even if no exchange is in flight.
func (c *UpstreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *UpstreamClient) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = stateClosed
}

// Failures returns the consecutive-failure counter, exposed for the
// Supervisor's shutdown summary.
func (c *UpstreamClient) Failures() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
