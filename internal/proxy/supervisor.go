// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Config is the immutable snapshot the Supervisor wires its children
// from. It is the core's view of the config file described in spec.md
// §6 - main.go translates the snapshot loaded by internal/config into
// this struct once at startup.
type Config struct {
	ListenAddress  string
	ListenBacklog  int
	Upstream       UpstreamConfig
	AllowedIPs     []string
	MaxConnections int
	ReadOnly       bool
	IdleTimeout    time.Duration
	GracePeriod    time.Duration
}

// Supervisor binds the listener, wires the Framer/UpstreamClient/
// RequestQueue/ClientHandler/UpstreamWorker/Admission components
// together, and owns their combined lifecycle.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	listener  *net.TCPListener
	queue     *RequestQueue
	admission *Admission
	registry  *ConnRegistry
	upstream  *UpstreamClient

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connsServed atomic.Uint64
	rejections  atomic.Uint64
}

// NewSupervisor wires every component from cfg. It does not bind the
// listener yet - that happens in Run, so construction never fails on a
// transient bind error and Run's error is the sole source of truth for
// BindFailed.
func NewSupervisor(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	admission, err := NewAdmission(cfg.AllowedIPs, cfg.MaxConnections, cfg.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("invalid allow-list: %w", err)
	}

	stopCh := make(chan struct{})
	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		queue:     NewRequestQueue(QueueCapacity()),
		admission: admission,
		registry:  NewConnRegistry(),
		upstream:  NewUpstreamClient(cfg.Upstream, stopCh, logger),
		stopCh:    stopCh,
	}, nil
}

// Run binds the listener and blocks, accepting connections until a stop
// signal (SIGINT/SIGTERM, or an external call to Stop) fires, then runs
// the full shutdown sequence before returning.
func (s *Supervisor) Run() error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("%w: listener is not TCP", ErrBindFailed)
	}
	s.listener = tcpLn
	s.logger.Info("listening", "addr", s.cfg.ListenAddress, "maxConnections", s.cfg.MaxConnections)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("received signal, shutting down", "signal", sig)
			s.Stop()
		case <-s.stopCh:
		}
	}()

	worker := NewUpstreamWorker(s.queue, s.upstream, s.registry, s.stopCh, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run()
	}()

	s.acceptLoop()
	s.shutdown()
	return nil
}

// Stop requests a graceful shutdown; safe to call more than once or
// concurrently with Run's own signal handler.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Supervisor) acceptLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("accept failed", "err", err)
				continue
			}
		}
		s.handleAccept(conn)
	}
}

func (s *Supervisor) handleAccept(conn net.Conn) {
	if !s.admission.AllowIP(conn.RemoteAddr()) {
		s.logger.Warn("connection rejected by allow-list", "addr", conn.RemoteAddr())
		s.rejections.Add(1)
		conn.Close()
		return
	}
	if !s.admission.TryAcquire() {
		s.logger.Warn("connection rejected, at max connections", "addr", conn.RemoteAddr(), "max", s.cfg.MaxConnections)
		s.rejections.Add(1)
		conn.Close()
		return
	}

	ref := NewClientConnRef(conn)
	s.registry.Add(ref)
	s.connsServed.Add(1)

	handler := NewClientHandler(ref, s.queue, s.admission, s.registry, s.cfg.IdleTimeout, s.stopCh, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		handler.Run()
	}()
}

// shutdown closes the listener, closes the queue, force-closes every
// still-active client connection, closes the upstream, then joins the
// worker and all handlers within a bounded grace period.
func (s *Supervisor) shutdown() {
	s.listener.Close()
	s.queue.Close()

	for _, ref := range s.registry.Snapshot() {
		shutdownRDWR(ref.Conn())
		ref.Close()
	}

	s.upstream.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Warn("grace period expired, forcing remaining connections closed")
		for _, ref := range s.registry.Snapshot() {
			ref.Close()
		}
	}

	s.logger.Info("shutdown complete",
		"connectionsServed", s.connsServed.Load(),
		"admissionRejections", s.rejections.Load(),
		"upstreamReconnectFailures", s.upstream.Failures(),
	)
}

// shutdownRDWR issues a half-close in both directions before the final
// Close, so a blocked peer read/write unblocks with a reset rather than
// hanging until the grace period forces it.
func shutdownRDWR(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.CloseRead()
	tc.CloseWrite()
}
