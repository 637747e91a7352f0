// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", addr)
	return nil
}

func runSupervisor(t *testing.T, cfg Config) (*Supervisor, chan error) {
	t.Helper()
	sup, err := NewSupervisor(cfg, testLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run() }()
	return sup, errCh
}

func TestSupervisor_HappyPathEchoRoundTrip(t *testing.T) {
	mock := startMockUpstream(t)
	defer mock.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 10,
		GracePeriod:    time.Second,
		Upstream: UpstreamConfig{
			Address:        mock.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     3,
			MaxBackoff:     time.Second,
		},
	})
	defer func() {
		sup.Stop()
		<-errCh
	}()

	conn := dialRetry(t, listenAddr)
	defer conn.Close()

	req := Frame{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, WriteFrame(conn, req))

	resp, err := ReadFrame(conn, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []byte(req), []byte(resp))
}

func TestSupervisor_UpstreamDropMidExchangeResetsClientNotProcess(t *testing.T) {
	drop := startDropAfterNUpstream(t, 0)
	defer drop.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 10,
		GracePeriod:    time.Second,
		Upstream: UpstreamConfig{
			Address:        drop.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     0,
			MaxBackoff:     time.Second,
		},
	})
	defer func() {
		sup.Stop()
		<-errCh
	}()

	conn := dialRetry(t, listenAddr)
	defer conn.Close()

	req := Frame{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, WriteFrame(conn, req))

	// The upstream drops without replying; the client socket should be
	// reset (read returns an error), but the proxy process keeps running
	// and a second client can still connect.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)

	conn2 := dialRetry(t, listenAddr)
	conn2.Close()
}

func TestSupervisor_AdmissionControlEnforcesMaxConnections(t *testing.T) {
	mock := startMockUpstream(t)
	defer mock.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 2,
		GracePeriod:    time.Second,
		Upstream: UpstreamConfig{
			Address:        mock.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     3,
			MaxBackoff:     time.Second,
		},
	})
	defer func() {
		sup.Stop()
		<-errCh
	}()

	c1 := dialRetry(t, listenAddr)
	defer c1.Close()
	c2 := dialRetry(t, listenAddr)
	defer c2.Close()

	time.Sleep(100 * time.Millisecond) // let both accepts register

	c3 := dialRetry(t, listenAddr)
	defer c3.Close()

	buf := make([]byte, 1)
	c3.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c3.Read(buf)
	require.Error(t, err, "third connection should be rejected once MaxConnections is reached")
}

func TestSupervisor_AllowListRejectsDisallowedPeer(t *testing.T) {
	mock := startMockUpstream(t)
	defer mock.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 10,
		GracePeriod:    time.Second,
		AllowedIPs:     []string{"10.0.0.0/8"},
		Upstream: UpstreamConfig{
			Address:        mock.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     3,
			MaxBackoff:     time.Second,
		},
	})
	defer func() {
		sup.Stop()
		<-errCh
	}()

	conn := dialRetry(t, listenAddr) // dials from 127.0.0.1, not in 10.0.0.0/8
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err, "connection from outside the allow-list should be closed immediately")
}

func TestSupervisor_ReadOnlyFilterDropsWritesForwardsReads(t *testing.T) {
	mock := startMockUpstream(t)
	defer mock.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 10,
		GracePeriod:    time.Second,
		ReadOnly:       true,
		Upstream: UpstreamConfig{
			Address:        mock.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     3,
			MaxBackoff:     time.Second,
		},
	})
	defer func() {
		sup.Stop()
		<-errCh
	}()

	conn := dialRetry(t, listenAddr)
	defer conn.Close()

	write := Frame{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, WriteFrame(conn, write))

	read := Frame{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, WriteFrame(conn, read))

	resp, err := ReadFrame(conn, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint16(2), resp.TransactionID(), "only the read request's reply should arrive")
}

func TestSupervisor_GracefulShutdownWithInFlightExchange(t *testing.T) {
	mock := startMockUpstream(t)
	defer mock.close()

	listenAddr := freeTCPAddr(t)
	sup, errCh := runSupervisor(t, Config{
		ListenAddress:  listenAddr,
		ListenBacklog:  5,
		MaxConnections: 10,
		GracePeriod:    2 * time.Second,
		Upstream: UpstreamConfig{
			Address:        mock.addr(),
			ConnectTimeout: time.Second,
			MaxRetries:     3,
			MaxBackoff:     time.Second,
		},
	})

	conn := dialRetry(t, listenAddr)
	defer conn.Close()

	req := Frame{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, WriteFrame(conn, req))

	sup.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
