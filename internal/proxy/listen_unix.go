// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build !windows

package proxy

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the listening socket before bind,
// so a restarted proxy can rebind a just-released port without waiting
// out TIME_WAIT. net.ListenConfig has no portable option for this, so it
// is set through the raw syscall Control hook - the standard idiom for
// socket options the stdlib net package does not expose.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
