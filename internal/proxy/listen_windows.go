// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build windows

package proxy

import "syscall"

// reuseAddrControl is a no-op on windows: SO_REUSEADDR has different
// (unsafe) semantics there, and Go's net package already rebinds cleanly
// without it on this platform.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
