// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import "errors"

// Error kinds from the propagation policy: Config/BindFailed are fatal at
// startup, UpstreamUnavailable/UpstreamIO/ClientIO/MalformedFrame/
// AdmissionDenied terminate only the affected connection, ShuttingDown is
// silent to internal waiters and surfaced to clients as a socket close.
var (
	ErrBindFailed          = errors.New("proxy: bind failed")
	ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")
	ErrUpstreamIO          = errors.New("proxy: upstream i/o error")
	ErrClientIO            = errors.New("proxy: client i/o error")
	ErrMalformedFrame      = errors.New("proxy: malformed frame")
	ErrAdmissionDenied     = errors.New("proxy: admission denied")
	ErrShuttingDown        = errors.New("proxy: shutting down")
	ErrQueueClosed         = errors.New("proxy: queue closed")
)
