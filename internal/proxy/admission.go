// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"net"

	"golang.org/x/sync/semaphore"
)

// readOnlyAllowedFuncs are the function codes admitted when Security.ReadOnly
// is set: reads and diagnostics, never a write.
var readOnlyAllowedFuncs = map[byte]struct{}{
	0x01: {}, // Read Coils
	0x02: {}, // Read Discrete Inputs
	0x03: {}, // Read Holding Registers
	0x04: {}, // Read Input Registers
	0x07: {}, // Read Exception Status
	0x0B: {}, // Get Comm Event Counter
	0x0C: {}, // Get Comm Event Log
	0x11: {}, // Report Server ID
	0x14: {}, // Read File Record
	0x18: {}, // Read FIFO Queue
}

// Admission implements the accept-time checks: CIDR allow-list and the
// concurrent-connection semaphore. It also carries the read-only policy,
// since both are configured together and used at the same two points
// (accept, and per-request after framing).
type Admission struct {
	networks []*net.IPNet
	sem      *semaphore.Weighted
	readOnly bool
}

// NewAdmission builds an Admission gate. allowList entries are CIDR
// strings, or bare IPs admitted as /32 (or /128 for IPv6). An empty
// allowList means allow all. maxConnections sizes the semaphore.
func NewAdmission(allowList []string, maxConnections int, readOnly bool) (*Admission, error) {
	networks, err := parseAllowList(allowList)
	if err != nil {
		return nil, err
	}
	return &Admission{
		networks: networks,
		sem:      semaphore.NewWeighted(int64(maxConnections)),
		readOnly: readOnly,
	}, nil
}

func parseAllowList(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, ErrAdmissionDenied
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// AllowIP reports whether addr passes the CIDR allow-list. An empty list
// allows everything.
func (a *Admission) AllowIP(addr net.Addr) bool {
	if len(a.networks) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// TryAcquire attempts to reserve one connection slot; it never blocks.
func (a *Admission) TryAcquire() bool {
	return a.sem.TryAcquire(1)
}

// Release gives back one connection slot; must be called exactly once
// per successful TryAcquire.
func (a *Admission) Release() {
	a.sem.Release(1)
}

// ReadOnly reports whether write function codes should be dropped.
func (a *Admission) ReadOnly() bool {
	return a.readOnly
}

// AllowFunctionCode reports whether fc may be forwarded under the
// read-only policy.
func AllowFunctionCode(fc byte) bool {
	_, ok := readOnlyAllowedFuncs[fc]
	return ok
}
