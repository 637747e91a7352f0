// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import "sync"

// ConnRegistry is the ActiveConnections map: connID -> ClientConnRef,
// guarded by one mutex with short critical sections. An entry exists for
// exactly the interval between admission and handler exit. UpstreamWorker
// only ever reads it, as a liveness hint before writing a reply.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ClientConnRef
}

// NewConnRegistry builds an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[string]*ClientConnRef)}
}

// Add registers a connection on accept.
func (r *ConnRegistry) Add(ref *ClientConnRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[ref.ConnID] = ref
}

// Remove deregisters a connection on handler exit.
func (r *ConnRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Get returns the ref for connID, and whether it is still present.
func (r *ConnRegistry) Get(connID string) (*ClientConnRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.conns[connID]
	return ref, ok
}

// Len reports the number of currently registered connections.
func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of all currently registered refs, used only by
// the Supervisor during shutdown to force-close remaining sockets.
func (r *ConnRegistry) Snapshot() []*ClientConnRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientConnRef, 0, len(r.conns))
	for _, ref := range r.conns {
		out = append(out, ref)
	}
	return out
}
