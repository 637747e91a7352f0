// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnRegistry_AddGetRemove(t *testing.T) {
	_, server := dialPipe(t)
	defer server.Close()

	r := NewConnRegistry()
	ref := NewClientConnRef(server)

	r.Add(ref)
	require.Equal(t, 1, r.Len())

	got, ok := r.Get(ref.ConnID)
	require.True(t, ok)
	require.Same(t, ref, got)

	r.Remove(ref.ConnID)
	require.Equal(t, 0, r.Len())

	_, ok = r.Get(ref.ConnID)
	require.False(t, ok)
}

func TestConnRegistry_Snapshot(t *testing.T) {
	r := NewConnRegistry()
	for i := 0; i < 3; i++ {
		_, server := dialPipe(t)
		defer server.Close()
		r.Add(NewClientConnRef(server))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
}
