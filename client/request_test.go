// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/zbroker/wire"
)

func TestRequestTableRenumber(t *testing.T) {
	tab := newRequestTable()
	for _, n := range []uint64{9, 4, 6} {
		tab.add(&ActiveRequest{Sequence: wire.SequenceID{Number: n, Client: 1}, Service: "s", Tries: 2})
	}

	next := tab.renumber(8)
	assert.Equal(t, uint64(4), next)

	reqs := tab.ordered()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, wire.SequenceID{Number: uint64(i + 1), Client: 8}, r.Sequence)
		assert.Zero(t, r.Tries)
		assert.Same(t, r, tab.find(r.Sequence))
	}
	assert.Nil(t, tab.find(wire.SequenceID{Number: 4, Client: 1}))
}

func TestRetriesExceeded(t *testing.T) {
	r := &ActiveRequest{Retries: 2}
	r.Tries = 1
	assert.False(t, r.retriesExceeded())
	r.Tries = 2
	assert.True(t, r.retriesExceeded())

	// zero retries still sends once
	assert.True(t, (&ActiveRequest{Tries: 1}).retriesExceeded())
}

func TestClientIdentity(t *testing.T) {
	// FNV-1a of "foo" is 0xa9f37ed7
	assert.Equal(t, uint32(0x29f37ed7), hashIdentity("foo"))
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, NewClientID(), uint32(identityMask))
	}
	assert.NotEqual(t, NewClientID(), NewClientID())
}
