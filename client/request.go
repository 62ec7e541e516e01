// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"sort"
	"time"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// Reply is the outcome of a request.
type Reply struct {
	Service  string
	Sequence wire.SequenceID
	Success  bool
	// Exhausted is set when no reply arrived after every retry. Payload is
	// empty then, which tells it apart from a failure reply.
	Exhausted bool
	Payload   [][]byte
}

// Callback receives the outcome of a request. It runs on the client loop
// and must not block.
type Callback func(Reply)

// ActiveRequest is a request waiting for its reply.
type ActiveRequest struct {
	Service  string
	Sequence wire.SequenceID
	Payload  [][]byte
	Timeout  time.Duration
	Retries  int
	Tries    int // transmissions so far under the current sequence id

	callback Callback
	timer    *reactor.Timer
}

func (r *ActiveRequest) retriesExceeded() bool { return r.Tries >= r.Retries }

// requestTable holds the active requests of one client, keyed by sequence id.
type requestTable struct {
	active map[wire.SequenceID]*ActiveRequest
}

func newRequestTable() *requestTable {
	return &requestTable{active: make(map[wire.SequenceID]*ActiveRequest)}
}

func (t *requestTable) add(r *ActiveRequest) { t.active[r.Sequence] = r }

func (t *requestTable) find(seq wire.SequenceID) *ActiveRequest { return t.active[seq] }

func (t *requestTable) remove(r *ActiveRequest) { delete(t.active, r.Sequence) }

func (t *requestTable) len() int { return len(t.active) }

// ordered returns the active requests in the order they were issued.
func (t *requestTable) ordered() []*ActiveRequest {
	out := make([]*ActiveRequest, 0, len(t.active))
	for _, r := range t.active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence.Less(out[j].Sequence) })
	return out
}

// renumber re-keys every active request under client, numbered from 1 in
// issue order, and returns the next free number.
func (t *requestTable) renumber(client uint32) uint64 {
	reqs := t.ordered()
	t.active = make(map[wire.SequenceID]*ActiveRequest, len(reqs))
	n := uint64(1)
	for _, r := range reqs {
		r.Sequence = wire.SequenceID{Number: n, Client: client}
		r.Tries = 0
		t.active[r.Sequence] = r
		n++
	}
	return n
}
