// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"time"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// clientRecord tracks the next sequence number expected from one client
// identity and the transport socket it first appeared on.
type clientRecord struct {
	origin   string
	expected uint64
	lastSeen time.Time
}

// Guard enforces that every client numbers its requests 1, 2, 3… without
// gaps, from a single transport socket. A gap means the broker lost a
// message; a foreign socket reusing a client identity is a hijack attempt.
// Either way the message is rejected and the client eventually reconnects
// under a fresh identity.
type Guard struct {
	loop    *reactor.Loop
	ttl     time.Duration
	clients map[uint32]*clientRecord
}

// NewGuard returns a guard owned by loop that forgets clients idle for
// longer than ttl. A nil loop skips the affinity check.
func NewGuard(loop *reactor.Loop, ttl time.Duration) *Guard {
	return &Guard{
		loop:    loop,
		ttl:     ttl,
		clients: make(map[uint32]*clientRecord),
	}
}

// Accept reports whether a message with sequence id seq arriving from the
// socket identified by origin is valid. Accepted messages advance the
// client's expectation; rejected ones leave the guard untouched.
func (g *Guard) Accept(seq wire.SequenceID, origin string, now time.Time) bool {
	g.loop.AssertOnLoop()
	rec, ok := g.clients[seq.Client]
	if !ok {
		if seq.Number != 1 {
			return false
		}
		g.clients[seq.Client] = &clientRecord{origin: origin, expected: 2, lastSeen: now}
		return true
	}
	if rec.origin != origin || rec.expected != seq.Number {
		return false
	}
	rec.expected++
	rec.lastSeen = now
	return true
}

// Sweep forgets every client not seen within the TTL and returns their
// identities.
func (g *Guard) Sweep(now time.Time) []uint32 {
	g.loop.AssertOnLoop()
	var purged []uint32
	oldest := now.Add(-g.ttl)
	for id, rec := range g.clients {
		if rec.lastSeen.Before(oldest) {
			delete(g.clients, id)
			purged = append(purged, id)
		}
	}
	return purged
}

// Len returns the number of tracked clients.
func (g *Guard) Len() int { return len(g.clients) }
