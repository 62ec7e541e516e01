// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// Consensus broadcasts each request to every worker of the service and
// succeeds only when all of them succeed. One request is open at a time.
type Consensus struct {
	loop   *reactor.Loop
	out    Outbox
	closed *ClosedIndex
	log    zerolog.Logger

	workers []*Worker // registration order
	open    *ballot
}

// ballot is the state of the open consensus request.
type ballot struct {
	req     *Request
	voters  []*Worker // snapshot at broadcast, registration order
	replies map[*Worker][][]byte
}

func (b *ballot) complete() bool {
	for _, w := range b.voters {
		if _, ok := b.replies[w]; !ok {
			return false
		}
	}
	return true
}

// NewConsensus returns an empty consensus engine.
func NewConsensus(loop *reactor.Loop, out Outbox, closed *ClosedIndex, log zerolog.Logger) *Consensus {
	return &Consensus{loop: loop, out: out, closed: closed, log: log}
}

func (e *Consensus) Family() wire.Family { return wire.Consensus }

func (e *Consensus) AddWorker(w *Worker) {
	e.loop.AssertOnLoop()
	e.workers = append(e.workers, w)
}

// RemoveWorker drops w from the vote of the open request. The request
// succeeds if every remaining voter already agreed and fails if no voter
// is left.
func (e *Consensus) RemoveWorker(w *Worker) {
	e.loop.AssertOnLoop()
	var ok bool
	if e.workers, ok = removeWorker(e.workers, w); !ok {
		return
	}
	b := e.open
	if b == nil {
		return
	}
	if b.voters, ok = removeWorker(b.voters, w); !ok {
		return
	}
	delete(b.replies, w)

	switch {
	case len(b.voters) == 0:
		e.log.Warn().Stringer("sequence", b.req.Sequence).Msg("all voters left; failing request")
		e.finish(wire.ReplyFailure, nil)
	case b.complete():
		e.finish(wire.ReplySuccess, b.tally())
	}
}

func (e *Consensus) Ready() bool {
	e.loop.AssertOnLoop()
	return e.open == nil
}

func (e *Consensus) Duplicate(seq wire.SequenceID) bool {
	e.loop.AssertOnLoop()
	if e.open != nil && e.open.req.Sequence == seq {
		return true
	}
	return e.closed.Has(seq)
}

// Submit broadcasts r to a snapshot of the current workers.
func (e *Consensus) Submit(r *Request) {
	e.loop.AssertOnLoop()
	if e.open != nil {
		e.log.Error().
			Stringer("sequence", r.Sequence).
			Stringer("open", e.open.req.Sequence).
			Msg("consensus request submitted while another is open; failing it")
		e.closed.Add(r.Sequence)
		e.out.Close(r, wire.ReplyFailure, nil)
		return
	}
	b := &ballot{
		req:     r,
		voters:  append([]*Worker(nil), e.workers...),
		replies: make(map[*Worker][][]byte, len(e.workers)),
	}
	e.open = b
	if len(b.voters) == 0 {
		e.finish(wire.ReplyFailure, nil)
		return
	}
	for _, w := range b.voters {
		e.out.Dispatch(w, r)
	}
}

// Reply records a vote. The first failure closes the request with the
// failing worker's payload.
func (e *Consensus) Reply(w *Worker, m *wire.Message) bool {
	e.loop.AssertOnLoop()
	b := e.open
	if b == nil || b.req.Sequence != m.Sequence {
		e.log.Debug().
			Str("worker", w.Identity).
			Stringer("sequence", m.Sequence).
			Bool("closed", e.closed.Has(m.Sequence)).
			Msg("dropping reply without open request")
		return false
	}
	if !contains(b.voters, w) {
		e.log.Warn().Str("worker", w.Identity).Stringer("sequence", m.Sequence).Msg("dropping reply from non-voter")
		return false
	}

	if m.Kind == wire.ReplyFailure {
		e.finish(wire.ReplyFailure, m.Payload)
		return true
	}
	b.replies[w] = m.Payload
	if b.complete() {
		e.finish(wire.ReplySuccess, b.tally())
	}
	return true
}

// tally concatenates the voters' payloads in registration order.
func (b *ballot) tally() [][]byte {
	var out [][]byte
	for _, w := range b.voters {
		out = append(out, b.replies[w]...)
	}
	return out
}

func (e *Consensus) finish(kind wire.Kind, payload [][]byte) {
	r := e.open.req
	e.open = nil
	e.closed.Add(r.Sequence)
	e.out.Close(r, kind, payload)
}

func (e *Consensus) Stats() EngineStats {
	e.loop.AssertOnLoop()
	s := EngineStats{Workers: len(e.workers)}
	if e.open != nil {
		s.Open = 1
	}
	return s
}

func contains(list []*Worker, w *Worker) bool {
	for _, x := range list {
		if x == w {
			return true
		}
	}
	return false
}
