// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// LoadBalanced hands every request to exactly one worker, least recently
// used first. Requests wait in a FIFO queue while every worker is busy.
type LoadBalanced struct {
	loop   *reactor.Loop
	out    Outbox
	closed *ClosedIndex
	log    zerolog.Logger

	workers  map[*Worker]struct{}
	idle     []*Worker // least recently used first
	assigned map[*Worker]*Request
	open     map[wire.SequenceID]*Request
	queue    []*Request
	queued   map[wire.SequenceID]struct{}
}

// NewLoadBalanced returns an empty load-balanced engine.
func NewLoadBalanced(loop *reactor.Loop, out Outbox, closed *ClosedIndex, log zerolog.Logger) *LoadBalanced {
	return &LoadBalanced{
		loop:     loop,
		out:      out,
		closed:   closed,
		log:      log,
		workers:  make(map[*Worker]struct{}),
		assigned: make(map[*Worker]*Request),
		open:     make(map[wire.SequenceID]*Request),
		queued:   make(map[wire.SequenceID]struct{}),
	}
}

func (e *LoadBalanced) Family() wire.Family { return wire.LoadBalanced }

// AddWorker puts w at the least recently used end, so it is picked next.
func (e *LoadBalanced) AddWorker(w *Worker) {
	e.loop.AssertOnLoop()
	e.workers[w] = struct{}{}
	e.idle = append([]*Worker{w}, e.idle...)
	e.drain()
}

// RemoveWorker fails the request assigned to w, if any. When w was the last
// worker, queued requests fail too.
func (e *LoadBalanced) RemoveWorker(w *Worker) {
	e.loop.AssertOnLoop()
	if _, ok := e.workers[w]; !ok {
		return
	}
	delete(e.workers, w)
	e.idle, _ = removeWorker(e.idle, w)

	if r, ok := e.assigned[w]; ok {
		delete(e.assigned, w)
		e.log.Warn().
			Str("worker", w.Identity).
			Stringer("sequence", r.Sequence).
			Msg("worker left with an open request; failing it")
		e.finish(r, wire.ReplyFailure, nil)
	}

	if len(e.workers) == 0 && len(e.queue) > 0 {
		queue := e.queue
		e.queue = nil
		for _, r := range queue {
			delete(e.queued, r.Sequence)
			e.finish(r, wire.ReplyFailure, nil)
		}
	}
}

func (e *LoadBalanced) Ready() bool {
	e.loop.AssertOnLoop()
	return true
}

func (e *LoadBalanced) Duplicate(seq wire.SequenceID) bool {
	e.loop.AssertOnLoop()
	if _, ok := e.open[seq]; ok {
		return true
	}
	if _, ok := e.queued[seq]; ok {
		return true
	}
	return e.closed.Has(seq)
}

func (e *LoadBalanced) Submit(r *Request) {
	e.loop.AssertOnLoop()
	e.queue = append(e.queue, r)
	e.queued[r.Sequence] = struct{}{}
	e.drain()
}

// drain dispatches queued requests while both a request and an idle worker
// are available.
func (e *LoadBalanced) drain() {
	for len(e.queue) > 0 && len(e.idle) > 0 {
		r := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		delete(e.queued, r.Sequence)

		w := e.idle[0]
		e.idle = e.idle[1:]

		e.open[r.Sequence] = r
		e.assigned[w] = r
		e.out.Dispatch(w, r)
	}
}

// Reply closes the request assigned to w and returns w to the most
// recently used end.
func (e *LoadBalanced) Reply(w *Worker, m *wire.Message) bool {
	e.loop.AssertOnLoop()
	r, ok := e.assigned[w]
	if !ok || r.Sequence != m.Sequence {
		ev := e.log.Debug()
		if !e.closed.Has(m.Sequence) {
			ev = e.log.Warn()
		}
		ev.Str("worker", w.Identity).
			Stringer("sequence", m.Sequence).
			Bool("closed", e.closed.Has(m.Sequence)).
			Msg("dropping reply without open request")
		return false
	}

	delete(e.assigned, w)
	e.finish(r, m.Kind, m.Payload)
	e.idle = append(e.idle, w)
	e.drain()
	return true
}

func (e *LoadBalanced) finish(r *Request, kind wire.Kind, payload [][]byte) {
	delete(e.open, r.Sequence)
	e.closed.Add(r.Sequence)
	e.out.Close(r, kind, payload)
}

func (e *LoadBalanced) Stats() EngineStats {
	e.loop.AssertOnLoop()
	return EngineStats{
		Workers: len(e.workers),
		Open:    len(e.open),
		Queued:  len(e.queue),
	}
}
