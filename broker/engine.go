// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// Request is a client request. The engine holding it is the single owner
// of its frames until it closes.
type Request struct {
	Sequence wire.SequenceID
	Service  string
	Family   wire.Family // family the client spoke; replies use it
	Envelope [][]byte    // client return address
	Payload  [][]byte
	Received time.Time
}

// Outbox carries the messages an engine produces.
type Outbox interface {
	// Dispatch sends r to worker w.
	Dispatch(w *Worker, r *Request)
	// Close sends the final reply for r to its client. kind is
	// wire.ReplySuccess or wire.ReplyFailure.
	Close(r *Request, kind wire.Kind, payload [][]byte)
}

// Engine is the dispatch policy of one service. Engines run on the broker
// loop and need no locking.
type Engine interface {
	// Family names the dispatch policy.
	Family() wire.Family

	AddWorker(w *Worker)
	// RemoveWorker detaches w and fails or prunes its open requests.
	RemoveWorker(w *Worker)

	// Ready reports whether a new request can be accepted now.
	Ready() bool
	// Duplicate reports whether seq is already queued, open or closed.
	Duplicate(seq wire.SequenceID) bool
	// Submit takes ownership of r and dispatches it.
	Submit(r *Request)
	// Reply routes a worker reply. It reports false when the reply matched
	// no open request and was dropped.
	Reply(w *Worker, m *wire.Message) bool

	Stats() EngineStats
}

// EngineStats is a snapshot of an engine's load.
type EngineStats struct {
	Workers int
	Open    int
	Queued  int
}

// NewEngine returns the engine implementing family f, owned by loop.
func NewEngine(f wire.Family, loop *reactor.Loop, out Outbox, closed *ClosedIndex, log zerolog.Logger) Engine {
	if f == wire.Consensus {
		return NewConsensus(loop, out, closed, log)
	}
	return NewLoadBalanced(loop, out, closed, log)
}

func removeWorker(list []*Worker, w *Worker) ([]*Worker, bool) {
	for i, x := range list {
		if x == w {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
