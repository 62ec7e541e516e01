// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// registry keeps the heartbeat state of every attached worker. All methods
// run on the broker loop.
type registry struct {
	loop     *reactor.Loop
	log      zerolog.Logger
	interval time.Duration
	retries  uint8
	workers  map[string]*Worker
	send     func(w *Worker, m *wire.Message)
}

func newRegistry(loop *reactor.Loop, log zerolog.Logger, interval time.Duration, retries uint8, send func(*Worker, *wire.Message)) *registry {
	return &registry{
		loop:     loop,
		log:      log,
		interval: interval,
		retries:  retries,
		workers:  make(map[string]*Worker),
		send:     send,
	}
}

func (r *registry) lookup(identity string) *Worker {
	r.loop.AssertOnLoop()
	return r.workers[identity]
}

// register creates a worker from its READY message and starts its beat
// timer. The worker gets the registry defaults, tightened by what it asked
// for.
func (r *registry) register(m *wire.Message) *Worker {
	r.loop.AssertOnLoop()
	w := &Worker{
		Identity:     m.Identity(),
		Service:      m.Service,
		Family:       m.Family,
		Envelope:     m.Envelope,
		Interval:     r.interval,
		Retries:      r.retries,
		lastReceived: r.loop.Now(),
	}
	r.tighten(w, m.Interval, m.Retries)
	r.workers[w.Identity] = w
	r.startBeat(w)

	r.log.Info().
		Str("worker", w.Identity).
		Str("service", w.Service).
		Dur("interval", w.Interval).
		Uint8("retries", w.Retries).
		Msg("worker registered")
	return w
}

// touch records that a message arrived from w.
func (r *registry) touch(w *Worker) {
	w.lastReceived = r.loop.Now()
}

// heartbeat refreshes w and adopts any tighter parameters it carries,
// restarting the beat timer when they change.
func (r *registry) heartbeat(w *Worker, interval time.Duration, retries uint8) {
	r.loop.AssertOnLoop()
	r.touch(w)
	if !r.tighten(w, interval, retries) {
		return
	}
	r.log.Debug().
		Str("worker", w.Identity).
		Dur("interval", w.Interval).
		Uint8("retries", w.Retries).
		Msg("heartbeat parameters tightened")
	r.stopBeat(w)
	r.startBeat(w)
}

// tighten adopts a lower interval and a higher retry count, per field.
func (r *registry) tighten(w *Worker, interval time.Duration, retries uint8) bool {
	changed := false
	if interval > 0 && interval < w.Interval {
		w.Interval = interval
		changed = true
	}
	if retries > w.Retries {
		w.Retries = retries
		changed = true
	}
	return changed
}

func (r *registry) startBeat(w *Worker) {
	w.beat = r.loop.Every(w.Interval, func() { r.beat(w) })
}

func (r *registry) stopBeat(w *Worker) {
	if w.beat == nil {
		return
	}
	if err := w.beat.Cancel(); err != nil {
		r.log.Error().Err(err).Str("worker", w.Identity).Msg("failed to cancel heartbeat timer")
	}
	w.beat = nil
}

// beat sends a HEARTBEAT to w unless something else was sent to it within
// the interval.
func (r *registry) beat(w *Worker) {
	if r.loop.Now().Sub(w.lastSent) < w.Interval {
		return
	}
	r.send(w, &wire.Message{
		Envelope: w.Envelope,
		Family:   w.Family,
		Role:     wire.RoleWorker,
		Kind:     wire.Heartbeat,
		Interval: w.Interval,
		Retries:  w.Retries,
	})
}

// remove stops w's beat timer and forgets it.
func (r *registry) remove(w *Worker) {
	r.loop.AssertOnLoop()
	r.stopBeat(w)
	delete(r.workers, w.Identity)
}

// expired returns the workers whose heartbeats lapsed, oldest first.
func (r *registry) expired() []*Worker {
	r.loop.AssertOnLoop()
	now := r.loop.Now()
	var out []*Worker
	for _, w := range r.workers {
		if w.expired(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lastReceived.Before(out[j].lastReceived)
	})
	return out
}

func (r *registry) len() int { return len(r.workers) }
