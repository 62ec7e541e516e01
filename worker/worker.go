// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worker implements the worker side of the broker protocol.
//
// A Worker registers for one service, answers the broker's requests through
// a Handler and exchanges heartbeats with the broker. When the broker goes
// quiet for longer than the heartbeat window, or tells the worker to
// disconnect, the worker opens a new connection and registers again.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

var (
	ErrRunning    = errors.New("worker: already running")
	ErrNotRunning = errors.New("worker: not running")
	ErrClosed     = errors.New("worker: closed")
)

// Worker serves one service for a broker.
type Worker struct {
	opts      Options
	log       zerolog.Logger
	transport zbroker.Transport
	loop      *reactor.Loop
	handler   Handler

	mu      sync.Mutex
	running bool
	stopped bool
	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// loop state
	conn         zbroker.Conn
	gen          uint64
	lastReceived time.Time
	lastSent     time.Time
	beat         *reactor.Timer
	check        *reactor.Timer
	reconnects   int
}

// New creates a worker that hands requests to handler.
func New(opts Options, transport zbroker.Transport, handler Handler) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}
	log := opts.Logger.With().Str("component", "worker").Str("service", opts.Service).Logger()
	w := &Worker{
		opts:      opts,
		log:       log,
		transport: transport,
		handler:   handler,
	}
	w.loop = reactor.New("worker", reactor.WithClock(opts.Clock), reactor.WithLogger(log))
	return w, nil
}

// Start connects to the broker and registers. ctx bounds the initial
// connect only.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrRunning
	}
	if w.stopped {
		return ErrClosed
	}

	conn, err := w.transport.Dial(ctx, w.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("worker: failed to connect to %s: %w", w.opts.Endpoint, err)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.loop.Start()
	if err := w.loop.Call(ctx, func() { w.attach(conn) }); err != nil {
		w.cancel()
		w.loop.Stop()
		return multierr.Append(err, conn.Close())
	}
	w.running = true
	return nil
}

// Stop tells the broker the worker is leaving and closes the connection.
// Jobs answered afterwards return ErrClosed.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrNotRunning
	}
	w.running = false
	w.stopped = true
	w.closing.Store(true)
	w.cancel()

	var err error
	cerr := w.loop.Call(context.Background(), func() {
		if w.conn != nil {
			w.send(&wire.Message{Kind: wire.Disconnect, Service: w.opts.Service})
		}
		w.stopTimers()
		err = w.detach()
	})
	err = multierr.Append(err, cerr)
	w.wg.Wait()
	w.loop.Stop()

	w.log.Info().Msg("worker stopped")
	return err
}

// Reconnects returns how many times the worker re-registered.
func (w *Worker) Reconnects(ctx context.Context) (int, error) {
	var n int
	err := w.loop.Call(ctx, func() { n = w.reconnects })
	return n, err
}

// attach makes conn current and registers with the broker.
func (w *Worker) attach(conn zbroker.Conn) {
	if w.closing.Load() {
		if err := conn.Close(); err != nil {
			w.log.Debug().Err(err).Msg("failed to close late connection")
		}
		return
	}
	w.gen++
	w.conn = conn
	w.wg.Add(1)
	go w.read(conn, w.gen)
	w.ready()
}

func (w *Worker) ready() {
	w.log.Info().
		Str("endpoint", w.opts.Endpoint).
		Dur("interval", w.opts.HeartbeatInterval).
		Uint8("retries", w.opts.HeartbeatRetries).
		Msg("sending READY")
	w.lastReceived = w.loop.Now()
	w.beat = w.loop.Every(w.opts.HeartbeatInterval, w.heartbeat)
	w.check = w.loop.Every(w.opts.brokerTimeout(), w.brokerCheck)
	w.send(&wire.Message{
		Kind:     wire.Ready,
		Service:  w.opts.Service,
		Interval: w.opts.HeartbeatInterval,
		Retries:  w.opts.HeartbeatRetries,
	})
}

// heartbeat sends a HEARTBEAT unless something else went out within the
// interval.
func (w *Worker) heartbeat() {
	if w.loop.Now().Sub(w.lastSent) < w.opts.HeartbeatInterval {
		return
	}
	w.send(&wire.Message{Kind: wire.Heartbeat})
}

func (w *Worker) brokerCheck() {
	silent := w.loop.Now().Sub(w.lastReceived)
	if silent <= w.opts.brokerTimeout() {
		w.log.Debug().Dur("silent", silent).Msg("broker healthy")
		return
	}
	w.log.Warn().
		Time("last_received", w.lastReceived).
		Dur("silent", silent).
		Msg("broker stopped responding; reconnecting")
	w.reconnect()
}

func (w *Worker) reconnect() {
	w.reconnects++
	w.stopTimers()
	if err := w.detach(); err != nil {
		w.log.Error().Err(err).Msg("failed to close broker connection")
	}
	w.redial()
}

func (w *Worker) stopTimers() {
	for _, t := range []**reactor.Timer{&w.beat, &w.check} {
		if *t == nil {
			continue
		}
		if err := (*t).Cancel(); err != nil {
			w.log.Error().Err(err).Msg("failed to cancel timer")
		}
		*t = nil
	}
}

func (w *Worker) handle(gen uint64, frames [][]byte) {
	if gen != w.gen {
		return
	}
	m, err := wire.DecodeFor(frames, wire.RoleWorker)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping undecodable message")
		return
	}
	w.lastReceived = w.loop.Now()

	switch m.Kind {
	case wire.Request:
		w.log.Debug().Stringer("sequence", m.Sequence).Msg("request received")
		w.handler(&Job{
			Service:  m.Service,
			Sequence: m.Sequence,
			Payload:  m.Payload,
			w:        w,
			gen:      gen,
		})
	case wire.Heartbeat:
		w.log.Trace().Msg("broker heartbeat")
	case wire.Disconnect:
		w.log.Warn().Msg("broker sent DISCONNECT; reconnecting")
		if w.opts.OnDisconnect != nil {
			w.opts.OnDisconnect()
		}
		w.reconnect()
	case wire.Ping:
		w.log.Debug().Msg("ping returned")
	default:
		w.log.Warn().Stringer("message", m).Msg("unexpected message from broker")
	}
}

func (w *Worker) reply(j *Job, kind wire.Kind, payload [][]byte) {
	if j.gen != w.gen {
		w.log.Warn().Stringer("sequence", j.Sequence).Msg("dropping reply for a request from a previous connection")
		return
	}
	w.send(&wire.Message{
		Kind:     kind,
		Service:  j.Service,
		Sequence: j.Sequence,
		Payload:  payload,
	})
}

// send fills in the family and role and transmits m.
func (w *Worker) send(m *wire.Message) {
	if w.conn == nil {
		w.log.Debug().Stringer("kind", m.Kind).Msg("not connected; dropping message")
		return
	}
	m.Family = w.opts.Family
	m.Role = wire.RoleWorker
	w.lastSent = w.loop.Now()
	if err := w.conn.Send(m.Frames()); err != nil {
		w.log.Error().Err(err).Stringer("kind", m.Kind).Msg("failed to send")
	}
}

func (w *Worker) detach() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	w.gen++
	return err
}

// redial opens a new connection off the loop.
func (w *Worker) redial() {
	if w.closing.Load() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		conn, err := w.transport.Dial(w.ctx, w.opts.Endpoint)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Dur("retry_in", w.opts.RedialDelay).Msg("failed to reconnect to broker")
			_ = w.loop.Post(func() { w.loop.After(w.opts.RedialDelay, w.redial) })
			return
		}
		if err := w.loop.Post(func() { w.attach(conn) }); err != nil {
			conn.Close()
		}
	}()
}

func (w *Worker) read(conn zbroker.Conn, gen uint64) {
	defer w.wg.Done()
	err := zbroker.ReadLoop(conn, func(frames [][]byte) {
		_ = w.loop.Post(func() { w.handle(gen, frames) })
	})
	if !w.closing.Load() {
		w.log.Debug().Err(err).Uint64("generation", gen).Msg("broker connection reader exited")
	}
}
