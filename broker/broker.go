// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package broker implements the message broker that sits between clients
// and workers.
//
// Workers register for a named service with READY and keep their
// registration alive with heartbeats. Clients send numbered requests for a
// service; the broker checks the numbering with a Guard and hands the
// request to the service's Engine, which either picks one worker
// (load-balanced) or asks all of them (consensus). Replies travel back the
// same way.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

var (
	ErrRunning    = errors.New("broker: already running")
	ErrNotRunning = errors.New("broker: not running")
)

type service struct {
	name   string
	engine Engine
}

// Broker routes requests from clients to workers.
type Broker struct {
	opts      Options
	log       zerolog.Logger
	transport zbroker.Transport
	loop      *reactor.Loop
	metrics   *metrics

	mu         sync.Mutex
	conn       zbroker.Conn
	running    bool
	stopped    bool
	closing    atomic.Bool
	readerDone chan struct{}

	// loop state
	guard    *Guard
	closed   *ClosedIndex
	registry *registry
	services map[string]*service
}

// New creates a broker that will listen on opts.Endpoint through transport.
func New(opts Options, transport zbroker.Transport) (*Broker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to register metrics: %w", err)
	}

	log := opts.Logger.With().Str("component", "broker").Logger()
	loop := reactor.New("broker", reactor.WithClock(opts.Clock), reactor.WithLogger(log))
	b := &Broker{
		opts:      opts,
		log:       log,
		transport: transport,
		loop:      loop,
		metrics:   m,
		guard:     NewGuard(loop, opts.ClientExpiration),
		closed:    NewClosedIndex(),
		services:  make(map[string]*service),
	}
	b.registry = newRegistry(b.loop, log, opts.HeartbeatInterval, opts.HeartbeatRetries, b.sendWorker)
	return b, nil
}

// Start binds the endpoint and starts serving. ctx bounds the startup
// only; the broker runs until Stop.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrRunning
	}
	if b.stopped {
		return fmt.Errorf("broker: cannot restart a stopped broker: %w", reactor.ErrStopped)
	}

	conn, err := b.transport.Listen(ctx, b.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("broker: failed to listen on %s: %w", b.opts.Endpoint, err)
	}
	b.conn = conn
	b.loop.Start()

	err = b.loop.Call(ctx, func() {
		b.loop.Every(b.opts.ClientSweepInterval, b.sweepClients)
		b.loop.Every(b.opts.WorkerSweepInterval, b.sweepWorkers)
	})
	if err != nil {
		b.loop.Stop()
		return multierr.Append(err, conn.Close())
	}

	b.readerDone = make(chan struct{})
	go b.read(conn)
	b.running = true

	b.log.Info().
		Str("endpoint", b.opts.Endpoint).
		Stringer("engine", b.opts.DefaultEngine).
		Msg("broker started")
	return nil
}

// Stop closes the endpoint and stops the loop. A stopped broker cannot be
// started again.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return ErrNotRunning
	}
	b.running = false
	b.stopped = true
	b.closing.Store(true)

	var err error
	if cerr := b.conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("broker: failed to close socket: %w", cerr))
	}
	<-b.readerDone
	b.loop.Stop()

	b.log.Info().Msg("broker stopped")
	return err
}

func (b *Broker) read(conn zbroker.Conn) {
	defer close(b.readerDone)
	err := zbroker.ReadLoop(conn, func(frames [][]byte) {
		if perr := b.loop.Post(func() { b.handle(frames) }); perr != nil {
			b.log.Debug().Err(perr).Msg("dropping message received while stopping")
		}
	})
	if !b.closing.Load() {
		b.log.Error().Err(err).Msg("broker receive failed")
	}
}

// handle processes one received message on the loop.
func (b *Broker) handle(frames [][]byte) {
	m, err := wire.Decode(frames)
	if err != nil {
		b.metrics.decodeErrors.Inc()
		b.log.Warn().Err(err).Int("frames", len(frames)).Msg("dropping undecodable message")
		return
	}
	if len(m.Envelope) == 0 {
		b.log.Warn().Stringer("message", m).Msg("dropping message without return address")
		return
	}

	switch {
	case m.Kind == wire.Ping:
		b.log.Debug().Str("peer", m.Identity()).Msg("returning ping")
		b.send(m)
	case m.Role == wire.RoleClient:
		b.processClient(m)
	default:
		b.processWorker(m)
	}
}

func (b *Broker) processClient(m *wire.Message) {
	if m.Kind != wire.Request {
		b.log.Warn().Stringer("message", m).Msg("expected a request from client")
		return
	}
	if !b.guard.Accept(m.Sequence, m.Identity(), b.loop.Now()) {
		b.metrics.clientMessages.WithLabelValues("rejected").Inc()
		b.log.Warn().
			Str("client", m.Identity()).
			Stringer("sequence", m.Sequence).
			Msg("rejecting request out of sequence")
		return
	}
	b.metrics.clientMessages.WithLabelValues("accepted").Inc()

	svc := b.services[m.Service]
	switch {
	case svc == nil || svc.engine.Stats().Workers == 0:
		b.log.Info().Str("service", m.Service).Msg("no workers to handle request")
		b.reject(m, "none")
		return
	case !svc.engine.Ready():
		b.log.Warn().Str("service", m.Service).Msg("service busy")
		b.reject(m, svc.engine.Family().String())
		return
	case svc.engine.Duplicate(m.Sequence):
		b.log.Warn().Str("service", m.Service).Stringer("sequence", m.Sequence).Msg("duplicate request")
		b.reject(m, svc.engine.Family().String())
		return
	}

	b.metrics.requests.WithLabelValues(svc.engine.Family().String(), "dispatched").Inc()
	svc.engine.Submit(&Request{
		Sequence: m.Sequence,
		Service:  m.Service,
		Family:   m.Family,
		Envelope: m.Envelope,
		Payload:  m.Payload,
		Received: b.loop.Now(),
	})
}

// reject answers a client request the broker cannot accept with a failure.
func (b *Broker) reject(m *wire.Message, engine string) {
	b.metrics.requests.WithLabelValues(engine, "rejected").Inc()
	b.metrics.replies.WithLabelValues("synthesized").Inc()
	b.send(&wire.Message{
		Envelope: m.Envelope,
		Family:   m.Family,
		Role:     wire.RoleClient,
		Kind:     wire.ReplyFailure,
		Service:  m.Service,
		Sequence: m.Sequence,
	})
}

func (b *Broker) processWorker(m *wire.Message) {
	w := b.registry.lookup(m.Identity())

	switch m.Kind {
	case wire.Ready:
		if w != nil {
			b.registry.touch(w)
			b.log.Warn().Str("worker", w.Identity).Msg("worker already registered; ignoring READY")
			return
		}
		w = b.registry.register(m)
		svc := b.service(w.Service)
		svc.engine.AddWorker(w)
		b.metrics.workers.WithLabelValues(svc.name).Set(float64(svc.engine.Stats().Workers))

	case wire.Heartbeat:
		if w == nil {
			b.disconnectUnknown(m)
			return
		}
		b.registry.heartbeat(w, m.Interval, m.Retries)

	case wire.ReplySuccess, wire.ReplyFailure:
		if w == nil {
			b.disconnectUnknown(m)
			return
		}
		b.registry.touch(w)
		b.services[w.Service].engine.Reply(w, m)

	case wire.Disconnect:
		if w == nil {
			b.log.Info().Str("worker", m.Identity()).Msg("disconnect from unknown worker")
			return
		}
		b.log.Info().Str("worker", w.Identity).Str("service", w.Service).Msg("worker disconnected")
		b.removeWorker(w, false)

	default:
		b.log.Warn().Stringer("message", m).Msg("unexpected message from worker")
	}
}

// service returns the named service, creating it with its configured
// engine on first use.
func (b *Broker) service(name string) *service {
	svc, ok := b.services[name]
	if !ok {
		f := b.opts.engineFor(name)
		svc = &service{
			name:   name,
			engine: NewEngine(f, b.loop, outbox{b}, b.closed, b.log.With().Str("service", name).Logger()),
		}
		b.services[name] = svc
		b.log.Info().Str("service", name).Stringer("engine", f).Msg("service created")
	}
	return svc
}

// disconnectUnknown tells a worker the broker does not know it. This
// happens to workers that registered with a previous broker instance.
func (b *Broker) disconnectUnknown(m *wire.Message) {
	b.log.Info().Str("worker", m.Identity()).Stringer("kind", m.Kind).Msg("message from unknown worker; disconnecting it")
	b.send(&wire.Message{
		Envelope: m.Envelope,
		Family:   m.Family,
		Role:     wire.RoleWorker,
		Kind:     wire.Disconnect,
		Service:  m.Service,
	})
}

func (b *Broker) removeWorker(w *Worker, notify bool) {
	if notify {
		b.sendWorker(w, &wire.Message{
			Envelope: w.Envelope,
			Family:   w.Family,
			Role:     wire.RoleWorker,
			Kind:     wire.Disconnect,
			Service:  w.Service,
		})
	}
	b.registry.remove(w)
	if svc, ok := b.services[w.Service]; ok {
		svc.engine.RemoveWorker(w)
		b.metrics.workers.WithLabelValues(svc.name).Set(float64(svc.engine.Stats().Workers))
	}
}

func (b *Broker) sweepWorkers() {
	for _, w := range b.registry.expired() {
		b.metrics.expirations.Inc()
		b.log.Warn().
			Str("worker", w.Identity).
			Str("service", w.Service).
			Time("last_received", w.lastReceived).
			Msg("worker expired")
		b.removeWorker(w, true)
	}
}

func (b *Broker) sweepClients() {
	for _, client := range b.guard.Sweep(b.loop.Now()) {
		n := b.closed.PurgeClient(client)
		b.log.Debug().Uint32("client", client).Int("closed", n).Msg("client expired")
	}
}

func (b *Broker) sendWorker(w *Worker, m *wire.Message) {
	w.lastSent = b.loop.Now()
	b.send(m)
}

func (b *Broker) send(m *wire.Message) {
	if err := b.conn.Send(m.Frames()); err != nil {
		b.log.Error().Err(err).Str("peer", m.Identity()).Stringer("kind", m.Kind).Msg("failed to send")
	}
}

// outbox adapts the broker to the Outbox its engines write to.
type outbox struct {
	b *Broker
}

func (o outbox) Dispatch(w *Worker, r *Request) {
	o.b.sendWorker(w, &wire.Message{
		Envelope: w.Envelope,
		Family:   w.Family,
		Role:     wire.RoleWorker,
		Kind:     wire.Request,
		Service:  r.Service,
		Sequence: r.Sequence,
		Payload:  r.Payload,
	})
}

func (o outbox) Close(r *Request, kind wire.Kind, payload [][]byte) {
	outcome := "success"
	if kind == wire.ReplyFailure {
		outcome = "failure"
	}
	o.b.metrics.replies.WithLabelValues(outcome).Inc()
	o.b.send(&wire.Message{
		Envelope: r.Envelope,
		Family:   r.Family,
		Role:     wire.RoleClient,
		Kind:     kind,
		Service:  r.Service,
		Sequence: r.Sequence,
		Payload:  payload,
	})
}

// Stats is a snapshot of the broker state.
type Stats struct {
	Clients  int
	Workers  int
	Closed   int
	Services map[string]ServiceStats
}

// ServiceStats describes one service.
type ServiceStats struct {
	Engine wire.Family
	EngineStats
}

// Stats returns a snapshot of the broker state.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.loop.Call(ctx, func() {
		s = Stats{
			Clients:  b.guard.Len(),
			Workers:  b.registry.len(),
			Closed:   b.closed.Len(),
			Services: make(map[string]ServiceStats, len(b.services)),
		}
		for name, svc := range b.services {
			s.Services[name] = ServiceStats{Engine: svc.engine.Family(), EngineStats: svc.engine.Stats()}
		}
	})
	return s, err
}
