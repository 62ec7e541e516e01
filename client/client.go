// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client implements the client side of the broker protocol:
// numbered requests with per-request timeouts and retries, and recovery
// from an unresponsive broker by reconnecting under a fresh identity.
package client

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
	ErrRunning    = errors.New("client: already running")
	ErrNotRunning = errors.New("client: not running")
	ErrClosed     = errors.New("client: closed")
	ErrExhausted  = errors.New("client: request retries exhausted")
	ErrFailed     = errors.New("client: request failed")
)

// Client sends requests to a broker.
type Client struct {
	opts      Options
	log       zerolog.Logger
	transport zbroker.Transport
	loop      *reactor.Loop
	metrics   *metrics

	mu      sync.Mutex
	running bool
	stopped bool
	closing atomic.Bool
	ctx     context.Context // cancelled by Stop; bounds redials
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup // readers and redials

	// loop state
	conn     zbroker.Conn
	gen      uint64 // bumped whenever conn changes
	clientID uint32
	next     uint64
	timeouts int // consecutive exhausted requests
	requests *requestTable
}

// New creates a client that will connect to opts.Endpoint through
// transport.
func New(opts Options, transport zbroker.Transport) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("client: failed to register metrics: %w", err)
	}

	id := opts.ClientID
	if id == 0 {
		id = NewClientID()
	}
	log := opts.Logger.With().Str("component", "client").Logger()
	c := &Client{
		opts:      opts,
		log:       log,
		transport: transport,
		metrics:   m,
		done:      make(chan struct{}),
		clientID:  id,
		next:      1,
		requests:  newRequestTable(),
	}
	c.loop = reactor.New("client", reactor.WithClock(opts.Clock), reactor.WithLogger(log))
	return c, nil
}

// Start connects to the broker. ctx bounds the initial connect only.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrRunning
	}
	if c.stopped {
		return ErrClosed
	}

	conn, err := c.transport.Dial(ctx, c.opts.Endpoint)
	if err != nil {
		return fmt.Errorf("client: failed to connect to %s: %w", c.opts.Endpoint, err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.loop.Start()
	if err := c.loop.Call(ctx, func() { c.attach(conn) }); err != nil {
		c.cancel()
		c.loop.Stop()
		return multierr.Append(err, conn.Close())
	}
	c.running = true

	c.log.Info().
		Str("endpoint", c.opts.Endpoint).
		Stringer("family", c.opts.Family).
		Uint32("client_id", c.clientID).
		Msg("client connected")
	return nil
}

// Stop closes the connection. Requests still waiting are abandoned and Do
// calls return ErrClosed.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}
	c.running = false
	c.stopped = true
	c.closing.Store(true)
	c.cancel()

	var err error
	if cerr := c.loop.Call(context.Background(), func() { err = c.detach() }); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	c.wg.Wait()
	c.loop.Stop()
	close(c.done)

	c.log.Info().Msg("client stopped")
	return err
}

// Request sends payload to service. fn receives the outcome on the client
// loop; it must not block.
func (c *Client) Request(service string, payload [][]byte, fn Callback, opts ...RequestOption) error {
	if fn == nil {
		fn = func(Reply) {}
	}
	r := &ActiveRequest{
		Service:  service,
		Payload:  payload,
		Timeout:  c.opts.Timeout,
		Retries:  c.opts.Retries,
		callback: fn,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := c.loop.Post(func() { c.submit(r) }); err != nil {
		return ErrClosed
	}
	return nil
}

// Do sends payload to service and waits for the outcome. It returns
// ErrFailed with the reply for a failure reply and ErrExhausted when no
// reply arrived.
func (c *Client) Do(ctx context.Context, service string, payload [][]byte, opts ...RequestOption) (Reply, error) {
	ch := make(chan Reply, 1)
	if err := c.Request(service, payload, func(r Reply) { ch <- r }, opts...); err != nil {
		return Reply{}, err
	}

	select {
	case r := <-ch:
		switch {
		case r.Exhausted:
			return r, ErrExhausted
		case !r.Success:
			return r, ErrFailed
		}
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-c.done:
		return Reply{}, ErrClosed
	}
}

// Pending returns a snapshot of the active requests in issue order.
func (c *Client) Pending(ctx context.Context) ([]ActiveRequest, error) {
	var out []ActiveRequest
	err := c.loop.Call(ctx, func() {
		for _, r := range c.requests.ordered() {
			cp := *r
			cp.callback, cp.timer = nil, nil
			out = append(out, cp)
		}
	})
	return out, err
}

// ClientID returns the current client identity.
func (c *Client) ClientID(ctx context.Context) (uint32, error) {
	var id uint32
	err := c.loop.Call(ctx, func() { id = c.clientID })
	return id, err
}

func (c *Client) submit(r *ActiveRequest) {
	r.Sequence = wire.SequenceID{Number: c.next, Client: c.clientID}
	c.next++
	c.requests.add(r)
	c.resend(r)
}

// resend transmits r and arms its timeout. Without a connection r stays
// parked until attach sends it.
func (c *Client) resend(r *ActiveRequest) {
	if c.conn == nil {
		return
	}
	r.Tries++
	c.metrics.attempts.Inc()
	c.log.Debug().
		Str("service", r.Service).
		Stringer("sequence", r.Sequence).
		Int("try", r.Tries).
		Msg("sending request")

	if r.Timeout > 0 {
		r.timer = c.loop.After(r.Timeout, func() { c.timeout(r) })
	}
	m := &wire.Message{
		Family:   c.opts.Family,
		Role:     wire.RoleClient,
		Kind:     wire.Request,
		Service:  r.Service,
		Sequence: r.Sequence,
		Payload:  r.Payload,
	}
	if err := c.conn.Send(m.Frames()); err != nil {
		c.log.Error().Err(err).Stringer("sequence", r.Sequence).Msg("failed to send request")
	}
}

func (c *Client) timeout(r *ActiveRequest) {
	r.timer = nil
	c.log.Warn().
		Str("service", r.Service).
		Stringer("sequence", r.Sequence).
		Int("tries", r.Tries).
		Msg("request timed out")

	if !r.retriesExceeded() {
		c.resend(r)
		return
	}
	c.metrics.exhausted.Inc()
	c.timeouts++
	if c.timeouts > c.opts.MaxBrokerTimeouts {
		c.timeoutsExceeded()
		return
	}
	c.requests.remove(r)
	r.callback(Reply{Service: r.Service, Sequence: r.Sequence, Exhausted: true})
}

// timeoutsExceeded gives up on the broker connection: the client
// reconnects under a fresh identity and reissues every active request,
// numbered from 1.
func (c *Client) timeoutsExceeded() {
	c.log.Warn().
		Int("max_broker_timeouts", c.opts.MaxBrokerTimeouts).
		Int("active", c.requests.len()).
		Msg("too many timed out requests; reconnecting to broker")
	c.metrics.reconnects.Inc()
	c.timeouts = 0

	if err := c.detach(); err != nil {
		c.log.Error().Err(err).Msg("failed to close broker connection")
	}
	for _, r := range c.requests.ordered() {
		c.cancelTimer(r)
	}
	c.clientID = NewClientID()
	c.next = c.requests.renumber(c.clientID)
	c.log.Info().Uint32("client_id", c.clientID).Msg("new client identity")
	c.redial()
}

func (c *Client) cancelTimer(r *ActiveRequest) {
	if r.timer == nil {
		return
	}
	if err := r.timer.Cancel(); err != nil {
		c.log.Error().Err(err).Stringer("sequence", r.Sequence).Msg("failed to cancel request timer")
	}
	r.timer = nil
}

func (c *Client) handle(gen uint64, frames [][]byte) {
	if gen != c.gen {
		return
	}
	m, err := wire.DecodeFor(frames, wire.RoleClient)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping undecodable message")
		return
	}

	switch m.Kind {
	case wire.ReplySuccess, wire.ReplyFailure:
		c.reply(m)
	case wire.Ping:
		c.log.Debug().Msg("ping returned")
	default:
		c.log.Warn().Stringer("message", m).Msg("unexpected message from broker")
	}
}

func (c *Client) reply(m *wire.Message) {
	r := c.requests.find(m.Sequence)
	if r == nil {
		c.log.Warn().Stringer("sequence", m.Sequence).Msg("no request matches reply")
		return
	}
	c.cancelTimer(r)
	c.requests.remove(r)
	c.timeouts = 0

	success := m.Kind == wire.ReplySuccess
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.metrics.replies.WithLabelValues(outcome).Inc()
	r.callback(Reply{Service: r.Service, Sequence: r.Sequence, Success: success, Payload: m.Payload})
}

// attach makes conn the current connection and sends every parked request.
func (c *Client) attach(conn zbroker.Conn) {
	if c.closing.Load() {
		if err := conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("failed to close late connection")
		}
		return
	}
	c.gen++
	c.conn = conn
	c.wg.Add(1)
	go c.read(conn, c.gen)

	for _, r := range c.requests.ordered() {
		if r.Tries == 0 {
			c.resend(r)
		}
	}
}

// detach closes the current connection, if any.
func (c *Client) detach() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.gen++
	return err
}

// redial opens a new connection off the loop; the dial blocks while the
// broker is unreachable. It runs on the loop, so once Stop has detached
// no new dial starts.
func (c *Client) redial() {
	if c.closing.Load() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.transport.Dial(c.ctx, c.opts.Endpoint)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Dur("retry_in", c.opts.RedialDelay).Msg("failed to reconnect to broker")
			_ = c.loop.Post(func() { c.loop.After(c.opts.RedialDelay, c.redial) })
			return
		}
		if err := c.loop.Post(func() { c.attach(conn) }); err != nil {
			conn.Close()
		}
	}()
}

func (c *Client) read(conn zbroker.Conn, gen uint64) {
	defer c.wg.Done()
	err := zbroker.ReadLoop(conn, func(frames [][]byte) {
		_ = c.loop.Post(func() { c.handle(gen, frames) })
	})
	if !c.closing.Load() {
		c.log.Debug().Err(err).Uint64("generation", gen).Msg("broker connection reader exited")
	}
}
