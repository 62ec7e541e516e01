// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/destiny/zbroker"
)

// ErrTimeout is returned by RecvTimeout when nothing arrives in time.
var ErrTimeout = errors.New("testutil: receive timeout")

// Network is an in-memory transport with ROUTER/DEALER addressing: a
// Router receives [identity, frames…] and routes sends on their first
// frame; Dealers carry no identity frame. Unroutable messages are dropped.
type Network struct {
	mu      sync.Mutex
	routers map[string]*Router
	dials   map[string]int
	nextID  uint32
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		routers: make(map[string]*Router),
		dials:   make(map[string]int),
	}
}

var _ zbroker.Transport = (*Network)(nil)

// Listen implements zbroker.Transport.
func (n *Network) Listen(_ context.Context, endpoint string) (zbroker.Conn, error) {
	return n.Bind(endpoint)
}

// Dial implements zbroker.Transport.
func (n *Network) Dial(_ context.Context, endpoint string) (zbroker.Conn, error) {
	return n.Connect(endpoint), nil
}

// Bind creates the router for endpoint.
func (n *Network) Bind(endpoint string) (*Router, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.routers[endpoint]; ok {
		return nil, fmt.Errorf("testutil: endpoint %s already bound", endpoint)
	}
	r := &Router{
		net:      n,
		endpoint: endpoint,
		in:       newQueue(),
		peers:    make(map[string]*Dealer),
	}
	n.routers[endpoint] = r
	return r, nil
}

// Connect creates a dealer for endpoint with a fresh identity. The router
// does not need to exist yet.
func (n *Network) Connect(endpoint string) *Dealer {
	n.mu.Lock()
	n.nextID++
	n.dials[endpoint]++
	id := binary.BigEndian.AppendUint32([]byte{0}, n.nextID)
	n.mu.Unlock()

	return &Dealer{
		net:      n,
		endpoint: endpoint,
		identity: id,
		in:       newQueue(),
	}
}

// Dials returns how many connections were opened to endpoint.
func (n *Network) Dials(endpoint string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[endpoint]
}

func (n *Network) router(endpoint string) *Router {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.routers[endpoint]
}

func (n *Network) unbind(r *Router) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.routers[r.endpoint] == r {
		delete(n.routers, r.endpoint)
	}
}

// Router is the listening end of a Network endpoint.
type Router struct {
	net      *Network
	endpoint string
	in       *queue

	mu    sync.Mutex
	peers map[string]*Dealer
}

// Send routes frames[1:] to the dealer whose identity is frames[0].
func (r *Router) Send(frames [][]byte) error {
	if r.in.isClosed() {
		return zbroker.ErrClosed
	}
	if len(frames) == 0 {
		return errors.New("testutil: router send without identity frame")
	}
	r.mu.Lock()
	d := r.peers[string(frames[0])]
	r.mu.Unlock()
	if d != nil {
		d.in.push(clone(frames[1:]))
	}
	return nil
}

func (r *Router) Recv() ([][]byte, error) { return r.in.pop(-1) }

// RecvTimeout waits at most d for a message.
func (r *Router) RecvTimeout(d time.Duration) ([][]byte, error) { return r.in.pop(d) }

func (r *Router) Close() error {
	r.net.unbind(r)
	r.in.close()
	return nil
}

func (r *Router) attach(d *Dealer) {
	r.mu.Lock()
	r.peers[string(d.identity)] = d
	r.mu.Unlock()
}

func (r *Router) detach(d *Dealer) {
	r.mu.Lock()
	if r.peers[string(d.identity)] == d {
		delete(r.peers, string(d.identity))
	}
	r.mu.Unlock()
}

// Dealer is the connecting end of a Network endpoint.
type Dealer struct {
	net      *Network
	endpoint string
	identity []byte
	in       *queue
}

// Identity returns the identity the router sees for d.
func (d *Dealer) Identity() []byte { return d.identity }

// Send delivers frames to the router, prefixed with d's identity. It is
// dropped when no router is bound.
func (d *Dealer) Send(frames [][]byte) error {
	if d.in.isClosed() {
		return zbroker.ErrClosed
	}
	r := d.net.router(d.endpoint)
	if r == nil {
		return nil
	}
	r.attach(d)
	r.in.push(clone(append([][]byte{d.identity}, frames...)))
	return nil
}

func (d *Dealer) Recv() ([][]byte, error) { return d.in.pop(-1) }

// RecvTimeout waits at most t for a message.
func (d *Dealer) RecvTimeout(t time.Duration) ([][]byte, error) { return d.in.pop(t) }

func (d *Dealer) Close() error {
	if r := d.net.router(d.endpoint); r != nil {
		r.detach(d)
	}
	d.in.close()
	return nil
}

func clone(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte{}, f...)
	}
	return out
}

// queue is an unbounded FIFO of messages.
type queue struct {
	mu     sync.Mutex
	msgs   [][][]byte
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(frames [][]byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.msgs = append(q.msgs, frames)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop waits for a message; a negative timeout waits forever.
func (q *queue) pop(timeout time.Duration) ([][]byte, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			more := len(q.msgs) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return m, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.wake()
			return nil, zbroker.ErrClosed
		}

		select {
		case <-q.notify:
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
