// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zbroker provides the transport and logging plumbing shared by the
// broker, client and worker packages.
//
// A broker listens on a router-style Conn: every received message starts with
// the sender's identity frame, and every sent message starts with the
// identity of the peer it is routed to. Clients and workers dial dealer-style
// Conns that carry no identity frame.
package zbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// ErrClosed is returned by a Conn that has been closed.
var ErrClosed = errors.New("zbroker: connection closed")

// Conn is one end of a multi-part message connection.
type Conn interface {
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	Close() error
}

// Transport opens router-style (Listen) and dealer-style (Dial) connections.
// The ctx passed to Listen and Dial bounds only the call; the connection
// lives until Close.
type Transport interface {
	Listen(ctx context.Context, endpoint string) (Conn, error)
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// ZMQTransport implements Transport with ZeroMQ ROUTER and DEALER sockets.
type ZMQTransport struct {
	log        zerolog.Logger
	retry      time.Duration
	timeout    time.Duration
	maxRetries int
}

// NewZMQTransport creates a ZeroMQ transport.
func NewZMQTransport(opts ...Option) *ZMQTransport {
	t := &ZMQTransport{
		log:        DevNullLogger,
		retry:      defaultDialerRetry,
		timeout:    defaultDialerTimeout,
		maxRetries: defaultDialerMaxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen binds a ROUTER socket to endpoint.
func (t *ZMQTransport) Listen(ctx context.Context, endpoint string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("zbroker: failed to bind %s: %w", endpoint, err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewRouter(sctx, t.socketOptions()...)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		cancel()
		return nil, fmt.Errorf("zbroker: failed to bind %s: %w", endpoint, err)
	}
	return &zmqConn{sock: sock, cancel: cancel}, nil
}

// Dial connects a DEALER socket to endpoint. Every call uses a fresh socket
// identity, so a redialled connection is a new peer for the router.
// Cancelling ctx aborts a dial still in progress.
func (t *ZMQTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	id := zmq4.SocketIdentity(uuid.NewString())
	sctx, cancel := context.WithCancel(context.Background())
	abort := context.AfterFunc(ctx, cancel)

	sock := zmq4.NewDealer(sctx, t.socketOptions(zmq4.WithID(id))...)
	err := sock.Dial(endpoint)
	if !abort() {
		// ctx ended during the dial and took the socket with it
		err = multierr.Append(ctx.Err(), err)
	}
	if err != nil {
		sock.Close()
		cancel()
		return nil, fmt.Errorf("zbroker: failed to connect to %s: %w", endpoint, err)
	}
	return &zmqConn{sock: sock, cancel: cancel}, nil
}

type zmqConn struct {
	sock   zmq4.Socket
	cancel context.CancelFunc // ends the socket's own context
}

func (c *zmqConn) Send(frames [][]byte) error {
	return c.sock.Send(zmq4.NewMsgFrom(frames...))
}

func (c *zmqConn) Recv() ([][]byte, error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (c *zmqConn) Close() error {
	defer c.cancel()
	return c.sock.Close()
}

// ReadLoop receives from conn until Recv fails and hands every message to
// deliver. It returns the error that ended the loop.
func ReadLoop(conn Conn, deliver func(frames [][]byte)) error {
	for {
		frames, err := conn.Recv()
		if err != nil {
			return err
		}
		deliver(frames)
	}
}
