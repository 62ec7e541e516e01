// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbroker

import (
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

const (
	defaultDialerRetry      = 250 * time.Millisecond
	defaultDialerTimeout    = 5 * time.Second
	defaultDialerMaxRetries = -1
)

// Option configures some aspect of a ZMQTransport.
type Option func(t *ZMQTransport)

// WithLogger routes the socket diagnostics to the given logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *ZMQTransport) {
		t.log = l
	}
}

// WithDialerRetry configures the time to wait before two failed attempts
// at dialing an endpoint.
func WithDialerRetry(retry time.Duration) Option {
	return func(t *ZMQTransport) {
		t.retry = retry
	}
}

// WithDialerTimeout sets the maximum amount of time a dial will wait
// for a connect to complete.
func WithDialerTimeout(timeout time.Duration) Option {
	return func(t *ZMQTransport) {
		t.timeout = timeout
	}
}

// WithDialerMaxRetries configures the maximum number of retries
// when dialing an endpoint (-1 means infinite retries).
func WithDialerMaxRetries(maxRetries int) Option {
	return func(t *ZMQTransport) {
		t.maxRetries = maxRetries
	}
}

func (t *ZMQTransport) socketOptions(extra ...zmq4.Option) []zmq4.Option {
	opts := []zmq4.Option{
		zmq4.WithLogger(StdLogger(t.log)),
		zmq4.WithDialerRetry(t.retry),
		zmq4.WithDialerTimeout(t.timeout),
		zmq4.WithDialerMaxRetries(t.maxRetries),
	}
	return append(opts, extra...)
}
