// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/wire"
)

// Defaults
const (
	DefaultMaxBrokerTimeouts = 3
	DefaultRedialDelay       = time.Second
)

// ErrInvalidConfig is wrapped by every Options validation error.
var ErrInvalidConfig = errors.New("client: invalid configuration")

// Options configures a Client.
type Options struct {
	Endpoint string      // broker address, e.g. tcp://localhost:5555
	Family   wire.Family // protocol family spoken to the broker

	// Per-request defaults, overridable with WithTimeout and WithRetries.
	// A zero Timeout waits for a reply forever.
	Timeout time.Duration
	Retries int

	// MaxBrokerTimeouts is how many consecutive exhausted requests are
	// reported before the broker is considered gone and the client
	// reconnects under a fresh identity.
	MaxBrokerTimeouts int

	// ClientID fixes the initial client identity. Zero picks a random one.
	ClientID uint32

	RedialDelay time.Duration // wait between failed reconnect attempts

	Logger     zerolog.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer // nil disables metrics registration
}

// DefaultOptions returns the default client options for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:          endpoint,
		Family:            wire.LoadBalanced,
		MaxBrokerTimeouts: DefaultMaxBrokerTimeouts,
		RedialDelay:       DefaultRedialDelay,
		Logger:            zerolog.Nop(),
		Clock:             clock.New(),
	}
}

// Validate checks that every option holds a usable value.
func (o Options) Validate() error {
	switch {
	case o.Endpoint == "":
		return fmt.Errorf("%w: empty endpoint", ErrInvalidConfig)
	case o.Family != wire.LoadBalanced && o.Family != wire.Consensus:
		return fmt.Errorf("%w: unknown protocol family %v", ErrInvalidConfig, o.Family)
	case o.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	case o.Retries < 0:
		return fmt.Errorf("%w: negative retries", ErrInvalidConfig)
	case o.MaxBrokerTimeouts < 0:
		return fmt.Errorf("%w: negative broker timeout threshold", ErrInvalidConfig)
	case o.RedialDelay <= 0:
		return fmt.Errorf("%w: redial delay must be positive", ErrInvalidConfig)
	case o.Clock == nil:
		return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
	}
	return nil
}

// RequestOption overrides a client default for one request.
type RequestOption func(r *ActiveRequest)

// WithTimeout sets how long to wait for a reply before resending. Zero
// waits forever.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *ActiveRequest) {
		r.Timeout = d
	}
}

// WithRetries sets how many times the request is sent in total before it
// is reported as exhausted.
func WithRetries(n int) RequestOption {
	return func(r *ActiveRequest) {
		r.Retries = n
	}
}
