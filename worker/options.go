// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/destiny/zbroker/wire"
)

// Defaults
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatRetries  = 3
	DefaultRedialDelay       = time.Second
)

// ErrInvalidConfig is wrapped by every Options validation error.
var ErrInvalidConfig = errors.New("worker: invalid configuration")

// Options configures a Worker.
type Options struct {
	Endpoint string      // broker address
	Family   wire.Family // protocol family spoken to the broker
	Service  string      // service to register for

	// HeartbeatInterval and HeartbeatRetries are announced in READY. The
	// broker is presumed gone after interval × retries of silence.
	HeartbeatInterval time.Duration
	HeartbeatRetries  uint8

	RedialDelay time.Duration

	// OnDisconnect is called on the worker loop when the broker sends
	// DISCONNECT, before the worker reconnects. Optional.
	OnDisconnect func()

	Logger zerolog.Logger
	Clock  clock.Clock
}

// DefaultOptions returns the default options for a worker of service.
func DefaultOptions(endpoint, service string) Options {
	return Options{
		Endpoint:          endpoint,
		Family:            wire.LoadBalanced,
		Service:           service,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatRetries:  DefaultHeartbeatRetries,
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
	case o.Service == "":
		return fmt.Errorf("%w: empty service name", ErrInvalidConfig)
	case o.Family != wire.LoadBalanced && o.Family != wire.Consensus:
		return fmt.Errorf("%w: unknown protocol family %v", ErrInvalidConfig, o.Family)
	case o.HeartbeatInterval < time.Millisecond:
		return fmt.Errorf("%w: heartbeat interval %v is below 1ms", ErrInvalidConfig, o.HeartbeatInterval)
	case o.HeartbeatRetries == 0:
		return fmt.Errorf("%w: heartbeat retries must be at least 1", ErrInvalidConfig)
	case o.RedialDelay <= 0:
		return fmt.Errorf("%w: redial delay must be positive", ErrInvalidConfig)
	case o.Clock == nil:
		return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
	}
	return nil
}

// brokerTimeout is how long the broker may stay silent.
func (o Options) brokerTimeout() time.Duration {
	return o.HeartbeatInterval * time.Duration(o.HeartbeatRetries)
}
