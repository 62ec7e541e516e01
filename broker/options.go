// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

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
	DefaultClientExpiration    = time.Hour
	DefaultClientSweepInterval = 3 * time.Second
	DefaultWorkerSweepInterval = time.Second
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultHeartbeatRetries    = 3
)

// ErrInvalidConfig is wrapped by every Options validation error.
var ErrInvalidConfig = errors.New("broker: invalid configuration")

// Options configures a Broker. The zero value is not valid; start from
// DefaultOptions.
type Options struct {
	Endpoint string // address to bind, e.g. tcp://*:5555

	ClientExpiration    time.Duration // idle clients are forgotten after this
	ClientSweepInterval time.Duration
	WorkerSweepInterval time.Duration

	// Heartbeat parameters granted to workers that do not ask for tighter ones.
	HeartbeatInterval time.Duration
	HeartbeatRetries  uint8

	DefaultEngine wire.Family            // dispatch engine for services not in Engines
	Engines       map[string]wire.Family // per-service engine override

	Logger     zerolog.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer // nil disables metrics registration
}

// DefaultOptions returns the default broker options for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:            endpoint,
		ClientExpiration:    DefaultClientExpiration,
		ClientSweepInterval: DefaultClientSweepInterval,
		WorkerSweepInterval: DefaultWorkerSweepInterval,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		HeartbeatRetries:    DefaultHeartbeatRetries,
		DefaultEngine:       wire.LoadBalanced,
		Logger:              zerolog.Nop(),
		Clock:               clock.New(),
	}
}

// Validate checks that every option holds a usable value.
func (o Options) Validate() error {
	switch {
	case o.Endpoint == "":
		return fmt.Errorf("%w: empty endpoint", ErrInvalidConfig)
	case o.ClientExpiration <= 0:
		return fmt.Errorf("%w: client expiration must be positive", ErrInvalidConfig)
	case o.ClientSweepInterval <= 0:
		return fmt.Errorf("%w: client sweep interval must be positive", ErrInvalidConfig)
	case o.WorkerSweepInterval <= 0:
		return fmt.Errorf("%w: worker sweep interval must be positive", ErrInvalidConfig)
	case o.HeartbeatInterval < time.Millisecond:
		return fmt.Errorf("%w: heartbeat interval %v is below 1ms", ErrInvalidConfig, o.HeartbeatInterval)
	case o.HeartbeatRetries == 0:
		return fmt.Errorf("%w: heartbeat retries must be at least 1", ErrInvalidConfig)
	case o.Clock == nil:
		return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
	}
	if err := validEngine(o.DefaultEngine); err != nil {
		return fmt.Errorf("%w: default engine: %v", ErrInvalidConfig, err)
	}
	for name, f := range o.Engines {
		if err := validEngine(f); err != nil {
			return fmt.Errorf("%w: engine for service %q: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func validEngine(f wire.Family) error {
	switch f {
	case wire.LoadBalanced, wire.Consensus:
		return nil
	}
	return fmt.Errorf("unknown engine %v", f)
}

// engineFor returns the engine family configured for service.
func (o Options) engineFor(service string) wire.Family {
	if f, ok := o.Engines[service]; ok {
		return f
	}
	return o.DefaultEngine
}
