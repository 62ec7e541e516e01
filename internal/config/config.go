// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads broker, client and worker options from YAML.
//
//	log_level: debug
//	broker:
//	  endpoint: tcp://*:5555
//	  heartbeat_interval: 5s
//	  default_engine: load-balanced
//	  engines:
//	    audit: consensus
//	client:
//	  endpoint: tcp://localhost:5555
//	  timeout: 2s
//	  retries: 3
//	worker:
//	  endpoint: tcp://localhost:5555
//	  service: echo
//
// Unset fields keep the package defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/broker"
	"github.com/destiny/zbroker/client"
	"github.com/destiny/zbroker/wire"
	"github.com/destiny/zbroker/worker"
)

// File is the content of a configuration file.
type File struct {
	LogLevel string `yaml:"log_level"`
	Broker   Broker `yaml:"broker"`
	Client   Client `yaml:"client"`
	Worker   Worker `yaml:"worker"`
}

type Broker struct {
	Endpoint            string                 `yaml:"endpoint"`
	ClientExpiration    time.Duration          `yaml:"client_expiration"`
	ClientSweepInterval time.Duration          `yaml:"client_sweep_interval"`
	WorkerSweepInterval time.Duration          `yaml:"worker_sweep_interval"`
	HeartbeatInterval   time.Duration          `yaml:"heartbeat_interval"`
	HeartbeatRetries    uint8                  `yaml:"heartbeat_retries"`
	DefaultEngine       wire.Family            `yaml:"default_engine"`
	Engines             map[string]wire.Family `yaml:"engines"`
}

type Client struct {
	Endpoint          string        `yaml:"endpoint"`
	Family            wire.Family   `yaml:"family"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	MaxBrokerTimeouts *int          `yaml:"max_broker_timeouts"`
	ClientID          uint32        `yaml:"client_id"`
}

type Worker struct {
	Endpoint          string        `yaml:"endpoint"`
	Family            wire.Family   `yaml:"family"`
	Service           string        `yaml:"service"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatRetries  uint8         `yaml:"heartbeat_retries"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration document. Unknown keys are an error.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &f, nil
}

// Logger returns a console logger at the configured level.
func (f *File) Logger() zerolog.Logger {
	return zbroker.NewLogger(zbroker.ParseLogLevel(f.LogLevel))
}

// BrokerOptions applies the broker section to the broker defaults.
func (f *File) BrokerOptions() (broker.Options, error) {
	s := f.Broker
	o := broker.DefaultOptions(s.Endpoint)
	setDuration(&o.ClientExpiration, s.ClientExpiration)
	setDuration(&o.ClientSweepInterval, s.ClientSweepInterval)
	setDuration(&o.WorkerSweepInterval, s.WorkerSweepInterval)
	setDuration(&o.HeartbeatInterval, s.HeartbeatInterval)
	if s.HeartbeatRetries != 0 {
		o.HeartbeatRetries = s.HeartbeatRetries
	}
	if s.DefaultEngine != 0 {
		o.DefaultEngine = s.DefaultEngine
	}
	o.Engines = s.Engines
	return o, o.Validate()
}

// ClientOptions applies the client section to the client defaults.
func (f *File) ClientOptions() (client.Options, error) {
	s := f.Client
	o := client.DefaultOptions(s.Endpoint)
	if s.Family != 0 {
		o.Family = s.Family
	}
	o.Timeout = s.Timeout
	o.Retries = s.Retries
	if s.MaxBrokerTimeouts != nil {
		o.MaxBrokerTimeouts = *s.MaxBrokerTimeouts
	}
	o.ClientID = s.ClientID
	return o, o.Validate()
}

// WorkerOptions applies the worker section to the worker defaults.
func (f *File) WorkerOptions() (worker.Options, error) {
	s := f.Worker
	o := worker.DefaultOptions(s.Endpoint, s.Service)
	if s.Family != 0 {
		o.Family = s.Family
	}
	setDuration(&o.HeartbeatInterval, s.HeartbeatInterval)
	if s.HeartbeatRetries != 0 {
		o.HeartbeatRetries = s.HeartbeatRetries
	}
	return o, o.Validate()
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
