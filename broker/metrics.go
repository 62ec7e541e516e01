// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	namespace = "zbroker"
	subsystem = "broker"
)

type metrics struct {
	clientMessages *prometheus.CounterVec
	requests       *prometheus.CounterVec
	replies        *prometheus.CounterVec
	workers        *prometheus.GaugeVec
	expirations    prometheus.Counter
	decodeErrors   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		clientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_messages_total",
			Help:      "Client requests checked by the sequence guard, by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Client requests handed to an engine or rejected, by engine and outcome.",
		}, []string{"engine", "outcome"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_total",
			Help:      "Replies sent to clients, by outcome.",
		}, []string{"outcome"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers",
			Help:      "Workers attached to each service.",
		}, []string{"service"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_expirations_total",
			Help:      "Workers dropped after missing their heartbeats.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Received messages that could not be decoded.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.clientMessages, m.requests, m.replies, m.workers, m.expirations, m.decodeErrors,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return m, err
}
