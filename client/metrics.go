// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

type metrics struct {
	attempts   prometheus.Counter
	exhausted  prometheus.Counter
	reconnects prometheus.Counter
	replies    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "zbroker", Subsystem: "client", Name: name, Help: help}
	}
	m := &metrics{
		attempts:   prometheus.NewCounter(opts("attempts_total", "Request transmissions, retries included.")),
		exhausted:  prometheus.NewCounter(opts("exhausted_total", "Requests that ran out of retries.")),
		reconnects: prometheus.NewCounter(opts("reconnects_total", "Reconnects after too many exhausted requests.")),
		replies:    prometheus.NewCounterVec(opts("replies_total", "Replies matched to a request, by outcome."), []string{"outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	return m, multierr.Combine(
		reg.Register(m.attempts),
		reg.Register(m.exhausted),
		reg.Register(m.reconnects),
		reg.Register(m.replies),
	)
}
