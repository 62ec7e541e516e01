// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example worker answering with the upper-cased request. Requests whose
// first frame is "fail" are answered with a failure.
package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/internal/config"
	"github.com/destiny/zbroker/wire"
	"github.com/destiny/zbroker/worker"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML configuration file")
		endpoint = flag.String("endpoint", "tcp://127.0.0.1:5555", "broker endpoint when no config is given")
		service  = flag.String("service", "echo", "service name when no config is given")
		family   = flag.String("family", "load-balanced", "protocol family when no config is given")
		delay    = flag.Duration("delay", 100*time.Millisecond, "simulated work per request")
		level    = flag.String("log-level", "info", "log level when no config is given")
	)
	flag.Parse()
	startup := zbroker.NewLogger(zbroker.LogLevelError)

	f := &config.File{LogLevel: *level, Worker: config.Worker{Endpoint: *endpoint, Service: *service}}
	if *cfgPath != "" {
		var err error
		if f, err = config.Load(*cfgPath); err != nil {
			startup.Fatal().Err(err).Msg("failed to load configuration")
		}
	} else {
		fam, err := wire.ParseFamily(*family)
		if err != nil {
			startup.Fatal().Err(err).Msg("invalid family")
		}
		f.Worker.Family = fam
	}
	log := f.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, *delay, log); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(ctx context.Context, f *config.File, delay time.Duration, log zerolog.Logger) error {
	opts, err := f.WorkerOptions()
	if err != nil {
		return err
	}
	opts.Logger = log
	opts.OnDisconnect = func() { log.Warn().Msg("broker dropped the registration") }

	w, err := worker.New(opts, zbroker.NewZMQTransport(zbroker.WithLogger(log)), func(j *worker.Job) {
		go answer(j, delay, log)
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("service", opts.Service).Msg("worker started")

	<-ctx.Done()
	return w.Stop()
}

func answer(j *worker.Job, delay time.Duration, log zerolog.Logger) {
	time.Sleep(delay)

	var err error
	if len(j.Payload) > 0 && bytes.Equal(j.Payload[0], []byte("fail")) {
		err = j.Fail([]byte("refused"))
	} else {
		out := make([][]byte, len(j.Payload))
		for i, p := range j.Payload {
			out[i] = bytes.ToUpper(p)
		}
		err = j.Succeed(out...)
	}
	if err != nil {
		log.Warn().Err(err).Stringer("sequence", j.Sequence).Msg("failed to answer")
	}
}
