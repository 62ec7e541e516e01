// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example client sending a batch of concurrent requests.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/client"
	"github.com/destiny/zbroker/internal/config"
	"github.com/destiny/zbroker/wire"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML configuration file")
		endpoint = flag.String("endpoint", "tcp://127.0.0.1:5555", "broker endpoint when no config is given")
		family   = flag.String("family", "load-balanced", "protocol family when no config is given")
		service  = flag.String("service", "echo", "service to call")
		count    = flag.Int("n", 10, "number of requests")
		timeout  = flag.Duration("timeout", 2500*time.Millisecond, "per-attempt timeout when no config is given")
		retries  = flag.Int("retries", 3, "attempts per request when no config is given")
		level    = flag.String("log-level", "info", "log level when no config is given")
	)
	flag.Parse()
	startup := zbroker.NewLogger(zbroker.LogLevelError)

	f := &config.File{
		LogLevel: *level,
		Client:   config.Client{Endpoint: *endpoint, Timeout: *timeout, Retries: *retries},
	}
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
		f.Client.Family = fam
	}
	log := f.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, *service, *count, log); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func run(ctx context.Context, f *config.File, service string, n int, log zerolog.Logger) error {
	opts, err := f.ClientOptions()
	if err != nil {
		return err
	}
	opts.Logger = log

	c, err := client.New(opts, zbroker.NewZMQTransport(zbroker.WithLogger(log)))
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		payload := [][]byte{[]byte(fmt.Sprintf("hello #%d", i))}
		g.Go(func() error {
			start := time.Now()
			rep, err := c.Do(ctx, service, payload)
			switch {
			case errors.Is(err, client.ErrFailed), errors.Is(err, client.ErrExhausted):
				log.Warn().Err(err).Stringer("sequence", rep.Sequence).Msg("request not served")
				return nil
			case err != nil:
				return err
			}
			log.Info().
				Stringer("sequence", rep.Sequence).
				Dur("rtt", time.Since(start)).
				Bytes("reply", bytes.Join(rep.Payload, []byte(" "))).
				Msg("reply")
			return nil
		})
	}
	return g.Wait()
}
