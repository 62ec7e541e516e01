// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example broker serving prometheus metrics on /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/broker"
	"github.com/destiny/zbroker/internal/config"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML configuration file")
		endpoint = flag.String("endpoint", "tcp://*:5555", "endpoint to bind when no config is given")
		metrics  = flag.String("metrics", ":9090", "address of the metrics endpoint")
		level    = flag.String("log-level", "info", "log level when no config is given")
	)
	flag.Parse()
	startup := zbroker.NewLogger(zbroker.LogLevelError)

	f := &config.File{LogLevel: *level, Broker: config.Broker{Endpoint: *endpoint}}
	if *cfgPath != "" {
		var err error
		if f, err = config.Load(*cfgPath); err != nil {
			startup.Fatal().Err(err).Msg("failed to load configuration")
		}
	}
	log := f.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, *metrics, log); err != nil {
		log.Fatal().Err(err).Msg("broker failed")
	}
}

func run(ctx context.Context, f *config.File, metricsAddr string, log zerolog.Logger) error {
	opts, err := f.BrokerOptions()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	opts.Logger = log
	opts.Registerer = reg

	b, err := broker.New(opts, zbroker.NewZMQTransport(zbroker.WithLogger(log)))
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", metricsAddr).Msg("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s, err := b.Stats(ctx)
				if err != nil {
					return nil
				}
				ev := log.Info().Int("clients", s.Clients).Int("workers", s.Workers).Int("closed", s.Closed)
				for name, svc := range s.Services {
					ev = ev.Str("service."+name, svc.Engine.String())
				}
				ev.Msg("broker stats")
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Combine(b.Stop(), srv.Shutdown(shutdown))
	})
	return g.Wait()
}
