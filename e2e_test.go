// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/zbroker"
	"github.com/destiny/zbroker/broker"
	"github.com/destiny/zbroker/client"
	"github.com/destiny/zbroker/internal/testutil"
	"github.com/destiny/zbroker/wire"
	"github.com/destiny/zbroker/worker"
)

// TestEndToEnd runs a broker, workers and a client over ZeroMQ TCP sockets.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	endpoint, err := testutil.GetTestEndpoint()
	require.NoError(t, err)
	transport := zbroker.NewZMQTransport()

	bo := broker.DefaultOptions(endpoint)
	bo.Engines = map[string]wire.Family{"vote": wire.Consensus}
	b, err := broker.New(bo, transport)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })
	require.NoError(t, testutil.WaitForConnection(endpoint, 5*time.Second))

	startWorker := func(service, tag string, family wire.Family) {
		opts := worker.DefaultOptions(endpoint, service)
		opts.Family = family
		opts.HeartbeatInterval = 200 * time.Millisecond
		w, err := worker.New(opts, transport, func(j *worker.Job) {
			_ = j.Succeed([]byte(tag))
		})
		require.NoError(t, err)
		require.NoError(t, w.Start(ctx))
		t.Cleanup(func() { assert.NoError(t, w.Stop()) })
	}
	startWorker("echo", "a", wire.LoadBalanced)
	startWorker("echo", "b", wire.LoadBalanced)
	startWorker("vote", "x", wire.Consensus)
	startWorker("vote", "y", wire.Consensus)

	testutil.WaitWithTimeout(t, func() bool {
		s, err := b.Stats(ctx)
		return err == nil && s.Workers == 4
	}, 5*time.Second, 20*time.Millisecond)

	newClient := func(t *testing.T, family wire.Family) *client.Client {
		opts := client.DefaultOptions(endpoint)
		opts.Family = family
		opts.Timeout = 2 * time.Second
		opts.Retries = 2
		c, err := client.New(opts, transport)
		require.NoError(t, err)
		require.NoError(t, c.Start(ctx))
		t.Cleanup(func() { assert.NoError(t, c.Stop()) })
		return c
	}

	t.Run("load-balanced", func(t *testing.T) {
		c := newClient(t, wire.LoadBalanced)
		seen := map[string]int{}
		for i := 0; i < 10; i++ {
			rep, err := c.Do(ctx, "echo", [][]byte{[]byte("ping")})
			require.NoError(t, err)
			require.Len(t, rep.Payload, 1)
			seen[string(rep.Payload[0])]++
			assert.Equal(t, uint64(i+1), rep.Sequence.Number)
		}
		assert.Equal(t, 10, seen["a"]+seen["b"])
	})

	t.Run("consensus", func(t *testing.T) {
		c := newClient(t, wire.Consensus)
		rep, err := c.Do(ctx, "vote", [][]byte{[]byte("q")})
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]byte{[]byte("x"), []byte("y")}, rep.Payload)
	})

	t.Run("unknown service", func(t *testing.T) {
		c := newClient(t, wire.LoadBalanced)
		_, err := c.Do(ctx, "missing", nil)
		assert.ErrorIs(t, err, client.ErrFailed)
	})
}

// TestStartContextBoundsStartupOnly cancels every Start context once Start
// returned; the sockets must keep working.
func TestStartContextBoundsStartupOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP test in short mode")
	}
	endpoint, err := testutil.GetTestEndpoint()
	require.NoError(t, err)
	transport := zbroker.NewZMQTransport()

	start := func(run func(context.Context) error) {
		ctx, cancel := testutil.TestTimeoutContext(5 * time.Second)
		require.NoError(t, run(ctx))
		cancel()
	}

	b, err := broker.New(broker.DefaultOptions(endpoint), transport)
	require.NoError(t, err)
	start(b.Start)
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	w, err := worker.New(worker.DefaultOptions(endpoint, "echo"), transport, func(j *worker.Job) {
		_ = j.Succeed(j.Payload...)
	})
	require.NoError(t, err)
	start(w.Start)
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })

	testutil.WaitWithTimeout(t, func() bool {
		s, err := b.Stats(context.Background())
		return err == nil && s.Workers == 1
	}, 5*time.Second, 20*time.Millisecond)

	opts := client.DefaultOptions(endpoint)
	opts.Timeout = 2 * time.Second
	c, err := client.New(opts, transport)
	require.NoError(t, err)
	start(c.Start)
	t.Cleanup(func() { assert.NoError(t, c.Stop()) })

	ctx, cancel := testutil.TestTimeoutContext(10 * time.Second)
	defer cancel()
	rep, err := c.Do(ctx, "echo", [][]byte{[]byte("still here")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("still here")}, rep.Payload)
}

func TestZMQTransportCancelledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TCP test in short mode")
	}
	endpoint, err := testutil.GetTestEndpoint()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = zbroker.NewZMQTransport().Listen(ctx, endpoint)
	assert.ErrorIs(t, err, context.Canceled)

	// nothing listens; a cancelled ctx fails the dial whatever the retries do
	tr := zbroker.NewZMQTransport(zbroker.WithDialerRetry(10*time.Millisecond), zbroker.WithDialerMaxRetries(2))
	_, err = tr.Dial(ctx, endpoint)
	assert.ErrorIs(t, err, context.Canceled)
}
