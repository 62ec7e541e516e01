// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/zbroker/internal/testutil"
	"github.com/destiny/zbroker/wire"
)

const (
	endpoint = "inproc://client-test"
	recvWait = 2 * time.Second
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness runs a client against a bare router standing in for the broker.
type harness struct {
	net     *testutil.Network
	clock   *clock.Mock
	broker  *testutil.Router
	c       *Client
	tracker *testutil.OutcomeTracker
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		net:     testutil.NewNetwork(),
		clock:   clock.NewMock(),
		tracker: testutil.NewOutcomeTracker(),
	}
	r, err := h.net.Bind(endpoint)
	require.NoError(t, err)
	h.broker = r
	t.Cleanup(func() { r.Close() })

	opts := DefaultOptions(endpoint)
	opts.Clock = h.clock
	opts.Registerer = prometheus.NewRegistry()
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts, h.net)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, c.Stop()) })
	h.c = c
	return h
}

// record returns a callback that files outcomes under label.
func (h *harness) record(label string) Callback {
	return func(r Reply) {
		h.tracker.Record(testutil.Outcome{
			Label:     label,
			Success:   r.Success,
			Exhausted: r.Exhausted,
			Payload:   r.Payload,
			At:        h.clock.Now(),
		})
	}
}

func (h *harness) expectRequest(t *testing.T) *wire.Message {
	t.Helper()
	frames, err := h.broker.RecvTimeout(recvWait)
	require.NoError(t, err)
	m, err := wire.Decode(frames)
	require.NoError(t, err)
	require.Equal(t, wire.Request, m.Kind)
	return m
}

func (h *harness) expectSilence(t *testing.T) {
	t.Helper()
	_, err := h.broker.RecvTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, testutil.ErrTimeout)
}

func (h *harness) reply(t *testing.T, req *wire.Message, kind wire.Kind, payload ...string) {
	t.Helper()
	m := &wire.Message{
		Envelope: req.Envelope,
		Family:   req.Family,
		Role:     wire.RoleClient,
		Kind:     kind,
		Service:  req.Service,
		Sequence: req.Sequence,
		Payload:  frames(payload...),
	}
	require.NoError(t, h.broker.Send(m.Frames()))
}

func frames(parts ...string) [][]byte {
	var out [][]byte
	for _, p := range parts {
		out = append(out, []byte(p))
	}
	return out
}

type result struct {
	reply Reply
	err   error
}

func (h *harness) do(ctx context.Context, service string, payload [][]byte, opts ...RequestOption) <-chan result {
	ch := make(chan result, 1)
	go func() {
		r, err := h.c.Do(ctx, service, payload, opts...)
		ch <- result{r, err}
	}()
	return ch
}

func TestClientRetryTiming(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Timeout = 100 * time.Millisecond
		o.Retries = 3
	})
	start := h.clock.Now()

	require.NoError(t, h.c.Request("echo", frames("ping"), h.record("ping")))
	for i := 0; i < 3; i++ {
		m := h.expectRequest(t)
		assert.Equal(t, uint64(1), m.Sequence.Number, "retries reuse the sequence id")
		assert.Equal(t, frames("ping"), m.Payload)
		assert.Equal(t, 0, h.tracker.Len())
		h.clock.Add(100 * time.Millisecond)
	}

	out := h.tracker.WaitFor(t, 1, recvWait)
	assert.True(t, out[0].Exhausted)
	assert.False(t, out[0].Success)
	assert.Empty(t, out[0].Payload)
	assert.Equal(t, start.Add(300*time.Millisecond), out[0].At)
	h.expectSilence(t)

	assert.Equal(t, 3.0, promtest.ToFloat64(h.c.metrics.attempts))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.c.metrics.exhausted))
	pending, err := h.c.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClientWithoutTimeoutWaitsForever(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.Request("echo", nil, h.record("slow")))
	req := h.expectRequest(t)
	h.clock.Add(time.Hour)
	h.expectSilence(t)

	h.reply(t, req, wire.ReplySuccess, "late but fine")
	out := h.tracker.WaitFor(t, 1, recvWait)
	assert.True(t, out[0].Success)
	assert.Equal(t, frames("late but fine"), out[0].Payload)
}

func TestClientDo(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Family = wire.Consensus })
	ctx, cancel := testutil.TestTimeoutContext(recvWait)
	defer cancel()

	res := h.do(ctx, "vote", frames("q"))
	req := h.expectRequest(t)
	assert.Equal(t, wire.TagConsensus, req.Tag())
	h.reply(t, req, wire.ReplySuccess, "a", "b")
	r := <-res
	require.NoError(t, r.err)
	assert.True(t, r.reply.Success)
	assert.Equal(t, "vote", r.reply.Service)
	assert.Equal(t, req.Sequence, r.reply.Sequence)
	assert.Equal(t, frames("a", "b"), r.reply.Payload)

	res = h.do(ctx, "vote", frames("q2"))
	req = h.expectRequest(t)
	assert.Equal(t, uint64(2), req.Sequence.Number)
	h.reply(t, req, wire.ReplyFailure, "disagree")
	r = <-res
	assert.ErrorIs(t, r.err, ErrFailed)
	assert.Equal(t, frames("disagree"), r.reply.Payload)

	res = h.do(ctx, "vote", nil, WithTimeout(time.Second), WithRetries(1))
	h.expectRequest(t)
	h.clock.Add(time.Second)
	r = <-res
	assert.ErrorIs(t, r.err, ErrExhausted)
	assert.True(t, r.reply.Exhausted)
}

func TestClientDoContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	res := h.do(ctx, "echo", nil)
	h.expectRequest(t)
	cancel()
	assert.ErrorIs(t, (<-res).err, context.Canceled)
}

func TestClientDropsUnmatchedReply(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ClientID = 5 })

	require.NoError(t, h.c.Request("echo", nil, h.record("one")))
	req := h.expectRequest(t)
	assert.Equal(t, uint32(5), req.Sequence.Client)

	stray := *req
	stray.Sequence.Number = 99
	h.reply(t, &stray, wire.ReplySuccess, "stray")
	h.reply(t, req, wire.ReplySuccess, "mine")
	h.reply(t, req, wire.ReplySuccess, "again")

	out := h.tracker.WaitFor(t, 1, recvWait)
	assert.Equal(t, frames("mine"), out[0].Payload)
	h.expectSilence(t)
	assert.Equal(t, 1, h.tracker.Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.c.metrics.replies.WithLabelValues("success")))
}

func TestClientReconnectsAfterBrokerTimeouts(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Timeout = 100 * time.Millisecond
		o.Retries = 1
		o.MaxBrokerTimeouts = 1
		o.ClientID = 77
	})

	require.NoError(t, h.c.Request("svc", frames("a"), h.record("a")))
	require.NoError(t, h.c.Request("svc", frames("b"), h.record("b"), WithTimeout(0)))
	require.NoError(t, h.c.Request("svc", frames("c"), h.record("c")))
	require.NoError(t, h.c.Request("svc", frames("d"), h.record("d"), WithTimeout(0)))
	require.NoError(t, h.c.Request("svc", frames("e"), h.record("e")))

	var first []*wire.Message
	for i := 1; i <= 5; i++ {
		m := h.expectRequest(t)
		assert.Equal(t, wire.SequenceID{Number: uint64(i), Client: 77}, m.Sequence)
		first = append(first, m)
	}
	oldPeer := first[0].Identity()

	// a reply resets the count of consecutive timeouts
	h.reply(t, first[4], wire.ReplySuccess, "E")
	h.tracker.WaitFor(t, 1, recvWait)

	// "a" exhausts within the threshold and is reported; "c" trips it
	h.clock.Add(100 * time.Millisecond)
	out := h.tracker.WaitFor(t, 2, recvWait)
	assert.Equal(t, "a", out[1].Label)
	assert.True(t, out[1].Exhausted)

	id, err := h.c.ClientID(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, uint32(77), id)

	var again []*wire.Message
	for i, want := range []string{"b", "c", "d"} {
		m := h.expectRequest(t)
		assert.Equal(t, wire.SequenceID{Number: uint64(i + 1), Client: id}, m.Sequence)
		assert.Equal(t, frames(want), m.Payload)
		assert.NotEqual(t, oldPeer, m.Identity(), "request %s came over the old connection", want)
		again = append(again, m)
	}
	h.expectSilence(t)
	assert.Equal(t, 2, h.net.Dials(endpoint))

	pending, err := h.c.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, uint64(i+1), p.Sequence.Number)
		assert.Equal(t, 1, p.Tries)
	}

	h.reply(t, again[1], wire.ReplySuccess, "C")
	out = h.tracker.WaitFor(t, 3, recvWait)
	assert.Equal(t, "c", out[2].Label)
	assert.Equal(t, frames("C"), out[2].Payload)

	// the next request continues the new numbering
	require.NoError(t, h.c.Request("svc", frames("f"), h.record("f"), WithTimeout(0)))
	m := h.expectRequest(t)
	assert.Equal(t, wire.SequenceID{Number: 4, Client: id}, m.Sequence)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.c.metrics.reconnects))
}

func TestClientStop(t *testing.T) {
	net := testutil.NewNetwork()
	r, err := net.Bind(endpoint)
	require.NoError(t, err)
	defer r.Close()

	c, err := New(DefaultOptions(endpoint), net)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrRunning)

	res := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), "echo", nil)
		res <- err
	}()
	_, err = r.RecvTimeout(recvWait)
	require.NoError(t, err)

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, <-res, ErrClosed)
	assert.ErrorIs(t, c.Request("echo", nil, nil), ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions(endpoint).Validate())
	for name, tweak := range map[string]func(*Options){
		"endpoint": func(o *Options) { o.Endpoint = "" },
		"family":   func(o *Options) { o.Family = 0 },
		"timeout":  func(o *Options) { o.Timeout = -time.Second },
		"retries":  func(o *Options) { o.Retries = -1 },
		"max":      func(o *Options) { o.MaxBrokerTimeouts = -1 },
		"redial":   func(o *Options) { o.RedialDelay = 0 },
		"clock":    func(o *Options) { o.Clock = nil },
	} {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions(endpoint)
			tweak(&opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidConfig)
		})
	}
}
