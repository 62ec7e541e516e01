// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloads() map[string][][]byte {
	return map[string][][]byte{
		"none":  nil,
		"one":   {[]byte("hello")},
		"many":  {[]byte("a"), {}, []byte("c"), []byte("ddd")},
		"empty": {{}},
	}
}

func TestRoundTrip(t *testing.T) {
	seq := SequenceID{Number: 1<<40 + 7, Client: 0x7fff0001}
	env := [][]byte{[]byte("hop"), {0x00, 0x6b, 0x8b, 0x45}}

	// inbound messages travel to the broker, outbound ones leave it
	var inbound, outbound []*Message
	for _, fam := range []Family{LoadBalanced, Consensus} {
		inbound = append(inbound,
			&Message{Family: fam, Role: RoleWorker, Kind: Ready, Service: "echo", Interval: 2500 * time.Millisecond, Retries: 5},
			&Message{Family: fam, Role: RoleWorker, Kind: Heartbeat},
			&Message{Family: fam, Role: RoleWorker, Kind: Heartbeat, Interval: time.Second, Retries: 3},
			&Message{Family: fam, Role: RoleWorker, Kind: Disconnect, Service: "echo"},
		)
		outbound = append(outbound,
			&Message{Family: fam, Role: RoleWorker, Kind: Heartbeat, Interval: time.Second, Retries: 3},
			&Message{Family: fam, Role: RoleWorker, Kind: Disconnect, Service: "echo"},
		)
		for _, p := range payloads() {
			inbound = append(inbound,
				&Message{Family: fam, Role: RoleClient, Kind: Request, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleWorker, Kind: ReplySuccess, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleWorker, Kind: ReplyFailure, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleClient, Kind: Ping, Payload: p},
			)
			outbound = append(outbound,
				&Message{Family: fam, Role: RoleWorker, Kind: Request, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleClient, Kind: ReplySuccess, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleClient, Kind: ReplyFailure, Service: "echo", Sequence: seq, Payload: p},
				&Message{Family: fam, Role: RoleClient, Kind: Ping, Payload: p},
				&Message{Family: fam, Role: RoleWorker, Kind: Ping, Payload: p},
			)
		}
	}

	check := func(t *testing.T, want *Message, decode func([][]byte) (*Message, error)) {
		t.Helper()
		got, err := decode(append([][]byte{{}}, want.Encode()...))
		require.NoError(t, err)
		assert.Equal(t, want, got)

		routed := *want
		routed.Envelope = env
		got, err = decode(routed.Frames())
		require.NoError(t, err)
		assert.Equal(t, &routed, got)
		assert.Equal(t, "006B8B45", got.Identity())
	}

	for i, want := range inbound {
		t.Run(fmt.Sprintf("in-%d-%s-%s", i, want.Tag(), want.Kind), func(t *testing.T) {
			check(t, want, Decode)
			check(t, want, func(f [][]byte) (*Message, error) { return DecodeFor(f, want.Role) })
		})
	}
	for i, want := range outbound {
		t.Run(fmt.Sprintf("out-%d-%s-%s-%s", i, want.Tag(), want.Role, want.Kind), func(t *testing.T) {
			check(t, want, func(f [][]byte) (*Message, error) { return DecodeFor(f, want.Role) })
		})
	}
}

func TestHeartbeatKeepsRetriesWithoutInterval(t *testing.T) {
	m := &Message{Family: LoadBalanced, Role: RoleWorker, Kind: Heartbeat, Retries: 5}
	assert.Len(t, m.Encode(), 4)

	got, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Zero(t, got.Interval)
	assert.Equal(t, uint8(5), got.Retries)
}

func TestDecodeForLoadBalancedKeepsTagRole(t *testing.T) {
	m := &Message{Family: LoadBalanced, Role: RoleWorker, Kind: Request, Service: "s", Sequence: SequenceID{Number: 1, Client: 1}}
	got, err := DecodeFor(m.Frames(), RoleClient)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, got.Role)
}

func TestDecodeWithoutDelimiter(t *testing.T) {
	m := &Message{Family: LoadBalanced, Role: RoleClient, Kind: Request, Service: "s", Sequence: SequenceID{Number: 1, Client: 9}, Payload: [][]byte{{}, []byte("x")}}

	got, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Nil(t, got.Envelope)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestEncodeLayout(t *testing.T) {
	m := &Message{Family: LoadBalanced, Role: RoleWorker, Kind: Ready, Service: "db", Interval: 10 * time.Second, Retries: 3}
	assert.Equal(t, [][]byte{
		[]byte("MWp100"), {0x01}, []byte("db"), {0x00, 0x00, 0x27, 0x10}, {0x03},
	}, m.Encode())

	r := &Message{Family: Consensus, Role: RoleClient, Kind: Request, Service: "db", Sequence: SequenceID{Number: 2, Client: 0x01020304}, Payload: [][]byte{[]byte("q")}}
	assert.Equal(t, [][]byte{
		[]byte("CCp100"), {0x03}, []byte("db"),
		{0, 0, 0, 0, 0, 0, 0, 2, 1, 2, 3, 4},
		[]byte("q"),
	}, r.Encode())

	ping := &Message{Family: LoadBalanced, Role: RoleClient, Kind: Ping, Envelope: [][]byte{[]byte("id")}}
	assert.Equal(t, [][]byte{[]byte("id"), {}, []byte("MCp100"), {0x07}}, ping.Frames())
}

func TestEncodeClampsInterval(t *testing.T) {
	m := &Message{Family: LoadBalanced, Role: RoleWorker, Kind: Ready, Service: "s", Interval: time.Duration(math.MaxInt64)}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxUint32)*time.Millisecond, got.Interval)
}

func TestConsensusRoleInference(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		role Role
	}{
		{Request, RoleClient},
		{Ping, RoleClient},
		{Ready, RoleWorker},
		{Heartbeat, RoleWorker},
		{ReplySuccess, RoleWorker},
		{ReplyFailure, RoleWorker},
		{Disconnect, RoleWorker},
	} {
		m := &Message{Family: Consensus, Kind: tc.kind, Service: "s", Sequence: SequenceID{Number: 1, Client: 1}}
		got, err := Decode(m.Encode())
		require.NoError(t, err, tc.kind)
		assert.Equal(t, tc.role, got.Role, tc.kind)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		frames [][]byte
		want   error
	}{
		{"empty", nil, ErrMalformed},
		{"tag only", [][]byte{{}, []byte("MCp100")}, ErrMalformed},
		{"unknown tag", [][]byte{{}, []byte("XXp999"), {0x01}}, ErrUnknownProtocol},
		{"long kind", [][]byte{{}, []byte("MWp100"), {0x01, 0x02}}, ErrMalformed},
		{"unknown kind", [][]byte{{}, []byte("MWp100"), {0x42}}, ErrUnknownKind},
		{"ready on client tag", [][]byte{{}, []byte("MCp100"), {0x01}, []byte("s"), {0, 0, 0, 1}, {1}}, ErrUnknownKind},
		{"disconnect on client tag", [][]byte{{}, []byte("MCp100"), {0x06}, []byte("s")}, ErrUnknownKind},
		{"short ready", [][]byte{{}, []byte("MWp100"), {0x01}, []byte("s")}, ErrMalformed},
		{"bad interval", [][]byte{{}, []byte("MWp100"), {0x01}, []byte("s"), {0, 1}, {1}}, ErrMalformed},
		{"bad retries", [][]byte{{}, []byte("MWp100"), {0x01}, []byte("s"), {0, 0, 0, 1}, {}}, ErrMalformed},
		{"odd heartbeat", [][]byte{{}, []byte("CCp100"), {0x02}, {0, 0, 0, 1}}, ErrMalformed},
		{"short request", [][]byte{{}, []byte("MCp100"), {0x03}, []byte("s")}, ErrMalformed},
		{"short sequence", [][]byte{{}, []byte("MCp100"), {0x03}, []byte("s"), {1, 2, 3}}, ErrMalformed},
		{"long disconnect", [][]byte{{}, []byte("MWp100"), {0x06}, []byte("s"), []byte("x")}, ErrMalformed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode(tc.frames)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, tc.want)

			var derr *DecodeError
			require.True(t, errors.As(err, &derr))
			assert.NotEmpty(t, derr.Error())
		})
	}
}

func TestSequenceID(t *testing.T) {
	s := SequenceID{Number: 0x0102030405060708, Client: 0x7ffffffe}
	assert.Equal(t, [3]uint32{0x01020304, 0x05060708, 0x7ffffffe}, s.Words())
	assert.Equal(t, s, SequenceFromWords(s.Words()))

	a := SequenceID{Number: 100, Client: 1}
	b := SequenceID{Number: 1, Client: 2}
	c := SequenceID{Number: 101, Client: 1}
	assert.True(t, a.Less(b))
	assert.True(t, a.Less(c))
	assert.False(t, b.Less(c))
	assert.False(t, a.Less(a))
}

func TestParseFamily(t *testing.T) {
	for in, want := range map[string]Family{
		"load-balanced": LoadBalanced,
		"LB":            LoadBalanced,
		"majordomo":     LoadBalanced,
		" consensus ":   Consensus,
	} {
		got, err := ParseFamily(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFamily("paxos")
	assert.Error(t, err)

	var f Family
	require.NoError(t, f.UnmarshalText([]byte("consensus")))
	assert.Equal(t, Consensus, f)
	text, err := f.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "consensus", string(text))
}

func TestTag(t *testing.T) {
	assert.Equal(t, TagLoadBalancedClient, Tag(LoadBalanced, RoleClient))
	assert.Equal(t, TagLoadBalancedWorker, Tag(LoadBalanced, RoleWorker))
	assert.Equal(t, TagConsensus, Tag(Consensus, RoleClient))
	assert.Equal(t, TagConsensus, Tag(Consensus, RoleWorker))
}
