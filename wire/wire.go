// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire encodes and decodes the frames exchanged between clients,
// brokers and workers.
//
// A message on the wire is an optional routing envelope terminated by an
// empty delimiter frame, followed by a body:
//
//	envelope… · "" · tag · kind · kind-specific frames…
//
// The 6-byte tag names the protocol family and, for the load-balanced
// family, the side of the conversation (client or worker).
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Family is a dispatch protocol family.
type Family uint8

const (
	// LoadBalanced sends every request to exactly one worker.
	LoadBalanced Family = iota + 1
	// Consensus broadcasts every request to all workers of a service.
	Consensus
)

func (f Family) String() string {
	switch f {
	case LoadBalanced:
		return "load-balanced"
	case Consensus:
		return "consensus"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// ParseFamily parses the textual name of a family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "load-balanced", "loadbalanced", "lb", "majordomo":
		return LoadBalanced, nil
	case "consensus":
		return Consensus, nil
	default:
		return 0, fmt.Errorf("wire: unknown protocol family %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	switch f {
	case LoadBalanced, Consensus:
		return []byte(f.String()), nil
	}
	return nil, fmt.Errorf("wire: invalid protocol family %d", uint8(f))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(text []byte) error {
	v, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Role is the side of the broker a message belongs to.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Kind is the one-byte message type.
type Kind uint8

const (
	Ready        Kind = 0x01
	Heartbeat    Kind = 0x02
	Request      Kind = 0x03
	ReplySuccess Kind = 0x04
	ReplyFailure Kind = 0x05
	Disconnect   Kind = 0x06
	Ping         Kind = 0x07
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "READY"
	case Heartbeat:
		return "HEARTBEAT"
	case Request:
		return "REQUEST"
	case ReplySuccess:
		return "REPLY_SUCCESS"
	case ReplyFailure:
		return "REPLY_FAILURE"
	case Disconnect:
		return "DISCONNECT"
	case Ping:
		return "PING"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// IsReply reports whether k is one of the two reply kinds.
func (k Kind) IsReply() bool { return k == ReplySuccess || k == ReplyFailure }

// Protocol tags.
const (
	TagLoadBalancedClient = "MCp100"
	TagLoadBalancedWorker = "MWp100"
	TagConsensus          = "CCp100"
)

// Tag returns the protocol tag for a family and side.
func Tag(f Family, r Role) string {
	switch {
	case f == Consensus:
		return TagConsensus
	case r == RoleWorker:
		return TagLoadBalancedWorker
	default:
		return TagLoadBalancedClient
	}
}

// SequenceID identifies one client request. Ids order by Client first so
// that all ids of a client are contiguous.
type SequenceID struct {
	Number uint64
	Client uint32
}

// Less orders ids by Client, then Number.
func (s SequenceID) Less(o SequenceID) bool {
	if s.Client != o.Client {
		return s.Client < o.Client
	}
	return s.Number < o.Number
}

// Words returns the id as three 32-bit words: the high and low halves of
// Number, then Client.
func (s SequenceID) Words() [3]uint32 {
	return [3]uint32{uint32(s.Number >> 32), uint32(s.Number), s.Client}
}

// SequenceFromWords is the inverse of SequenceID.Words.
func SequenceFromWords(w [3]uint32) SequenceID {
	return SequenceID{Number: uint64(w[0])<<32 | uint64(w[1]), Client: w[2]}
}

func (s SequenceID) String() string {
	return fmt.Sprintf("%08x:%d", s.Client, s.Number)
}

const sequenceSize = 12

func (s SequenceID) appendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, s.Number)
	return binary.BigEndian.AppendUint32(b, s.Client)
}

func decodeSequence(b []byte) (SequenceID, bool) {
	if len(b) != sequenceSize {
		return SequenceID{}, false
	}
	return SequenceID{
		Number: binary.BigEndian.Uint64(b[:8]),
		Client: binary.BigEndian.Uint32(b[8:]),
	}, true
}

// Message is a decoded protocol message. Which fields are meaningful depends
// on Kind:
//
//	READY                    Service, Interval, Retries
//	HEARTBEAT                Interval, Retries (zero Interval: no parameters)
//	REQUEST, REPLY_*         Service, Sequence, Payload
//	DISCONNECT               Service
//	PING                     Payload
//
// Payload frames of a decoded message alias the received buffers and must
// not be modified.
type Message struct {
	// Envelope holds the routing address frames, without the delimiter.
	Envelope [][]byte

	Family Family
	Role   Role
	Kind   Kind

	Service  string
	Sequence SequenceID
	Interval time.Duration
	Retries  uint8
	Payload  [][]byte
}

// Tag returns the protocol tag m is encoded with.
func (m *Message) Tag() string { return Tag(m.Family, m.Role) }

// Identity returns the hex form of the last envelope frame, which is the
// transport identity of the peer that sent m. It is empty without envelope.
func (m *Message) Identity() string {
	if len(m.Envelope) == 0 {
		return ""
	}
	return fmt.Sprintf("%X", m.Envelope[len(m.Envelope)-1])
}

func (m *Message) String() string {
	return fmt.Sprintf("%s/%s %s service=%q seq=%v payload=%d", m.Tag(), m.Role, m.Kind, m.Service, m.Sequence, len(m.Payload))
}
