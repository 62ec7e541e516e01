// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnknownProtocol = errors.New("wire: unknown protocol tag")
	ErrUnknownKind     = errors.New("wire: unknown message kind")
	ErrMalformed       = errors.New("wire: malformed message")
)

// DecodeError describes a frame sequence that could not be decoded.
type DecodeError struct {
	Err    error // one of ErrUnknownProtocol, ErrUnknownKind or ErrMalformed
	Tag    string
	Kind   Kind
	Detail string
}

func (e *DecodeError) Error() string {
	msg := e.Err.Error()
	if e.Tag != "" {
		msg += fmt.Sprintf(" (tag=%q", e.Tag)
		if e.Kind != 0 {
			msg += " kind=" + e.Kind.String()
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

type side struct {
	family Family
	role   Role
}

var tags = map[string]side{
	TagLoadBalancedClient: {LoadBalanced, RoleClient},
	TagLoadBalancedWorker: {LoadBalanced, RoleWorker},
	TagConsensus:          {Consensus, 0},
}

type decodeFunc func(m *Message, body [][]byte) error

var (
	clientKinds = map[Kind]decodeFunc{
		Request:      decodeRequest,
		ReplySuccess: decodeRequest,
		ReplyFailure: decodeRequest,
		Ping:         decodePing,
	}
	workerKinds = map[Kind]decodeFunc{
		Ready:        decodeReady,
		Heartbeat:    decodeHeartbeat,
		Request:      decodeRequest,
		ReplySuccess: decodeRequest,
		ReplyFailure: decodeRequest,
		Disconnect:   decodeDisconnect,
		Ping:         decodePing,
	}

	// decoders is the per-tag table of accepted kinds.
	decoders = map[string]map[Kind]decodeFunc{
		TagLoadBalancedClient: clientKinds,
		TagLoadBalancedWorker: workerKinds,
		TagConsensus:          workerKinds,
	}
)

// Decode splits frames into envelope and body and decodes the body as the
// broker receives it. The envelope is every frame before the first empty
// delimiter frame; frames without delimiter have no envelope.
//
// The consensus tag is shared by both sides, so the side of a consensus
// message is inferred from its kind: clients send requests and pings,
// workers send everything else.
func Decode(frames [][]byte) (*Message, error) {
	return decode(frames, 0)
}

// DecodeFor decodes frames received by a peer on side of the broker. A
// client passes RoleClient and a worker RoleWorker; consensus messages then
// carry that role instead of one inferred from the kind.
func DecodeFor(frames [][]byte, side Role) (*Message, error) {
	return decode(frames, side)
}

func decode(frames [][]byte, side Role) (*Message, error) {
	envelope, body := splitEnvelope(frames)
	if len(body) < 2 {
		return nil, &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("body has %d frames", len(body))}
	}

	tag := string(body[0])
	s, ok := tags[tag]
	if !ok {
		return nil, &DecodeError{Err: ErrUnknownProtocol, Tag: tag}
	}
	if len(body[1]) != 1 {
		return nil, &DecodeError{Err: ErrMalformed, Tag: tag, Detail: "kind frame is not one byte"}
	}
	kind := Kind(body[1][0])
	dec, ok := decoders[tag][kind]
	if !ok {
		return nil, &DecodeError{Err: ErrUnknownKind, Tag: tag, Kind: kind}
	}

	m := &Message{
		Envelope: envelope,
		Family:   s.family,
		Role:     s.role,
		Kind:     kind,
	}
	switch {
	case m.Role != 0:
	case side != 0:
		m.Role = side
	default:
		m.Role = inferRole(kind)
	}
	if err := dec(m, body[2:]); err != nil {
		return nil, &DecodeError{Err: ErrMalformed, Tag: tag, Kind: kind, Detail: err.Error()}
	}
	return m, nil
}

func inferRole(k Kind) Role {
	switch k {
	case Request, Ping:
		return RoleClient
	default:
		return RoleWorker
	}
}

func splitEnvelope(frames [][]byte) (envelope, body [][]byte) {
	for i, f := range frames {
		if len(f) == 0 {
			if i == 0 {
				return nil, frames[1:]
			}
			return frames[:i], frames[i+1:]
		}
		if _, ok := tags[string(f)]; ok {
			// body starts without a delimiter; empty payload frames
			// after this point are not delimiters.
			break
		}
	}
	return nil, frames
}

func payload(frames [][]byte) [][]byte {
	if len(frames) == 0 {
		return nil
	}
	return frames
}

func decodeReady(m *Message, rest [][]byte) error {
	if len(rest) != 3 {
		return fmt.Errorf("READY has %d frames after kind, want 3", len(rest))
	}
	m.Service = string(rest[0])
	return decodeLiveness(m, rest[1], rest[2])
}

func decodeHeartbeat(m *Message, rest [][]byte) error {
	switch len(rest) {
	case 0:
		return nil
	case 2:
		return decodeLiveness(m, rest[0], rest[1])
	default:
		return fmt.Errorf("HEARTBEAT has %d frames after kind, want 0 or 2", len(rest))
	}
}

func decodeLiveness(m *Message, interval, retries []byte) error {
	if len(interval) != 4 {
		return fmt.Errorf("heartbeat interval is %d bytes, want 4", len(interval))
	}
	if len(retries) != 1 {
		return fmt.Errorf("heartbeat retries is %d bytes, want 1", len(retries))
	}
	m.Interval = time.Duration(binary.BigEndian.Uint32(interval)) * time.Millisecond
	m.Retries = retries[0]
	return nil
}

func decodeRequest(m *Message, rest [][]byte) error {
	if len(rest) < 2 {
		return fmt.Errorf("%s has %d frames after kind, want at least 2", m.Kind, len(rest))
	}
	seq, ok := decodeSequence(rest[1])
	if !ok {
		return fmt.Errorf("sequence id is %d bytes, want %d", len(rest[1]), sequenceSize)
	}
	m.Service = string(rest[0])
	m.Sequence = seq
	m.Payload = payload(rest[2:])
	return nil
}

func decodeDisconnect(m *Message, rest [][]byte) error {
	if len(rest) != 1 {
		return fmt.Errorf("DISCONNECT has %d frames after kind, want 1", len(rest))
	}
	m.Service = string(rest[0])
	return nil
}

func decodePing(m *Message, rest [][]byte) error {
	m.Payload = payload(rest)
	return nil
}

// Encode returns the body frames of m, without envelope or delimiter.
func (m *Message) Encode() [][]byte {
	body := make([][]byte, 0, 4+len(m.Payload))
	body = append(body, []byte(m.Tag()), []byte{byte(m.Kind)})

	switch m.Kind {
	case Ready:
		body = append(body, []byte(m.Service))
		body = append(body, encodeLiveness(m.Interval, m.Retries)...)
	case Heartbeat:
		if m.Interval > 0 || m.Retries > 0 {
			body = append(body, encodeLiveness(m.Interval, m.Retries)...)
		}
	case Request, ReplySuccess, ReplyFailure:
		body = append(body, []byte(m.Service), m.Sequence.appendBinary(make([]byte, 0, sequenceSize)))
		body = append(body, m.Payload...)
	case Disconnect:
		body = append(body, []byte(m.Service))
	case Ping:
		body = append(body, m.Payload...)
	}
	return body
}

// Frames returns the frames to send for m: its envelope, the empty
// delimiter, then the body.
func (m *Message) Frames() [][]byte {
	body := m.Encode()
	frames := make([][]byte, 0, len(m.Envelope)+1+len(body))
	frames = append(frames, m.Envelope...)
	frames = append(frames, []byte{})
	return append(frames, body...)
}

func encodeLiveness(interval time.Duration, retries uint8) [][]byte {
	ms := interval.Milliseconds()
	switch {
	case ms < 0:
		ms = 0
	case ms > math.MaxUint32:
		ms = math.MaxUint32
	}
	return [][]byte{
		binary.BigEndian.AppendUint32(nil, uint32(ms)),
		{retries},
	}
}
