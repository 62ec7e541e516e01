// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package worker

import (
	"errors"
	"sync/atomic"

	"github.com/destiny/zbroker/wire"
)

// ErrAnswered is returned when a job is answered twice.
var ErrAnswered = errors.New("worker: job already answered")

// Handler is called on the worker loop for every request. It must not
// block; long work belongs on another goroutine, which then answers the job.
type Handler func(j *Job)

// Job is one request handed to a Handler.
type Job struct {
	Service  string
	Sequence wire.SequenceID
	Payload  [][]byte

	w        *Worker
	gen      uint64 // connection the request arrived on
	answered atomic.Bool
}

// Succeed answers the job with a success reply. Safe for concurrent use.
func (j *Job) Succeed(payload ...[]byte) error {
	return j.answer(wire.ReplySuccess, payload)
}

// Fail answers the job with a failure reply. Safe for concurrent use.
func (j *Job) Fail(payload ...[]byte) error {
	return j.answer(wire.ReplyFailure, payload)
}

func (j *Job) answer(kind wire.Kind, payload [][]byte) error {
	if !j.answered.CompareAndSwap(false, true) {
		return ErrAnswered
	}
	if err := j.w.loop.Post(func() { j.w.reply(j, kind, payload) }); err != nil {
		return ErrClosed
	}
	return nil
}
