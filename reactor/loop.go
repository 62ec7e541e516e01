// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reactor implements the single-goroutine event loop that owns the
// protocol state of one broker, client or worker.
//
// Every handler and timer callback of a Loop runs on the loop goroutine, one
// at a time, so the state they touch needs no locking. Other goroutines hand
// work to the loop with Post or Call.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned when work is submitted to a stopped loop.
	ErrStopped = errors.New("reactor: loop stopped")

	// ErrTimerInactive is returned when cancelling a timer that already
	// fired or was cancelled. Callers treat it as a state desync.
	ErrTimerInactive = errors.New("reactor: timer already fired or cancelled")
)

// Option configures a Loop.
type Option func(l *Loop)

// WithClock sets the time source used for timers. Tests pass a clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the logger used to report panicking callbacks.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// Loop is a single-goroutine scheduler with one-shot and periodic timers.
type Loop struct {
	name  string
	clock clock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	started bool
	notify  chan struct{}
	done    chan struct{}

	// owned by the loop goroutine
	timers timerHeap
	seq    uint64
	wake   *clock.Timer
	wakeAt time.Time

	onLoop atomic.Bool
}

// New creates a loop. It does not run until Start is called.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		clock:  clock.New(),
		log:    zerolog.Nop(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name given to New.
func (l *Loop) Name() string { return l.name }

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Clock returns the loop's time source.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Stop runs every task already posted, stops the loop and waits for the
// goroutine to exit. Pending timers are discarded. Stop must not be called
// from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	l.stopped = true
	l.mu.Unlock()

	if !started {
		return
	}
	l.signal()
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Call runs fn on the loop goroutine and waits for it to return. Timers that
// are due when fn is dequeued run before fn. Call must not be used from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := l.Post(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks, l.stopped
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.disarm()

	for {
		l.fireDue()
		tasks, stopped := l.take()
		for _, fn := range tasks {
			l.exec(fn)
		}
		if stopped {
			return
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-l.notify:
		case <-l.arm():
		}
	}
}

func (l *Loop) exec(fn func()) {
	l.onLoop.Store(true)
	defer l.onLoop.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("loop", l.name).Str("panic", fmt.Sprint(r)).Msg("callback panicked")
		}
	}()
	fn()
}

// arm returns a channel that fires when the earliest timer is due, or nil
// when no timer is pending.
func (l *Loop) arm() <-chan time.Time {
	next, ok := l.timers.peek()
	if !ok {
		l.disarm()
		return nil
	}
	if l.wake != nil && l.wakeAt.Equal(next.at) {
		return l.wake.C
	}
	l.disarm()
	d := next.at.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	l.wake = l.clock.Timer(d)
	l.wakeAt = next.at
	return l.wake.C
}

func (l *Loop) disarm() {
	if l.wake != nil {
		l.wake.Stop()
		l.wake = nil
	}
}

func (l *Loop) fireDue() {
	for {
		t, ok := l.timers.peek()
		if !ok || t.at.After(l.clock.Now()) {
			return
		}
		l.timers.popTimer()
		if t.period > 0 {
			t.at = t.at.Add(t.period)
			if now := l.clock.Now(); t.at.Before(now) {
				t.at = now.Add(t.period)
			}
			l.schedule(t)
		}
		l.exec(t.fn)
	}
}
