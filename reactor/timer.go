// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot or periodic callback scheduled on a Loop.
type Timer struct {
	loop   *Loop
	at     time.Time
	period time.Duration
	fn     func()
	seq    uint64
	index  int // position in the heap, -1 when not scheduled
}

// After schedules fn to run once, d from now. Loop goroutine only.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	l.AssertOnLoop()
	t := &Timer{loop: l, at: l.clock.Now().Add(d), fn: fn, index: -1}
	l.schedule(t)
	return t
}

// Every schedules fn to run every d until the timer is cancelled. Loop
// goroutine only.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	l.AssertOnLoop()
	if d <= 0 {
		panic("reactor: non-positive interval for periodic timer")
	}
	t := &Timer{loop: l, at: l.clock.Now().Add(d), period: d, fn: fn, index: -1}
	l.schedule(t)
	return t
}

func (l *Loop) schedule(t *Timer) {
	l.seq++
	t.seq = l.seq
	heap.Push(&l.timers, t)
}

// Cancel stops the timer. It returns ErrTimerInactive when a one-shot timer
// already fired or the timer was already cancelled.
func (t *Timer) Cancel() error {
	t.loop.AssertOnLoop()
	if t.index < 0 {
		return ErrTimerInactive
	}
	heap.Remove(&t.loop.timers, t.index)
	return nil
}

// Active reports whether the timer is still scheduled.
func (t *Timer) Active() bool { return t.index >= 0 }

// Period returns the interval of a periodic timer, zero for one-shots.
func (t *Timer) Period() time.Duration { return t.period }

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h timerHeap) peek() (*Timer, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}

func (h *timerHeap) popTimer() *Timer {
	return heap.Pop(h).(*Timer)
}
