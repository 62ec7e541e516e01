// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestTimeoutContext creates a context with timeout for testing
func TestTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitWithTimeout waits for a condition with timeout
func WaitWithTimeout(t testing.TB, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()
	ctx, cancel := TestTimeoutContext(timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition after %v", timeout)
		case <-ticker.C:
		}
	}
}

// Outcome is one reply delivered to an application callback.
type Outcome struct {
	Label     string // names the request, set by the test
	Success   bool
	Exhausted bool
	Payload   [][]byte
	At        time.Time
}

// OutcomeTracker collects the outcomes delivered to client callbacks.
type OutcomeTracker struct {
	mu       sync.Mutex
	outcomes []Outcome
	notify   chan struct{}
}

// NewOutcomeTracker creates an empty tracker
func NewOutcomeTracker() *OutcomeTracker {
	return &OutcomeTracker{notify: make(chan struct{}, 1)}
}

// Record stores an outcome
func (ot *OutcomeTracker) Record(o Outcome) {
	ot.mu.Lock()
	ot.outcomes = append(ot.outcomes, o)
	ot.mu.Unlock()

	select {
	case ot.notify <- struct{}{}:
	default:
	}
}

// Outcomes returns a copy of every recorded outcome, in delivery order
func (ot *OutcomeTracker) Outcomes() []Outcome {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return append([]Outcome(nil), ot.outcomes...)
}

// Len returns the number of recorded outcomes
func (ot *OutcomeTracker) Len() int {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return len(ot.outcomes)
}

// WaitFor blocks until at least n outcomes were recorded
func (ot *OutcomeTracker) WaitFor(t testing.TB, n int, timeout time.Duration) []Outcome {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if out := ot.Outcomes(); len(out) >= n {
			return out
		}
		select {
		case <-ot.notify:
		case <-deadline.C:
			t.Fatalf("Timeout waiting for %d outcomes, got %d", n, ot.Len())
		}
	}
}
