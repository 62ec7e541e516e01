// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"time"

	"github.com/destiny/zbroker/reactor"
	"github.com/destiny/zbroker/wire"
)

// Worker is the broker's record of one attached worker.
type Worker struct {
	Identity string      // hex of the worker's transport identity
	Service  string      // service the worker registered for
	Family   wire.Family // protocol family the worker speaks
	Envelope [][]byte    // return address

	Interval time.Duration // heartbeat interval
	Retries  uint8         // missed heartbeats tolerated

	lastReceived time.Time
	lastSent     time.Time
	beat         *reactor.Timer
}

// expired reports whether nothing was heard from w for interval × retries.
func (w *Worker) expired(now time.Time) bool {
	return now.Sub(w.lastReceived) > w.Interval*time.Duration(w.Retries)
}

// LastReceived returns the time the last message from w arrived.
func (w *Worker) LastReceived() time.Time { return w.lastReceived }

func (w *Worker) String() string { return w.Identity }
