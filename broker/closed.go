// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"math"

	"github.com/google/btree"

	"github.com/destiny/zbroker/wire"
)

const closedDegree = 32

// ClosedIndex is the ordered set of sequence ids whose requests have been
// closed. Ids sort by client first, so one client's ids are contiguous.
type ClosedIndex struct {
	tree *btree.BTreeG[wire.SequenceID]
}

// NewClosedIndex returns an empty index.
func NewClosedIndex() *ClosedIndex {
	return &ClosedIndex{
		tree: btree.NewG(closedDegree, func(a, b wire.SequenceID) bool { return a.Less(b) }),
	}
}

// Add inserts id and reports whether it was absent.
func (c *ClosedIndex) Add(id wire.SequenceID) bool {
	_, found := c.tree.ReplaceOrInsert(id)
	return !found
}

func (c *ClosedIndex) Has(id wire.SequenceID) bool { return c.tree.Has(id) }

func (c *ClosedIndex) Len() int { return c.tree.Len() }

// PurgeClient removes every id of client and returns how many were removed.
func (c *ClosedIndex) PurgeClient(client uint32) int {
	var ids []wire.SequenceID
	collect := func(id wire.SequenceID) bool {
		ids = append(ids, id)
		return true
	}
	from := wire.SequenceID{Client: client}
	if client == math.MaxUint32 {
		c.tree.AscendGreaterOrEqual(from, collect)
	} else {
		c.tree.AscendRange(from, wire.SequenceID{Client: client + 1}, collect)
	}
	for _, id := range ids {
		c.tree.Delete(id)
	}
	return len(ids)
}
