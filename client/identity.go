// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"encoding/hex"
	"hash/fnv"

	"github.com/google/uuid"
)

const identityMask = 0x7fffffff

// NewClientID returns a random client identity in the 31-bit space brokers
// expect.
func NewClientID() uint32 {
	id := uuid.New()
	return hashIdentity(hex.EncodeToString(id[:]))
}

// hashIdentity folds s into 31 bits with FNV-1a.
func hashIdentity(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32() & identityMask
}
