// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !zbdebug

package reactor

// AssertOnLoop panics when called off the loop goroutine. The check is only
// compiled in with the zbdebug build tag.
func (l *Loop) AssertOnLoop() {}
