// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build zbdebug

package reactor

import "fmt"

// AssertOnLoop panics when called while the loop is not executing a
// callback, which catches state touched from a foreign goroutine. A nil
// loop asserts nothing.
func (l *Loop) AssertOnLoop() {
	if l != nil && !l.onLoop.Load() {
		panic(fmt.Sprintf("reactor: loop %q state accessed off its goroutine", l.name))
	}
}
