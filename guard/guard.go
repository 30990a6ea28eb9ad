// Package guard implements the scoped-release discipline of spec.md
// §4.H/§9: scope_exit/scope_fail/scope_success translated into Go
// drop-glue values released via defer, following the design note
// verbatim ("a small RAII-style value holding the closure") and the
// original_source/nonstd/scope headers this was distilled from.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package guard

import "github.com/golang/glog"

// Guard runs fn exactly once on Close, unless Release was called first.
// Use as:
//
//	g := guard.Exit(cleanup)
//	defer g.Close()
//	...
//	g.Release() // commit: cleanup no longer runs
type Guard struct {
	fn       func()
	released bool
}

// Exit returns a guard that calls fn on every exit path (defer) unless released.
func Exit(fn func()) *Guard {
	return &Guard{fn: fn}
}

// Release disarms the guard: Close becomes a no-op.
func (g *Guard) Release() {
	g.released = true
}

// Close invokes fn unless the guard was released. Safe to call via defer.
func (g *Guard) Close() {
	if !g.released && g.fn != nil {
		g.fn()
	}
}

// FailGuard calls fn only when the enclosing function is exiting via
// panic - the Go analogue of scope_fail, recovered and re-panicked so
// the original failure still propagates.
type FailGuard struct {
	fn       func()
	released bool
}

func Fail(fn func()) *FailGuard {
	return &FailGuard{fn: fn}
}

func (g *FailGuard) Release() { g.released = true }

// Close must be deferred directly (not wrapped) so recover() sees the
// panic of its immediate caller.
func (g *FailGuard) Close() {
	if g.released || g.fn == nil {
		return
	}
	if r := recover(); r != nil {
		g.fn()
		panic(r)
	}
}

// SuccessGuard calls fn only on normal (non-panicking) exit.
type SuccessGuard struct {
	fn       func()
	released bool
}

func Success(fn func()) *SuccessGuard {
	return &SuccessGuard{fn: fn}
}

func (g *SuccessGuard) Release() { g.released = true }

func (g *SuccessGuard) Close() {
	if g.released || g.fn == nil {
		return
	}
	if r := recover(); r != nil {
		// a panic is in flight: re-panic without calling fn, preserving
		// the original failure for the caller's own recover (if any).
		panic(r)
	}
	g.fn()
}

// Fatal runs fn and aborts the process if it returns a non-nil error,
// mirroring spec.md §7's destructor-path policy: storage_deleter,
// segment_deleter and buffer::release must not double-throw, so a
// failure there is fatal rather than propagated.
func Fatal(label string, fn func() error) {
	if err := fn(); err != nil {
		glog.Fatalf("%s: fatal cleanup error: %v", label, err)
	}
}
