// Package bufferpool implements the fixed-slot buffer pool of spec.md
// §4.G/§8.7: a set of equal-size slots carved out of one local segment,
// acquired with deadline/interrupt semantics and released back onto a
// free list.
//
// It generalizes memsys.Slab's free-list (get/put stacks guarded by a
// mutex, see memsys/mmsa.go) for the slot bookkeeping, and uses
// cmn.StopCh (cmn/sync.go) as the sticky interrupt flag. Waiting is done
// on a broadcast "generation channel" instead of sync.Cond, which cannot
// be selected against a timer or an interrupt channel.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package bufferpool

import (
	"sync"
	"time"

	"github.com/mcs-systems/mcs/cmn"
)

// InterruptContext is the sticky interruption flag spec.md §4.G
// requires: once set, every subsequent Acquire presented with this
// context fails immediately. It is cmn.StopCh under a friendlier name
// for this package's call sites.
type InterruptContext struct {
	stop *cmn.StopCh
}

func NewInterruptContext() *InterruptContext {
	return &InterruptContext{stop: cmn.NewStopCh()}
}

// Interrupt sets the sticky flag. Idempotent.
func (c *InterruptContext) Interrupt() { c.stop.Close() }

func (c *InterruptContext) isSet() bool { return c.stop.IsSet() }

// BufferedBlock is a handle to one acquired slot. The backing bytes are
// owned exclusively by the holder until Release.
type BufferedBlock struct {
	pool   *Pool
	offset int
}

// Offset returns the slot's position within the pool's backing segment.
func (b *BufferedBlock) Offset() int64 { return int64(b.offset) * int64(b.pool.slotSize) }

// Bytes returns the slot's backing byte span.
func (b *BufferedBlock) Bytes() []byte {
	start := b.offset * int(b.pool.slotSize)
	return b.pool.backing[start : start+int(b.pool.slotSize)]
}

// Release returns the slot to the pool. Safe to call at most once.
func (b *BufferedBlock) Release() {
	b.pool.release(b.offset)
}

// Pool manages a fixed set of equal-sized slots.
type Pool struct {
	slotSize cmn.Size
	backing  []byte

	mu    sync.Mutex
	free  []int // stack of free slot indices
	gen   chan struct{}
	err   error
}

// New allocates a pool of n slots of slotSize bytes each, carved from a
// single contiguous backing segment (spec.md: "a fixed set of equal-size
// slots carved from a local segment").
func New(slotSize cmn.Size, n int) *Pool {
	cmn.Assert(slotSize > 0 && n > 0)
	p := &Pool{
		slotSize: slotSize,
		backing:  make([]byte, int(slotSize)*n),
		free:     make([]int, n),
		gen:      make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.free[i] = i
	}
	return p
}

func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cap(p.free)
}

// Outstanding returns how many slots are currently checked out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cap(p.free) - len(p.free)
}

// broadcast wakes every blocked Acquire by swapping in a fresh
// generation channel and closing the old one. Must be called with mu held.
func (p *Pool) broadcast() {
	close(p.gen)
	p.gen = make(chan struct{})
}

// Acquire blocks until a slot is available, the deadline is reached
// (returns *cmn.TimeoutError), the interruption context is set (returns
// *cmn.InterruptedError, sticky), or the pool has been marked failed via
// Error (returns that error to every waiter, past and future).
func (p *Pool) Acquire(ctx *InterruptContext, deadline time.Time) (*BufferedBlock, error) {
	for {
		p.mu.Lock()
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return nil, err
		}
		if ctx != nil && ctx.isSet() {
			p.mu.Unlock()
			return nil, &cmn.InterruptedError{}
		}
		if len(p.free) > 0 {
			idx := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			p.mu.Unlock()
			return &BufferedBlock{pool: p, offset: idx}, nil
		}
		gen := p.gen
		p.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, &cmn.TimeoutError{}
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		var interruptC <-chan struct{}
		if ctx != nil {
			interruptC = ctx.stop.Listen()
		}

		select {
		case <-gen:
			if timer != nil {
				timer.Stop()
			}
			// loop around: re-check free list / err / interrupt
		case <-timerC:
			return nil, &cmn.TimeoutError{}
		case <-interruptC:
			if timer != nil {
				timer.Stop()
			}
			return nil, &cmn.InterruptedError{}
		}
	}
}

// release returns a slot and wakes all waiters - a single notify could
// wake a waiter that already timed out or was interrupted, leaving the
// slot stranded until the next unrelated wakeup.
func (p *Pool) release(idx int) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.broadcast()
	p.mu.Unlock()
}

// Error marks the pool failed: every blocked and future Acquire returns err.
func (p *Pool) Error(err error) {
	cmn.Assert(err != nil)
	p.mu.Lock()
	p.err = err
	p.broadcast()
	p.mu.Unlock()
}
