// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; pending timers fire in deadline order
// as the clock sweeps past them.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, so a test that advances past a debounce
// deadline observes the debounced action before Advance returns. Do not
// call Advance from inside a callback — that deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time

	// Exactly one of channel and callback is set: channel for After
	// waiters, callback for AfterFunc waiters.
	channel  chan time.Time
	callback func()

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc schedules f for when the clock advances past the deadline.
// If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.fired || waiter.stopped {
				return false
			}
			waiter.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !waiter.fired && !waiter.stopped
			waiter.deadline = c.current.Add(d)
			waiter.stopped = false
			waiter.fired = false
			// A fired waiter was compacted away; re-track it.
			if !c.tracks(waiter) {
				c.waiters = append(c.waiters, waiter)
			}
			return wasPending
		},
	}
}

// Advance moves the clock forward by d, firing every pending waiter
// whose deadline falls within the swept interval, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		next.fired = true
		if c.current.Before(next.deadline) {
			c.current = next.deadline
		}
		if next.channel != nil {
			next.channel <- c.current
			continue
		}
		// Callbacks run without the lock so they can schedule new
		// timers (a debounce callback may re-arm itself).
		callback := next.callback
		c.mu.Unlock()
		callback()
		c.mu.Lock()
	}

	c.current = target
	c.compact()
	c.mu.Unlock()
}

// PendingWaiters returns the number of unfired, unstopped waiters.
// Tests use this to assert that a debounce timer was armed (or torn
// down) without advancing time.
func (c *FakeClock) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.fired && !waiter.stopped {
			count++
		}
	}
	return count
}

// nextDue returns the earliest live waiter due at or before target,
// or nil when none remain. Caller holds the lock.
func (c *FakeClock) nextDue(target time.Time) *fakeWaiter {
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	for _, waiter := range c.waiters {
		if waiter.fired || waiter.stopped {
			continue
		}
		if !waiter.deadline.After(target) {
			return waiter
		}
	}
	return nil
}

// tracks reports whether the waiter is still in the list. Caller holds
// the lock.
func (c *FakeClock) tracks(waiter *fakeWaiter) bool {
	for _, candidate := range c.waiters {
		if candidate == waiter {
			return true
		}
	}
	return false
}

// compact drops fired and stopped waiters. Caller holds the lock.
func (c *FakeClock) compact() {
	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.fired && !waiter.stopped {
			live = append(live, waiter)
		}
	}
	c.waiters = live
}
