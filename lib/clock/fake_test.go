// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfter(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("channel fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired before deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(time.Unix(1005, 0)) {
			t.Errorf("unexpected fire time: %v", fired)
		}
	default:
		t.Fatal("channel did not fire at deadline")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := false
	timer := fake.AfterFunc(300*time.Millisecond, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop returned false for pending timer")
	}
	fake.Advance(time.Second)
	if fired {
		t.Error("stopped timer fired anyway")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	var order []int
	fake.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	fake.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	fake.AfterFunc(3*time.Second, func() { order = append(order, 3) })

	fake.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("unexpected firing order: %v", order)
	}
}

func TestFakeCallbackMayRearm(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			fake.AfterFunc(time.Second, schedule)
		}
	}
	fake.AfterFunc(time.Second, schedule)

	fake.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("expected 3 firings, got %d", count)
	}
}

func TestFakeTimerReset(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := 0
	timer := fake.AfterFunc(time.Second, func() { fired++ })

	if !timer.Reset(3 * time.Second) {
		t.Fatal("Reset returned false for pending timer")
	}
	fake.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatal("timer fired at original deadline after Reset")
	}
	fake.Advance(2 * time.Second)
	if fired != 1 {
		t.Errorf("expected 1 firing after reset deadline, got %d", fired)
	}
}

func TestFakeTimerResetAfterFire(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := 0
	timer := fake.AfterFunc(time.Second, func() { fired++ })

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	// Rearming a fired timer matches time.AfterFunc semantics.
	if timer.Reset(time.Second) {
		t.Error("Reset returned true for fired timer")
	}
	fake.Advance(time.Second)
	if fired != 2 {
		t.Errorf("expected rearmed timer to fire again, got %d firings", fired)
	}
}

func TestPendingWaiters(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	if fake.PendingWaiters() != 0 {
		t.Fatal("fresh clock has pending waiters")
	}
	timer := fake.AfterFunc(time.Second, func() {})
	if fake.PendingWaiters() != 1 {
		t.Fatal("expected 1 pending waiter")
	}
	timer.Stop()
	if fake.PendingWaiters() != 0 {
		t.Fatal("stopped waiter still counted")
	}
}
