// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import "github.com/droidian/chatty-sub001/lib/ref"

// Event is a notification from a session. Events are delivered on the
// session's run loop; observers must not block.
type Event interface {
	Account() ref.AccountID
	event()
}

// StatusChanged reports a connection state transition.
type StatusChanged struct {
	AccountID ref.AccountID
	Old, New  Status
}

// RoomJoined reports a room newly visible in the registry.
type RoomJoined struct {
	AccountID ref.AccountID
	Room      Room
}

// RoomChanged reports an update to a room already in the registry.
type RoomChanged struct {
	AccountID ref.AccountID
	Room      Room
}

// RoomLeft reports a room removed from the registry after the server
// confirmed the leave.
type RoomLeft struct {
	AccountID ref.AccountID
	RoomID    ref.RoomID
}

func (e StatusChanged) Account() ref.AccountID { return e.AccountID }
func (e RoomJoined) Account() ref.AccountID    { return e.AccountID }
func (e RoomChanged) Account() ref.AccountID   { return e.AccountID }
func (e RoomLeft) Account() ref.AccountID      { return e.AccountID }

func (StatusChanged) event() {}
func (RoomJoined) event()    {}
func (RoomChanged) event()   {}
func (RoomLeft) event()      {}

// Observer receives session events. A nil observer is allowed.
type Observer func(Event)
