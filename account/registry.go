// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"log/slog"

	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/messaging"
	"github.com/droidian/chatty-sub001/storage"
)

// Registry tracks the rooms one account can see, in arrival order.
// Rooms are mutated in place as deltas merge, so a *Room handed out by
// the registry stays valid and current until the room is removed.
//
// Registry is not safe for concurrent use; the session owns it and
// touches it only from the run loop.
type Registry struct {
	accountID ref.AccountID
	logger    *slog.Logger

	rooms []*Room
	index map[ref.RoomID]*Room
}

// NewRegistry creates an empty registry for one account.
func NewRegistry(accountID ref.AccountID, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		accountID: accountID,
		logger:    logger,
		index:     make(map[ref.RoomID]*Room),
	}
}

// Seed loads persisted chats into the registry before the first sync.
// Seeding a non-empty registry is a programming error and panics.
func (r *Registry) Seed(chats []storage.ChatRecord) {
	if len(r.rooms) != 0 {
		panic("account: seeding a non-empty registry")
	}
	for _, chat := range chats {
		room := roomFromChat(chat)
		r.rooms = append(r.rooms, room)
		r.index[room.ID] = room
	}
}

// Get returns the tracked room, or nil.
func (r *Registry) Get(roomID ref.RoomID) *Room {
	return r.index[roomID]
}

// Rooms returns the tracked rooms in arrival order. The slice is a
// copy; the rooms are not.
func (r *Registry) Rooms() []*Room {
	return append([]*Room(nil), r.rooms...)
}

// Len returns the number of tracked rooms, hidden ones included.
func (r *Registry) Len() int {
	return len(r.rooms)
}

// Delta is the outcome of merging one sync response: which rooms
// appeared, which changed in place, and which were marked hidden and
// now await persistence before removal.
type Delta struct {
	Joined  []*Room
	Changed []*Room
	Hidden  []*Room
}

// Empty reports whether the delta carries no room changes.
func (d Delta) Empty() bool {
	return len(d.Joined) == 0 && len(d.Changed) == 0 && len(d.Hidden) == 0
}

// Apply merges a sync response. Known joined rooms are updated in
// place, unknown ones are appended, and rooms in the leave section are
// marked hidden but kept until Remove confirms their persistence. A
// leave for a room the registry never tracked is logged and ignored.
func (r *Registry) Apply(response *messaging.SyncResponse) Delta {
	var delta Delta
	for roomID, joined := range response.Rooms.Join {
		room := r.index[roomID]
		if room == nil {
			room = &Room{ID: roomID, AccountID: r.accountID, Membership: MembershipJoined}
			room.applyJoinedDelta(joined)
			r.rooms = append(r.rooms, room)
			r.index[roomID] = room
			delta.Joined = append(delta.Joined, room)
			continue
		}
		changed := room.applyJoinedDelta(joined)
		if room.Membership == MembershipHidden {
			// The server re-confirmed membership after a local leave
			// attempt: the room comes back.
			room.Membership = MembershipJoined
			changed = true
		}
		if changed {
			delta.Changed = append(delta.Changed, room)
		}
	}
	for roomID := range response.Rooms.Leave {
		room := r.index[roomID]
		if room == nil {
			r.logger.Debug("leave delta for untracked room", "room", roomID)
			continue
		}
		if room.Membership == MembershipHidden {
			continue
		}
		room.Membership = MembershipHidden
		delta.Hidden = append(delta.Hidden, room)
	}
	return delta
}

// AddJoined registers a room discovered outside a sync response (the
// bootstrap's joined-room listing). Known rooms are returned as-is.
func (r *Registry) AddJoined(roomID ref.RoomID) (*Room, bool) {
	if room := r.index[roomID]; room != nil {
		return room, false
	}
	room := &Room{ID: roomID, AccountID: r.accountID, Membership: MembershipJoined}
	r.rooms = append(r.rooms, room)
	r.index[roomID] = room
	return room, true
}

// Remove drops a hidden room once its departure is persisted. Returns
// the removed room, or nil if the room is unknown.
func (r *Registry) Remove(roomID ref.RoomID) *Room {
	room := r.index[roomID]
	if room == nil {
		return nil
	}
	delete(r.index, roomID)
	for i, tracked := range r.rooms {
		if tracked == room {
			r.rooms = append(r.rooms[:i], r.rooms[i+1:]...)
			break
		}
	}
	return room
}
