// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/messaging"
	"github.com/droidian/chatty-sub001/storage"
)

// Membership is the local view of the account's standing in a room.
type Membership int

const (
	// MembershipJoined means the account is in the room.
	MembershipJoined Membership = iota
	// MembershipHidden means a leave delta arrived and the room is
	// awaiting persistence before removal; consumers should not show
	// it.
	MembershipHidden
)

func (m Membership) String() string {
	if m == MembershipHidden {
		return "hidden"
	}
	return "joined"
}

// parseMembership maps the stored string back. Unknown strings load as
// joined so a forward-compatible database never hides rooms by
// accident.
func parseMembership(raw string) Membership {
	if raw == "hidden" {
		return MembershipHidden
	}
	return MembershipJoined
}

// Room is one room as tracked by the registry. Instances are mutated
// in place as deltas arrive so that a Room's identity is stable for
// the life of its membership.
type Room struct {
	ID         ref.RoomID
	AccountID  ref.AccountID
	Membership Membership

	Name        string
	Topic       string
	AvatarURL   string
	MemberCount int
	UnreadCount int
	LastEventTS int64
}

// Snapshot converts the room to its persisted form.
func (r *Room) Snapshot() storage.RoomSnapshot {
	return storage.RoomSnapshot{
		Name:        r.Name,
		Topic:       r.Topic,
		AvatarURL:   r.AvatarURL,
		MemberCount: r.MemberCount,
		UnreadCount: r.UnreadCount,
		LastEventTS: r.LastEventTS,
	}
}

// chatRecord converts the room to a storage row.
func (r *Room) chatRecord() storage.ChatRecord {
	return storage.ChatRecord{
		RoomID:     r.ID,
		AccountID:  r.AccountID,
		Membership: r.Membership.String(),
		Snapshot:   r.Snapshot(),
	}
}

// roomFromChat rebuilds a room from its storage row.
func roomFromChat(chat storage.ChatRecord) *Room {
	return &Room{
		ID:          chat.RoomID,
		AccountID:   chat.AccountID,
		Membership:  parseMembership(chat.Membership),
		Name:        chat.Snapshot.Name,
		Topic:       chat.Snapshot.Topic,
		AvatarURL:   chat.Snapshot.AvatarURL,
		MemberCount: chat.Snapshot.MemberCount,
		UnreadCount: chat.Snapshot.UnreadCount,
		LastEventTS: chat.Snapshot.LastEventTS,
	}
}

// applyJoinedDelta merges one sync delta into the room and reports
// whether anything changed. State events may arrive in either the
// state section or the timeline; both are honored, timeline last.
func (r *Room) applyJoinedDelta(delta messaging.JoinedRoom) bool {
	changed := false
	for _, event := range delta.State.Events {
		changed = r.applyStateEvent(event) || changed
	}
	for _, event := range delta.Timeline.Events {
		if event.StateKey != nil {
			changed = r.applyStateEvent(event) || changed
		}
		if event.OriginServerTS > r.LastEventTS {
			r.LastEventTS = event.OriginServerTS
			changed = true
		}
	}
	if count := delta.Summary.JoinedMemberCount; count > 0 && count != r.MemberCount {
		r.MemberCount = count
		changed = true
	}
	if unread := delta.UnreadNotifications.NotificationCount; unread != r.UnreadCount {
		r.UnreadCount = unread
		changed = true
	}
	return changed
}

func (r *Room) applyStateEvent(event messaging.Event) bool {
	switch event.Type {
	case "m.room.name":
		if name, ok := event.Content["name"].(string); ok && name != r.Name {
			r.Name = name
			return true
		}
	case "m.room.topic":
		if topic, ok := event.Content["topic"].(string); ok && topic != r.Topic {
			r.Topic = topic
			return true
		}
	case "m.room.avatar":
		if url, ok := event.Content["url"].(string); ok && url != r.AvatarURL {
			r.AvatarURL = url
			return true
		}
	}
	return false
}
