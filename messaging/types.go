// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/droidian/chatty-sub001/lib/ref"
)

// WellKnownResponse is the body of /.well-known/matrix/client.
type WellKnownResponse struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// VersionsResponse is the body of /_matrix/client/versions.
type VersionsResponse struct {
	Versions []string `json:"versions"`
}

// LoginRequest is the body of POST /_matrix/client/v3/login for
// password authentication. DeviceID is set on re-login so the server
// reuses the existing device instead of minting a new one.
type LoginRequest struct {
	Type       string          `json:"type"`
	Identifier LoginIdentifier `json:"identifier"`
	Password   string          `json:"password"`
	DeviceID   string          `json:"device_id,omitempty"`
	// InitialDisplayName labels the device in the account's session
	// list on first login.
	InitialDisplayName string `json:"initial_device_display_name,omitempty"`
}

// LoginIdentifier names the user being authenticated.
type LoginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// AuthResponse is the body of a successful login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// WhoAmIResponse is the body of GET /_matrix/client/v3/account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitempty"`
}

// KeysUploadRequest carries device identity keys and one-time keys to
// POST /_matrix/client/v3/keys/upload. Either section may be omitted.
type KeysUploadRequest struct {
	DeviceKeys  json.RawMessage            `json:"device_keys,omitempty"`
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys,omitempty"`
}

// KeysUploadResponse reports how many one-time keys the server now
// holds, by algorithm.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// JoinedRoomsResponse is the body of GET /_matrix/client/v3/joined_rooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// SyncOptions selects the window for one /sync request.
type SyncOptions struct {
	// Since is the next_batch token from the previous response. Empty
	// means an initial sync.
	Since string
	// Timeout is the long-poll hold time in milliseconds. Zero asks
	// the server to answer immediately; the engine uses zero for the
	// first sync of a connection and the configured hold time after.
	Timeout int64
	// Filter is an inline filter document or server-side filter ID.
	Filter string
}

// SyncResponse is the body of GET /_matrix/client/v3/sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
	ToDevice  struct {
		Events []ToDeviceEvent `json:"events"`
	} `json:"to_device"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
}

// RoomsSection groups per-room deltas by the local user's membership.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom `json:"join"`
	Invite map[ref.RoomID]struct{}   `json:"invite"`
	Leave  map[ref.RoomID]LeftRoom   `json:"leave"`
}

// JoinedRoom is the delta for one room the user is joined to.
type JoinedRoom struct {
	State struct {
		Events []Event `json:"events"`
	} `json:"state"`
	Timeline Timeline `json:"timeline"`
	Summary  struct {
		JoinedMemberCount int `json:"m.joined_member_count"`
	} `json:"summary"`
	UnreadNotifications struct {
		NotificationCount int `json:"notification_count"`
		HighlightCount    int `json:"highlight_count"`
	} `json:"unread_notifications"`
}

// LeftRoom is the delta for a room the user has left or been removed
// from.
type LeftRoom struct {
	Timeline Timeline `json:"timeline"`
}

// Timeline is a window of recent events plus the token to paginate
// further back.
type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
}

// Event is a room event as delivered by /sync. StateKey is non-nil for
// state events only.
type Event struct {
	Type           string         `json:"type"`
	EventID        string         `json:"event_id"`
	Sender         ref.UserID     `json:"sender"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
}

// ToDeviceEvent is a direct device-to-device message, primarily
// encryption traffic.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}
