// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func testToken(t *testing.T) *secret.Buffer {
	t.Helper()
	token, err := secret.NewFromString("syt_test_token")
	if err != nil {
		t.Fatalf("creating token buffer: %v", err)
	}
	t.Cleanup(func() { token.Close() })
	return token
}

func TestLogin(t *testing.T) {
	var gotRequest LoginRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login request carried an Authorization header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding login request: %v", err)
		}
		json.NewEncoder(w).Encode(AuthResponse{
			UserID:      ref.MustParseUserID("@alice:example.org"),
			AccessToken: "syt_abc",
			DeviceID:    ref.MustParseDeviceID("DEVICE1"),
		})
	}))

	password, err := secret.NewFromString("hunter2")
	if err != nil {
		t.Fatalf("creating password buffer: %v", err)
	}
	defer password.Close()

	response, err := client.Login(context.Background(), "alice", password, ref.MustParseDeviceID("DEVICE1"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if response.AccessToken != "syt_abc" {
		t.Errorf("access token = %q, want %q", response.AccessToken, "syt_abc")
	}
	if gotRequest.Type != "m.login.password" {
		t.Errorf("login type = %q, want m.login.password", gotRequest.Type)
	}
	if gotRequest.Identifier.User != "alice" {
		t.Errorf("login user = %q, want alice", gotRequest.Identifier.User)
	}
	if gotRequest.Password != "hunter2" {
		t.Errorf("login password = %q, want hunter2", gotRequest.Password)
	}
	if gotRequest.DeviceID != "DEVICE1" {
		t.Errorf("login device = %q, want DEVICE1", gotRequest.DeviceID)
	}
}

func TestLoginForbidden(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Invalid password",
		})
	}))

	password, err := secret.NewFromString("wrong")
	if err != nil {
		t.Fatalf("creating password buffer: %v", err)
	}
	defer password.Close()

	_, err = client.Login(context.Background(), "alice", password, ref.DeviceID{})
	if !IsMatrixError(err, CodeForbidden) {
		t.Fatalf("Login error = %v, want M_FORBIDDEN", err)
	}
	if Classify(err) != FailureProtocol {
		t.Errorf("Classify = %v, want protocol", Classify(err))
	}
}

func TestSync(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer syt_test_token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("since"); got != "batch-41" {
			t.Errorf("since = %q, want batch-41", got)
		}
		if got := r.URL.Query().Get("timeout"); got != "30000" {
			t.Errorf("timeout = %q, want 30000", got)
		}
		w.Write([]byte(`{
			"next_batch": "batch-42",
			"rooms": {
				"join": {
					"!room:example.org": {
						"state": {"events": [
							{"type": "m.room.name", "state_key": "", "content": {"name": "Ops"}}
						]},
						"timeline": {"events": [], "limited": false}
					}
				},
				"leave": {"!gone:example.org": {}}
			},
			"to_device": {"events": [
				{"type": "m.room.encrypted", "sender": "@bob:example.org", "content": {"algorithm": "m.olm.v1"}}
			]}
		}`))
	}))

	response, err := client.Sync(context.Background(), testToken(t), SyncOptions{
		Since:   "batch-41",
		Timeout: 30000,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if response.NextBatch != "batch-42" {
		t.Errorf("next_batch = %q, want batch-42", response.NextBatch)
	}
	joined, ok := response.Rooms.Join[ref.MustParseRoomID("!room:example.org")]
	if !ok {
		t.Fatal("joined room missing from response")
	}
	if len(joined.State.Events) != 1 || joined.State.Events[0].Type != "m.room.name" {
		t.Errorf("unexpected state events: %+v", joined.State.Events)
	}
	if _, ok := response.Rooms.Leave[ref.MustParseRoomID("!gone:example.org")]; !ok {
		t.Error("left room missing from response")
	}
	if len(response.ToDevice.Events) != 1 || response.ToDevice.Events[0].Type != "m.room.encrypted" {
		t.Errorf("unexpected to-device events: %+v", response.ToDevice.Events)
	}
}

func TestSyncMissingNextBatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rooms": {}}`))
	}))
	if _, err := client.Sync(context.Background(), testToken(t), SyncOptions{}); err == nil {
		t.Fatal("Sync succeeded on a response with no next_batch")
	}
}

func TestJoinedRooms(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/joined_rooms" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"joined_rooms": ["!a:example.org", "!b:example.org"]}`))
	}))
	rooms, err := client.JoinedRooms(context.Background(), testToken(t))
	if err != nil {
		t.Fatalf("JoinedRooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].String() != "!a:example.org" {
		t.Errorf("unexpected rooms: %v", rooms)
	}
}

func TestUploadKeys(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/keys/upload" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"one_time_key_counts": {"signed_curve25519": 50}}`))
	}))
	response, err := client.UploadKeys(context.Background(), testToken(t), KeysUploadRequest{
		DeviceKeys: json.RawMessage(`{"user_id": "@alice:example.org"}`),
	})
	if err != nil {
		t.Fatalf("UploadKeys: %v", err)
	}
	if response.OneTimeKeyCounts["signed_curve25519"] != 50 {
		t.Errorf("unexpected key counts: %v", response.OneTimeKeyCounts)
	}
}

func TestLeaveRoom(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{}`))
	}))
	err := client.LeaveRoom(context.Background(), testToken(t), ref.MustParseRoomID("!room:example.org"))
	if err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	want := "/_matrix/client/v3/rooms/" + "%21room:example.org" + "/leave"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}

func TestWhoAmI(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"user_id": "@alice:example.org", "device_id": "DEVICE1"}`))
	}))
	response, err := client.WhoAmI(context.Background(), testToken(t))
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if response.UserID.String() != "@alice:example.org" {
		t.Errorf("user = %q", response.UserID)
	}
}

func TestDoRequestCancellation(t *testing.T) {
	started := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := client.Sync(ctx, testToken(t), SyncOptions{Timeout: 30000})
	if Classify(err) != FailureCancelled {
		t.Fatalf("Classify(%v) = %v, want cancelled", err, Classify(err))
	}
}

func TestDoRequestNonJSONError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream down</html>"))
	}))
	_, err := client.JoinedRooms(context.Background(), testToken(t))
	if err == nil {
		t.Fatal("JoinedRooms succeeded on a 502")
	}
	if Classify(err) != FailureTransient {
		t.Errorf("Classify = %v, want transient", Classify(err))
	}
}
