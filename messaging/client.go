// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/droidian/chatty-sub001/lib/netutil"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
)

const clientAPIPrefix = "/_matrix/client/v3"

// ClientConfig configures a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver, without a
	// trailing slash ("https://matrix.example.org").
	HomeserverURL string
	// HTTPClient is the underlying HTTP client. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives request-level debug logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client issues Matrix client-server API requests against one
// homeserver. It holds no account state: the access token is passed
// per call so the account session controls its lifetime.
type Client struct {
	homeserverURL string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a client for the given homeserver.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: homeserver URL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		homeserverURL: strings.TrimSuffix(config.HomeserverURL, "/"),
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// HomeserverURL returns the base URL the client was created with.
func (c *Client) HomeserverURL() string {
	return c.homeserverURL
}

// CloseIdleConnections drops any keep-alive connections to the
// homeserver. Called when an account is disabled so a dormant client
// holds no sockets.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Login authenticates with a password and returns the access token and
// device identity. The password travels only in this request body.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer, deviceID ref.DeviceID) (*AuthResponse, error) {
	request := LoginRequest{
		Type: "m.login.password",
		Identifier: LoginIdentifier{
			Type: "m.id.user",
			User: username,
		},
		Password:           password.String(),
		DeviceID:           deviceID.String(),
		InitialDisplayName: "chatty",
	}
	body, err := c.doRequest(ctx, http.MethodPost, c.homeserverURL+clientAPIPrefix+"/login", nil, request)
	if err != nil {
		return nil, err
	}
	var response AuthResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing login response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("login response carried no access token")
	}
	return &response, nil
}

// WhoAmI validates an access token and returns the user it belongs to.
func (c *Client) WhoAmI(ctx context.Context, token *secret.Buffer) (*WhoAmIResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.homeserverURL+clientAPIPrefix+"/account/whoami", token, nil)
	if err != nil {
		return nil, err
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing whoami response: %w", err)
	}
	return &response, nil
}

// UploadKeys publishes device identity keys and one-time keys.
func (c *Client) UploadKeys(ctx context.Context, token *secret.Buffer, request KeysUploadRequest) (*KeysUploadResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, c.homeserverURL+clientAPIPrefix+"/keys/upload", token, request)
	if err != nil {
		return nil, err
	}
	var response KeysUploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing keys upload response: %w", err)
	}
	return &response, nil
}

// JoinedRooms lists the rooms the account is currently joined to.
func (c *Client) JoinedRooms(ctx context.Context, token *secret.Buffer) ([]ref.RoomID, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.homeserverURL+clientAPIPrefix+"/joined_rooms", token, nil)
	if err != nil {
		return nil, err
	}
	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// Sync fetches the delta since the given batch token, long-polling for
// up to options.Timeout milliseconds when the server has nothing new.
func (c *Client) Sync(ctx context.Context, token *secret.Buffer, options SyncOptions) (*SyncResponse, error) {
	requestURL := c.homeserverURL + clientAPIPrefix + "/sync?timeout=" + strconv.FormatInt(options.Timeout, 10)
	if options.Since != "" {
		requestURL += "&since=" + url.QueryEscape(options.Since)
	}
	if options.Filter != "" {
		requestURL += "&filter=" + url.QueryEscape(options.Filter)
	}
	body, err := c.doRequest(ctx, http.MethodGet, requestURL, token, nil)
	if err != nil {
		return nil, err
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing sync response: %w", err)
	}
	if response.NextBatch == "" {
		return nil, fmt.Errorf("sync response carried no next_batch token")
	}
	return &response, nil
}

// LeaveRoom leaves the given room. The room disappears from the
// engine's registry only when a subsequent sync confirms the leave.
func (c *Client) LeaveRoom(ctx context.Context, token *secret.Buffer, roomID ref.RoomID) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		c.homeserverURL+clientAPIPrefix+"/rooms/"+url.PathEscape(roomID.String())+"/leave",
		token, struct{}{})
	return err
}

// doRequest performs one API request and returns the raw response
// body. A non-2xx response whose body parses as a Matrix error object
// becomes a *MatrixError; other failures are returned as plain errors
// and classify as transient.
func (c *Client) doRequest(ctx context.Context, method, requestURL string, token *secret.Buffer, requestBody any) ([]byte, error) {
	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != nil {
		request.Header.Set("Authorization", "Bearer "+token.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, requestURL, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, requestURL, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		matrixErr := &MatrixError{StatusCode: response.StatusCode}
		if err := json.Unmarshal(body, matrixErr); err != nil || matrixErr.Code == "" {
			return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, requestURL, response.StatusCode, truncateBody(body))
		}
		c.logger.Debug("matrix API error",
			"method", method,
			"status", response.StatusCode,
			"errcode", matrixErr.Code)
		return nil, matrixErr
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
