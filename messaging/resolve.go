// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/droidian/chatty-sub001/lib/netutil"
	"github.com/droidian/chatty-sub001/lib/ref"
)

// ErrIncompatibleServer reports a homeserver that answered the
// versions endpoint but advertises no protocol version this engine can
// speak. Retrying will not help, so it is not a transient failure.
var ErrIncompatibleServer = errors.New("homeserver advertises no compatible protocol version")

// compatibleVersionPrefixes are the protocol version prefixes this
// engine knows how to speak. A homeserver advertising at least one
// version with a matching prefix passes verification.
var compatibleVersionPrefixes = []string{"v1.", "r0.5", "r0.6"}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// DefaultBaseURL is used when a user's domain publishes no
	// well-known discovery document.
	DefaultBaseURL string
	// HTTPClient is the underlying HTTP client. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives discovery debug logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Resolver discovers which homeserver base URL serves a given user ID
// and verifies that a candidate URL speaks a compatible protocol
// version. Verification results are cached for the process lifetime;
// discovery is not, since a domain can repoint its well-known document.
type Resolver struct {
	defaultBaseURL string
	httpClient     *http.Client
	logger         *slog.Logger

	mu       sync.Mutex
	verified map[string]bool
}

// NewResolver creates a resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.DefaultBaseURL == "" {
		return nil, fmt.Errorf("messaging: default base URL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		defaultBaseURL: strings.TrimSuffix(config.DefaultBaseURL, "/"),
		httpClient:     httpClient,
		logger:         logger,
		verified:       make(map[string]bool),
	}, nil
}

// Resolve finds the homeserver base URL for a user. It fetches the
// well-known discovery document from the user's domain; a 404 falls
// back to the configured default. Any other failure is returned as-is
// and classifies as transient.
func (r *Resolver) Resolve(ctx context.Context, userID ref.UserID) (string, error) {
	requestURL := "https://" + userID.Server().String() + "/.well-known/matrix/client"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", fmt.Errorf("building well-known request: %w", err)
	}
	response, err := r.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", requestURL, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		r.logger.Debug("no well-known document, using default homeserver",
			"server", userID.Server(),
			"base_url", r.defaultBaseURL)
		return r.defaultBaseURL, nil
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: HTTP %d", requestURL, response.StatusCode)
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return "", fmt.Errorf("reading well-known document: %w", err)
	}
	var wellKnown WellKnownResponse
	if err := json.Unmarshal(body, &wellKnown); err != nil {
		return "", fmt.Errorf("parsing well-known document: %w", err)
	}
	baseURL := strings.TrimSuffix(wellKnown.Homeserver.BaseURL, "/")
	if baseURL == "" {
		return "", fmt.Errorf("well-known document at %s carries no base URL", requestURL)
	}
	r.logger.Debug("resolved homeserver",
		"server", userID.Server(),
		"base_url", baseURL)
	return baseURL, nil
}

// Verify checks that the homeserver at baseURL advertises a compatible
// protocol version. A passing result is cached; later calls for the
// same URL return immediately without a network round trip.
func (r *Resolver) Verify(ctx context.Context, baseURL string) error {
	baseURL = strings.TrimSuffix(baseURL, "/")

	r.mu.Lock()
	ok := r.verified[baseURL]
	r.mu.Unlock()
	if ok {
		return nil
	}

	requestURL := baseURL + "/_matrix/client/versions"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("building versions request: %w", err)
	}
	response, err := r.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", requestURL, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: HTTP %d", requestURL, response.StatusCode)
	}
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("reading versions response: %w", err)
	}
	var versions VersionsResponse
	if err := json.Unmarshal(body, &versions); err != nil {
		return fmt.Errorf("parsing versions response: %w", err)
	}

	for _, version := range versions.Versions {
		for _, prefix := range compatibleVersionPrefixes {
			if strings.HasPrefix(version, prefix) {
				r.mu.Lock()
				r.verified[baseURL] = true
				r.mu.Unlock()
				return nil
			}
		}
	}
	return fmt.Errorf("verifying %s (got %v): %w", baseURL, versions.Versions, ErrIncompatibleServer)
}
