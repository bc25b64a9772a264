// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/droidian/chatty-sub001/lib/ref"
)

// wellKnownTransport rewrites https://<server>/... requests to the test
// server so discovery can be exercised without DNS.
type wellKnownTransport struct {
	target string
}

func (t *wellKnownTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rewritten := r.Clone(r.Context())
	rewritten.URL.Scheme = "http"
	rewritten.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(rewritten)
}

func newTestResolver(t *testing.T, handler http.Handler) (*Resolver, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	resolver, err := NewResolver(ResolverConfig{
		DefaultBaseURL: "https://fallback.example.org",
		HTTPClient: &http.Client{
			Transport: &wellKnownTransport{target: server.Listener.Addr().String()},
		},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return resolver, server
}

func TestResolveWellKnown(t *testing.T) {
	resolver, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/matrix/client" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Host != "example.org" {
			t.Errorf("request host = %q, want example.org", r.Host)
		}
		w.Write([]byte(`{"m.homeserver": {"base_url": "https://matrix.example.org/"}}`))
	}))

	baseURL, err := resolver.Resolve(context.Background(), ref.MustParseUserID("@alice:example.org"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if baseURL != "https://matrix.example.org" {
		t.Errorf("base URL = %q, want https://matrix.example.org", baseURL)
	}
}

func TestResolveFallback(t *testing.T) {
	resolver, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	baseURL, err := resolver.Resolve(context.Background(), ref.MustParseUserID("@alice:example.org"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if baseURL != "https://fallback.example.org" {
		t.Errorf("base URL = %q, want the configured default", baseURL)
	}
}

func TestResolveServerErrorIsTransient(t *testing.T) {
	resolver, _ := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := resolver.Resolve(context.Background(), ref.MustParseUserID("@alice:example.org"))
	if err == nil {
		t.Fatal("Resolve succeeded on a 500")
	}
	if Classify(err) != FailureTransient {
		t.Errorf("Classify = %v, want transient", Classify(err))
	}
}

func TestVerifyCaches(t *testing.T) {
	var hits atomic.Int32
	resolver, server := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/versions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		hits.Add(1)
		w.Write([]byte(`{"versions": ["r0.6.1", "v1.1", "v1.14"]}`))
	}))

	for i := 0; i < 3; i++ {
		if err := resolver.Verify(context.Background(), server.URL); err != nil {
			t.Fatalf("Verify (round %d): %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("versions endpoint hit %d times, want 1", got)
	}
}

func TestVerifyIncompatible(t *testing.T) {
	resolver, server := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"versions": ["r0.0.1", "v99.0"]}`))
	}))
	err := resolver.Verify(context.Background(), server.URL)
	if !errors.Is(err, ErrIncompatibleServer) {
		t.Fatalf("Verify error = %v, want ErrIncompatibleServer", err)
	}
	// Failure must not poison the cache with a false positive.
	err = resolver.Verify(context.Background(), server.URL)
	if !errors.Is(err, ErrIncompatibleServer) {
		t.Fatalf("second Verify error = %v, want ErrIncompatibleServer", err)
	}
}

func TestVerifyUnreachable(t *testing.T) {
	resolver, err := NewResolver(ResolverConfig{DefaultBaseURL: "https://fallback.example.org"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	verifyErr := resolver.Verify(context.Background(), fmt.Sprintf("http://127.0.0.1:%d", 1))
	if verifyErr == nil {
		t.Fatal("Verify succeeded against a closed port")
	}
	if Classify(verifyErr) != FailureTransient {
		t.Errorf("Classify = %v, want transient", Classify(verifyErr))
	}
}
