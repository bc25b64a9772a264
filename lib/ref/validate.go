// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseMatrixID splits a sigil-prefixed Matrix identifier
// ("@local:server" or "!local:server") into its localpart and server
// name. The sigil must already have been checked by the caller.
func parseMatrixID(raw string) (localpart, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty identifier")
	}

	body := raw[1:]
	colonIndex := strings.IndexByte(body, ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("identifier %q missing ':server' suffix", raw)
	}
	localpart = body[:colonIndex]
	server = body[colonIndex+1:]

	if localpart == "" {
		return "", "", fmt.Errorf("identifier %q has empty localpart", raw)
	}
	if err := validateServer(server); err != nil {
		return "", "", fmt.Errorf("identifier %q: %w", raw, err)
	}
	return localpart, server, nil
}

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no whitespace or control characters, no Matrix sigils.
// Port suffixes ("matrix.example.com:8448") are allowed.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// validateOpaqueToken checks a server-assigned opaque identifier
// (device ID, one-time key ID): non-empty, printable ASCII, no
// whitespace.
func validateOpaqueToken(token, label string) error {
	if token == "" {
		return fmt.Errorf("%s is empty", label)
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c <= ' ' || c > '~' {
			return fmt.Errorf("%s %q: invalid character at position %d", label, token, i)
		}
	}
	return nil
}
