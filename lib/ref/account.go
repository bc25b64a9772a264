// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AccountID is a locally generated identifier for one account record.
//
// It is assigned once when an account is first added and never changes,
// even if the account's user ID or homeserver is later corrected. The
// credential store and the local database are both keyed by it, and
// rooms carry it as their owning-account handle instead of a direct
// pointer to the account.
//
// The format is 32 lowercase hex characters (16 random bytes).
// AccountID is an immutable value type usable as a map key. The zero
// value is not valid; use IsZero to check.
type AccountID struct {
	id string
}

const accountIDLength = 32

// NewAccountID generates a fresh random account ID.
func NewAccountID() (AccountID, error) {
	raw := make([]byte, accountIDLength/2)
	if _, err := rand.Read(raw); err != nil {
		return AccountID{}, fmt.Errorf("generating account ID: %w", err)
	}
	return AccountID{id: hex.EncodeToString(raw)}, nil
}

// ParseAccountID validates and wraps a raw account ID string as read
// back from the credential store or database.
func ParseAccountID(raw string) (AccountID, error) {
	if len(raw) != accountIDLength {
		return AccountID{}, fmt.Errorf("account ID %q: expected %d hex characters", raw, accountIDLength)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return AccountID{}, fmt.Errorf("account ID %q: %w", raw, err)
	}
	return AccountID{id: raw}, nil
}

// MustParseAccountID is like ParseAccountID but panics on error. Use in
// tests where the input is known-valid.
func MustParseAccountID(raw string) AccountID {
	a, err := ParseAccountID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseAccountID(%q): %v", raw, err))
	}
	return a
}

// String returns the account ID string.
func (a AccountID) String() string { return a.id }

// IsZero reports whether the AccountID is the zero value.
func (a AccountID) IsZero() bool { return a.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (a AccountID) MarshalText() ([]byte, error) {
	if a.id == "" {
		return []byte{}, nil
	}
	return []byte(a.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, validating the
// account ID format. An empty input produces the zero value.
func (a *AccountID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = AccountID{}
		return nil
	}
	parsed, err := ParseAccountID(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
