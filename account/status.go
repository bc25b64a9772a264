// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import "fmt"

// Status is the connection state of one account.
type Status int

const (
	// StatusDisabled means the account is off: no transport, no
	// traffic, no retry timers.
	StatusDisabled Status = iota
	// StatusConnecting means the bootstrap sequence is running.
	StatusConnecting
	// StatusConnected means authentication is established and the
	// sync loop is active.
	StatusConnected
	// StatusDisconnected means a transient failure interrupted the
	// connection; a backoff retry is scheduled.
	StatusDisconnected
)

var statusNames = []string{"disabled", "connecting", "connected", "disconnected"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}
