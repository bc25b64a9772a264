// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
)

// MatrixError is a structured error response from a homeserver. Any
// non-2xx response whose body parses as a Matrix error object is
// returned as one of these; the caller can switch on Code or on the
// derived Kind.
type MatrixError struct {
	// Code is the server-assigned error code ("M_FORBIDDEN",
	// "M_UNKNOWN_TOKEN", ...).
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status the error arrived with. Not part
	// of the wire body.
	StatusCode int `json:"-"`
	// RetryAfterMS is how long the server asked us to back off, for
	// M_LIMIT_EXCEEDED responses. Zero when absent.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix error %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Kind maps the error code into the local taxonomy.
func (e *MatrixError) Kind() ErrorKind {
	return KindOf(e.Code)
}

// IsMatrixError reports whether err wraps a *MatrixError with the given
// code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// Matrix error codes the engine reacts to by name.
const (
	CodeForbidden       = "M_FORBIDDEN"
	CodeUnknownToken    = "M_UNKNOWN_TOKEN"
	CodeBadJSON         = "M_BAD_JSON"
	CodeNotJSON         = "M_NOT_JSON"
	CodeNotFound        = "M_NOT_FOUND"
	CodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	CodeUserInUse       = "M_USER_IN_USE"
	CodeThreePIDInUse   = "M_THREEPID_IN_USE"
	CodeUnknown         = "M_UNKNOWN"
	CodeMissingToken    = "M_MISSING_TOKEN"
	CodeUserDeactivated = "M_USER_DEACTIVATED"
)

// ErrorKind is the local classification of a Matrix error code. The
// zero value means the code was not in the vocabulary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindForbidden
	KindUnknownToken
	KindBadJSON
	KindNotJSON
	KindNotFound
	KindLimitExceeded
	KindUserInUse
	KindThreePIDInUse
	KindMissingToken
	KindUserDeactivated
)

// errcodeVocabulary lists the recognized error codes in the same order
// as the ErrorKind constants above: the kind for position i is
// ErrorKind(i+1). Codes outside the table map to KindUnknown.
var errcodeVocabulary = []string{
	CodeForbidden,
	CodeUnknownToken,
	CodeBadJSON,
	CodeNotJSON,
	CodeNotFound,
	CodeLimitExceeded,
	CodeUserInUse,
	CodeThreePIDInUse,
	CodeMissingToken,
	CodeUserDeactivated,
}

// KindOf maps a Matrix error code string to its ErrorKind. Unrecognized
// codes, including an empty string, map to KindUnknown.
func KindOf(code string) ErrorKind {
	for i, known := range errcodeVocabulary {
		if code == known {
			return ErrorKind(i + 1)
		}
	}
	return KindUnknown
}

var errorKindNames = []string{
	"unknown",
	"forbidden",
	"unknown-token",
	"bad-json",
	"not-json",
	"not-found",
	"limit-exceeded",
	"user-in-use",
	"threepid-in-use",
	"missing-token",
	"user-deactivated",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return errorKindNames[k]
}

// Failure buckets a transport result for the sync engine's recovery
// logic. Exactly one bucket applies to any non-nil error.
type Failure int

const (
	// FailureNone means the operation succeeded.
	FailureNone Failure = iota
	// FailureTransient covers network-level problems: connection
	// refused, DNS failure, timeouts, truncated responses. The engine
	// disconnects and retries with backoff.
	FailureTransient
	// FailureProtocol covers well-formed error responses from the
	// homeserver (any *MatrixError). The engine inspects the code to
	// decide between re-authentication and ending the sync iteration.
	FailureProtocol
	// FailureCancelled covers deliberate local cancellation. It is
	// never reported; the caller already knows it stopped the work.
	FailureCancelled
)

var failureNames = []string{"none", "transient", "protocol", "cancelled"}

func (f Failure) String() string {
	if f < 0 || int(f) >= len(failureNames) {
		return fmt.Sprintf("Failure(%d)", int(f))
	}
	return failureNames[f]
}

// Classify assigns an error from a Client or Resolver call to its
// failure bucket. Context cancellation wins over everything else: a
// request aborted mid-flight surfaces as cancelled even when the HTTP
// layer dressed it up as a transport error.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return FailureProtocol
	}
	return FailureTransient
}
