// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfTablePosition(t *testing.T) {
	// The vocabulary slice and the ErrorKind constants must stay
	// aligned: position i maps to ErrorKind(i+1).
	for i, code := range errcodeVocabulary {
		if got := KindOf(code); got != ErrorKind(i+1) {
			t.Errorf("KindOf(%s) = %v, want %v", code, got, ErrorKind(i+1))
		}
	}
	if len(errcodeVocabulary) != len(errorKindNames)-1 {
		t.Errorf("vocabulary has %d entries but %d kind names (including unknown)",
			len(errcodeVocabulary), len(errorKindNames))
	}
}

func TestKindOfUnknown(t *testing.T) {
	for _, code := range []string{"", "M_SOMETHING_NEW", "m_forbidden"} {
		if got := KindOf(code); got != KindUnknown {
			t.Errorf("KindOf(%q) = %v, want KindUnknown", code, got)
		}
	}
}

func TestClassify(t *testing.T) {
	matrixErr := &MatrixError{Code: CodeForbidden, StatusCode: 403}
	cases := []struct {
		name string
		err  error
		want Failure
	}{
		{"nil", nil, FailureNone},
		{"cancelled", context.Canceled, FailureCancelled},
		{"wrapped cancelled", fmt.Errorf("GET /sync: %w", context.Canceled), FailureCancelled},
		{"matrix error", matrixErr, FailureProtocol},
		{"wrapped matrix error", fmt.Errorf("login: %w", matrixErr), FailureProtocol},
		{"plain error", errors.New("connection refused"), FailureTransient},
		{"deadline", context.DeadlineExceeded, FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsMatrixError(t *testing.T) {
	err := fmt.Errorf("sync: %w", &MatrixError{Code: CodeUnknownToken, StatusCode: 401})
	if !IsMatrixError(err, CodeUnknownToken) {
		t.Error("IsMatrixError did not match wrapped error")
	}
	if IsMatrixError(err, CodeForbidden) {
		t.Error("IsMatrixError matched the wrong code")
	}
	if IsMatrixError(errors.New("plain"), CodeForbidden) {
		t.Error("IsMatrixError matched a non-Matrix error")
	}
}
