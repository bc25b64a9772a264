// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import "testing"

func TestBufferRoundTrip(t *testing.T) {
	buffer, err := NewFromString("hunter2")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "hunter2" {
		t.Errorf("unexpected contents: %q", buffer.String())
	}
	if buffer.Len() != 7 {
		t.Errorf("unexpected length: %d", buffer.Len())
	}
}

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("pickle-key-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	for i, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed", i)
		}
	}
	if buffer.String() != "pickle-key-material" {
		t.Errorf("unexpected contents: %q", buffer.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("token")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	buffer, err := NewFromString("token")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on String after Close")
		}
	}()
	_ = buffer.String()
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := New(-5); err == nil {
		t.Error("expected error for negative size")
	}
}
