// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive material:
// account passwords, access tokens, and pickle keys.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM with mlock so it cannot be swapped to
// disk, and marks it excluded from core dumps with
// madvise(MADV_DONTDUMP). Close zeros, unlocks, and unmaps the region.
//
// Because the region lives outside the Go heap, the garbage collector
// never copies or relocates it, so Close is the single point after
// which the secret no longer exists in process memory.
package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in swap-locked, dump-excluded mmap
// memory. A Buffer must not be copied after creation. After Close, any
// access to its contents panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// New allocates a protected buffer of the given size. The caller must
// call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}

	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{data: data}, nil
}

// NewFromBytes creates a protected buffer holding a copy of source,
// then zeros source in place so the caller's slice no longer holds the
// secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// NewFromString creates a protected buffer from a string. The original
// string remains on the heap until collected; the buffer is the durable
// copy. Use NewFromBytes when the caller controls the backing storage.
func NewFromString(source string) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	return buffer, nil
}

// Bytes returns the protected region itself, not a copy. The slice is
// only valid until Close. Panics if the buffer is closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Bytes called on closed buffer")
	}
	return b.data
}

// String returns the contents as a heap string. The copy is unprotected
// — use only at API boundaries that require a string (JSON bodies,
// Authorization headers). Panics if the buffer is closed.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: String called on closed buffer")
	}
	return string(b.data)
}

// Len returns the buffer length in bytes. Panics if closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Len called on closed buffer")
	}
	return len(b.data)
}

// Close zeros the region, unlocks it, and unmaps it. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)
	unlockErr := unix.Munlock(b.data)
	unmapErr := unix.Munmap(b.data)
	b.data = nil

	if unlockErr != nil {
		return fmt.Errorf("secret: munlock failed: %w", unlockErr)
	}
	if unmapErr != nil {
		return fmt.Errorf("secret: munmap failed: %w", unmapErr)
	}
	return nil
}

// Zero overwrites a byte slice with zeros. Use on transient heap copies
// of secret material (JSON buffers, file contents) after use.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
