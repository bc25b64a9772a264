// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/droidian/chatty-sub001/keyring"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/storage"
)

// RecordStore is the slice of the account database a session writes.
// *storage.Store satisfies it.
type RecordStore interface {
	SaveAccount(ctx context.Context, record storage.AccountRecord) error
	UpsertChat(ctx context.Context, chat storage.ChatRecord) error
	DeleteChat(ctx context.Context, accountID ref.AccountID, roomID ref.RoomID) error
}

// persister tracks which persistent writes are due and performs them
// in a fixed order: the credential bundle first, the account record
// second. The record embeds the encryption pickle, whose pickle key
// lives in the credential bundle, so a record must never hit disk
// while the bundle write that makes it decryptable is still pending.
// The ordering is enforced by chaining the writes, not by locking.
//
// A failed write leaves its flag set; the next flush retries. Nothing
// is ever unmarked on failure, so persistence errors delay writes but
// cannot lose them.
type persister struct {
	keyring keyring.Store
	store   RecordStore
	logger  *slog.Logger

	credentialsDue bool
	recordDue      bool
}

func (p *persister) markCredentials() { p.credentialsDue = true }
func (p *persister) markRecord()      { p.recordDue = true }

// markAll forces both writes on the next flush, regardless of what
// changed. Used when a caller needs a durable baseline (new account,
// shutdown).
func (p *persister) markAll() {
	p.credentialsDue = true
	p.recordDue = true
}

func (p *persister) pending() bool {
	return p.credentialsDue || p.recordDue
}

// flush writes whatever is due. On a credential write failure the
// record write is not attempted and both flags survive for the next
// flush.
func (p *persister) flush(ctx context.Context, credentials keyring.Credentials, record storage.AccountRecord) error {
	if p.credentialsDue {
		if err := p.keyring.Save(credentials); err != nil {
			return fmt.Errorf("saving credentials for %s: %w", credentials.AccountID, err)
		}
		p.credentialsDue = false
	}
	if p.recordDue {
		if err := p.store.SaveAccount(ctx, record); err != nil {
			return fmt.Errorf("saving record for %s: %w", record.ID, err)
		}
		p.recordDue = false
	}
	return nil
}

// flushLogged is flush for call sites that retain the flags and move
// on; the error is logged, not returned.
func (p *persister) flushLogged(ctx context.Context, credentials keyring.Credentials, record storage.AccountRecord) {
	if err := p.flush(ctx, credentials, record); err != nil {
		p.logger.Warn("persistence deferred", "error", err)
	}
}
