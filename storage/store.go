// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/droidian/chatty-sub001/lib/clock"
	"github.com/droidian/chatty-sub001/lib/codec"
	"github.com/droidian/chatty-sub001/lib/ref"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	homeserver TEXT NOT NULL,
	device_id  TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	next_batch TEXT NOT NULL DEFAULT '',
	pickle     BLOB,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	room_id    TEXT NOT NULL,
	account_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	snapshot   BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, account_id)
);

CREATE INDEX IF NOT EXISTS chats_by_account ON chats (account_id);
`

// AccountRecord is the persisted, non-secret state of one account.
// Pickle is the sealed encryption session exported by the e2ee layer;
// it is opaque here.
type AccountRecord struct {
	ID            ref.AccountID
	UserID        ref.UserID
	HomeserverURL string
	DeviceID      ref.DeviceID
	Enabled       bool
	NextBatch     string
	Pickle        []byte
}

// RoomSnapshot is the displayable state of one room, rebuilt into the
// registry on startup.
type RoomSnapshot struct {
	Name        string `cbor:"1,keyasint,omitempty"`
	Topic       string `cbor:"2,keyasint,omitempty"`
	AvatarURL   string `cbor:"3,keyasint,omitempty"`
	MemberCount int    `cbor:"4,keyasint,omitempty"`
	UnreadCount int    `cbor:"5,keyasint,omitempty"`
	LastEventTS int64  `cbor:"6,keyasint,omitempty"`
}

// ChatRecord binds a room snapshot to the account that sees it.
// Membership is "joined" or "hidden"; hidden rooms await leave
// confirmation from the server.
type ChatRecord struct {
	RoomID     ref.RoomID
	AccountID  ref.AccountID
	Membership string
	Snapshot   RoomSnapshot
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file path. The parent directory must
	// exist. ":memory:" works for tests with PoolSize 1.
	Path string
	// PoolSize is the connection pool size. Zero or negative defaults
	// to max(NumCPU, 4).
	PoolSize int
	// Logger receives operational messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger
	// Clock stamps record updates. Defaults to the real clock.
	Clock clock.Clock
}

// Store is the account database. Safe for concurrent use.
type Store struct {
	pool    *sqlitex.Pool
	logger  *slog.Logger
	clock   clock.Clock
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens (creating if needed) the database at cfg.Path, applies
// the standard pragmas to every connection, and ensures the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := cfg.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: creating zstd decoder: %w", err)
	}

	logger.Info("account database opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{
		pool:    pool,
		logger:  logger,
		clock:   storeClock,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: closing pool: %w", err)
	}
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// SaveAccount inserts or replaces an account record. A nil Pickle
// preserves the previously stored pickle, so a record save that
// happens before the first session export cannot erase key material.
func (s *Store) SaveAccount(ctx context.Context, record AccountRecord) error {
	if record.ID.IsZero() {
		return fmt.Errorf("storage: account record carries no ID")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	enabled := 0
	if record.Enabled {
		enabled = 1
	}
	// A nil slice must bind as NULL, not a zero-length blob, for the
	// COALESCE below to preserve the stored pickle.
	var pickle any
	if record.Pickle != nil {
		pickle = record.Pickle
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO accounts (id, user_id, homeserver, device_id, enabled, next_batch, pickle, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			homeserver = excluded.homeserver,
			device_id = excluded.device_id,
			enabled = excluded.enabled,
			next_batch = excluded.next_batch,
			pickle = COALESCE(excluded.pickle, accounts.pickle),
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID.String(),
				record.UserID.String(),
				record.HomeserverURL,
				record.DeviceID.String(),
				enabled,
				record.NextBatch,
				pickle,
				s.now(),
			},
		})
	if err != nil {
		return fmt.Errorf("storage: saving account %s: %w", record.ID, err)
	}
	return nil
}

// LoadAccounts returns every account record, in insertion order.
func (s *Store) LoadAccounts(ctx context.Context) ([]AccountRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	var records []AccountRecord
	var scanErr error
	err = sqlitex.Execute(conn, `
		SELECT id, user_id, homeserver, device_id, enabled, next_batch, pickle
		FROM accounts ORDER BY updated_at, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var record AccountRecord
				record.ID, scanErr = ref.ParseAccountID(stmt.ColumnText(0))
				if scanErr != nil {
					return scanErr
				}
				record.UserID, scanErr = ref.ParseUserID(stmt.ColumnText(1))
				if scanErr != nil {
					return scanErr
				}
				record.HomeserverURL = stmt.ColumnText(2)
				if deviceID := stmt.ColumnText(3); deviceID != "" {
					record.DeviceID, scanErr = ref.ParseDeviceID(deviceID)
					if scanErr != nil {
						return scanErr
					}
				}
				record.Enabled = stmt.ColumnInt64(4) != 0
				record.NextBatch = stmt.ColumnText(5)
				if !stmt.ColumnIsNull(6) {
					record.Pickle = make([]byte, stmt.ColumnLen(6))
					stmt.ColumnBytes(6, record.Pickle)
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: loading accounts: %w", err)
	}
	return records, nil
}

// DeleteAccount removes the account record and all of its chats in one
// transaction.
func (s *Store) DeleteAccount(ctx context.Context, accountID ref.AccountID) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: beginning delete transaction: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn, `DELETE FROM chats WHERE account_id = ?`,
		&sqlitex.ExecOptions{Args: []any{accountID.String()}})
	if err != nil {
		return fmt.Errorf("storage: deleting chats for %s: %w", accountID, err)
	}
	err = sqlitex.Execute(conn, `DELETE FROM accounts WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{accountID.String()}})
	if err != nil {
		return fmt.Errorf("storage: deleting account %s: %w", accountID, err)
	}
	return nil
}

// UpsertChat inserts or replaces one chat record.
func (s *Store) UpsertChat(ctx context.Context, chat ChatRecord) error {
	snapshot, err := s.encodeSnapshot(chat.Snapshot)
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO chats (room_id, account_id, membership, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, account_id) DO UPDATE SET
			membership = excluded.membership,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				chat.RoomID.String(),
				chat.AccountID.String(),
				chat.Membership,
				snapshot,
				s.now(),
			},
		})
	if err != nil {
		return fmt.Errorf("storage: saving chat %s for %s: %w", chat.RoomID, chat.AccountID, err)
	}
	return nil
}

// DeleteChat removes one chat record. Removing a missing chat is not
// an error.
func (s *Store) DeleteChat(ctx context.Context, accountID ref.AccountID, roomID ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM chats WHERE room_id = ? AND account_id = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), accountID.String()}})
	if err != nil {
		return fmt.Errorf("storage: deleting chat %s for %s: %w", roomID, accountID, err)
	}
	return nil
}

// Chats returns the chat records for one account, oldest update first.
func (s *Store) Chats(ctx context.Context, accountID ref.AccountID) ([]ChatRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	var chats []ChatRecord
	var scanErr error
	err = sqlitex.Execute(conn, `
		SELECT room_id, membership, snapshot
		FROM chats WHERE account_id = ? ORDER BY updated_at, room_id`,
		&sqlitex.ExecOptions{
			Args: []any{accountID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				chat := ChatRecord{AccountID: accountID}
				chat.RoomID, scanErr = ref.ParseRoomID(stmt.ColumnText(0))
				if scanErr != nil {
					return scanErr
				}
				chat.Membership = stmt.ColumnText(1)
				compressed := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, compressed)
				chat.Snapshot, scanErr = s.decodeSnapshot(compressed)
				if scanErr != nil {
					return scanErr
				}
				chats = append(chats, chat)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: loading chats for %s: %w", accountID, err)
	}
	return chats, nil
}

func (s *Store) encodeSnapshot(snapshot RoomSnapshot) ([]byte, error) {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding room snapshot: %w", err)
	}
	return s.encoder.EncodeAll(encoded, nil), nil
}

func (s *Store) decodeSnapshot(compressed []byte) (RoomSnapshot, error) {
	encoded, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("storage: decompressing room snapshot: %w", err)
	}
	var snapshot RoomSnapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return RoomSnapshot{}, fmt.Errorf("storage: decoding room snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixNano() / int64(time.Millisecond)
}
