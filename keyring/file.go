// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
)

const identityFileName = "store.key"

// FileStore seals credential bundles to a store-level age identity on
// disk. The layout under the store directory is:
//
//	store.key            age identity, 0600
//	<account-id>.age     one sealed bundle per account, 0600
type FileStore struct {
	dir        string
	privateKey *secret.Buffer
	recipient  *age.X25519Recipient

	// mu serializes writes so two saves for the same account cannot
	// interleave their temp-file renames.
	mu sync.Mutex
}

// OpenFileStore opens the store at dir, creating the directory and the
// store identity on first use.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keyring directory: %w", err)
	}
	privateKey, recipient, err := loadOrCreateIdentity(filepath.Join(dir, identityFileName))
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, privateKey: privateKey, recipient: recipient}, nil
}

// Close releases the store identity's key memory.
func (s *FileStore) Close() error {
	return s.privateKey.Close()
}

func loadOrCreateIdentity(path string) (*secret.Buffer, *age.X25519Recipient, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		keyString := strings.TrimSpace(string(raw))
		identity, err := age.ParseX25519Identity(keyString)
		secret.Zero(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing keyring identity %s: %w", path, err)
		}
		privateKey, err := secret.NewFromString(keyString)
		if err != nil {
			return nil, nil, fmt.Errorf("protecting keyring identity: %w", err)
		}
		return privateKey, identity.Recipient(), nil

	case errors.Is(err, fs.ErrNotExist):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, nil, fmt.Errorf("generating keyring identity: %w", err)
		}
		keyString := identity.String()
		if err := writeFileAtomic(path, []byte(keyString+"\n")); err != nil {
			return nil, nil, fmt.Errorf("writing keyring identity: %w", err)
		}
		privateKey, err := secret.NewFromString(keyString)
		if err != nil {
			return nil, nil, fmt.Errorf("protecting keyring identity: %w", err)
		}
		return privateKey, identity.Recipient(), nil

	default:
		return nil, nil, fmt.Errorf("reading keyring identity %s: %w", path, err)
	}
}

func (s *FileStore) bundlePath(accountID ref.AccountID) string {
	return filepath.Join(s.dir, accountID.String()+".age")
}

// Save implements Store.
func (s *FileStore) Save(credentials Credentials) error {
	if credentials.AccountID.IsZero() {
		return fmt.Errorf("keyring: credentials carry no account ID")
	}
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	defer secret.Zero(plaintext)

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, s.recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("sealing credentials: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing sealed credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.bundlePath(credentials.AccountID), sealed.Bytes()); err != nil {
		return fmt.Errorf("writing credentials for %s: %w", credentials.AccountID, err)
	}
	return nil
}

// Retrieve implements Store.
func (s *FileStore) Retrieve(accountID ref.AccountID) (Credentials, error) {
	sealed, err := os.ReadFile(s.bundlePath(accountID))
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials for %s: %w", accountID, err)
	}

	identity, err := age.ParseX25519Identity(s.privateKey.String())
	if err != nil {
		return Credentials{}, fmt.Errorf("parsing keyring identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return Credentials{}, fmt.Errorf("unsealing credentials for %s: %w", accountID, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading unsealed credentials: %w", err)
	}
	defer secret.Zero(plaintext)

	var credentials Credentials
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials for %s: %w", accountID, err)
	}
	return credentials, nil
}

// Delete implements Store.
func (s *FileStore) Delete(accountID ref.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.bundlePath(accountID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting credentials for %s: %w", accountID, err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash never leaves a partial file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
