// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/droidian/chatty-sub001/lib/codec"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
	"github.com/droidian/chatty-sub001/messaging"
)

// oneTimeKeyTarget is how many unclaimed one-time keys the session
// keeps on the server.
const oneTimeKeyTarget = 50

const pickleKeyContext = "chatty e2ee pickle v1"

// LocalProvider implements Provider with in-process key material:
// Ed25519 device identities, BLAKE3 fingerprints, and pickles sealed
// with XChaCha20-Poly1305 under a key derived from the account's
// pickle key.
type LocalProvider struct{}

// NewLocalProvider creates the built-in provider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

// CreateSession implements Provider.
func (p *LocalProvider) CreateSession(identity Identity, pickle []byte, pickleKey *secret.Buffer) (Session, error) {
	if pickleKey == nil {
		return nil, fmt.Errorf("e2ee: pickle key is required")
	}
	if pickle != nil {
		return restoreLocalSession(identity, pickle, pickleKey)
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return &localSession{
		identity:    identity,
		signingKey:  private,
		identityKey: public,
		oneTimeKeys: make(map[string]oneTimeKey),
		pickleKey:   pickleKey,
	}, nil
}

// oneTimeKey is one pre-published key the server hands to peers
// starting a session with this device.
type oneTimeKey struct {
	Public    []byte `cbor:"1,keyasint"`
	Private   []byte `cbor:"2,keyasint"`
	Published bool   `cbor:"3,keyasint"`
}

type localSession struct {
	identity    Identity
	signingKey  ed25519.PrivateKey
	identityKey ed25519.PublicKey

	deviceKeysPublished bool
	oneTimeKeys         map[string]oneTimeKey
	nextKeyID           uint64
	serverKeyCount      int

	// inbox holds room keys received over the to-device stream, keyed
	// by session ID.
	inbox map[string]json.RawMessage

	pickleKey *secret.Buffer
}

// pickleState is the serialized form of a localSession, CBOR-encoded
// and then sealed.
type pickleState struct {
	SigningKey          []byte                     `cbor:"1,keyasint"`
	DeviceKeysPublished bool                       `cbor:"2,keyasint"`
	OneTimeKeys         map[string]oneTimeKey      `cbor:"3,keyasint"`
	NextKeyID           uint64                     `cbor:"4,keyasint"`
	ServerKeyCount      int                        `cbor:"5,keyasint"`
	Inbox               map[string]json.RawMessage `cbor:"6,keyasint"`
}

func (s *localSession) DeviceKeys() json.RawMessage {
	if s.deviceKeysPublished {
		return nil
	}
	deviceID := s.identity.DeviceID.String()
	keys := map[string]any{
		"user_id":    s.identity.UserID.String(),
		"device_id":  deviceID,
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"ed25519:" + deviceID: base64.RawStdEncoding.EncodeToString(s.identityKey),
		},
	}
	signed, err := s.sign(keys)
	if err != nil {
		return nil
	}
	return signed
}

func (s *localSession) OneTimeKeys() map[string]json.RawMessage {
	s.replenish()
	pending := make(map[string]json.RawMessage)
	for id, key := range s.oneTimeKeys {
		if key.Published {
			continue
		}
		signed, err := s.sign(map[string]any{
			"key": base64.RawStdEncoding.EncodeToString(key.Public),
		})
		if err != nil {
			continue
		}
		pending["signed_curve25519:"+id] = signed
	}
	return pending
}

// replenish tops the key pool back up to the target, counting both the
// server's unclaimed keys and local keys awaiting upload.
func (s *localSession) replenish() {
	available := s.serverKeyCount
	for _, key := range s.oneTimeKeys {
		if !key.Published {
			available++
		}
	}
	for available < oneTimeKeyTarget {
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return
		}
		id := fmt.Sprintf("AAAA%d", s.nextKeyID)
		s.nextKeyID++
		s.oneTimeKeys[id] = oneTimeKey{Public: public, Private: private}
		available++
	}
}

func (s *localSession) MarkKeysPublished(counts map[string]int) {
	s.deviceKeysPublished = true
	for id, key := range s.oneTimeKeys {
		if !key.Published {
			key.Published = true
			s.oneTimeKeys[id] = key
		}
	}
	if count, ok := counts["signed_curve25519"]; ok {
		s.serverKeyCount = count
	}
}

func (s *localSession) HandleToDeviceEvent(eventType string, sender ref.UserID, content json.RawMessage) error {
	switch eventType {
	case "m.room_key", "m.room.encrypted":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(content, &body); err != nil {
			return fmt.Errorf("parsing %s from %s: %w", eventType, sender, err)
		}
		if body.SessionID == "" {
			return fmt.Errorf("%s from %s carries no session ID", eventType, sender)
		}
		if s.inbox == nil {
			s.inbox = make(map[string]json.RawMessage)
		}
		s.inbox[body.SessionID] = content
		return nil
	default:
		// Verification and key-request traffic is accepted but not
		// acted on yet.
		return nil
	}
}

func (s *localSession) Pickle() ([]byte, error) {
	state := pickleState{
		SigningKey:          s.signingKey,
		DeviceKeysPublished: s.deviceKeysPublished,
		OneTimeKeys:         s.oneTimeKeys,
		NextKeyID:           s.nextKeyID,
		ServerKeyCount:      s.serverKeyCount,
		Inbox:               s.inbox,
	}
	plaintext, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding session state: %w", err)
	}
	defer secret.Zero(plaintext)

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating pickle nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func restoreLocalSession(identity Identity, pickle []byte, pickleKey *secret.Buffer) (*localSession, error) {
	session := &localSession{identity: identity, pickleKey: pickleKey}
	aead, err := session.aead()
	if err != nil {
		return nil, err
	}
	if len(pickle) < aead.NonceSize() {
		return nil, fmt.Errorf("session pickle too short")
	}
	nonce, ciphertext := pickle[:aead.NonceSize()], pickle[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unsealing session pickle: %w", err)
	}
	defer secret.Zero(plaintext)

	var state pickleState
	if err := codec.Unmarshal(plaintext, &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	if len(state.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("session pickle carries a malformed signing key")
	}
	session.signingKey = ed25519.PrivateKey(state.SigningKey)
	session.identityKey = session.signingKey.Public().(ed25519.PublicKey)
	session.deviceKeysPublished = state.DeviceKeysPublished
	session.oneTimeKeys = state.OneTimeKeys
	if session.oneTimeKeys == nil {
		session.oneTimeKeys = make(map[string]oneTimeKey)
	}
	session.nextKeyID = state.NextKeyID
	session.serverKeyCount = state.ServerKeyCount
	session.inbox = state.Inbox
	return session, nil
}

// aead builds the pickle cipher from the account's pickle key. The raw
// key can be any length; it is stretched to the cipher's key size with
// BLAKE3 key derivation under a fixed context string.
func (s *localSession) aead() (cipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(pickleKeyContext, s.pickleKey.Bytes(), derived)
	defer secret.Zero(derived)
	return chacha20poly1305.NewX(derived)
}

func (s *localSession) Fingerprint() string {
	digest := blake3.Sum256(s.identityKey)
	var groups []string
	for i := 0; i < 16; i += 2 {
		groups = append(groups, fmt.Sprintf("%02x%02x", digest[i], digest[i+1]))
	}
	return strings.Join(groups, " ")
}

func (s *localSession) Close() {
	secret.Zero(s.signingKey)
	for id, key := range s.oneTimeKeys {
		secret.Zero(key.Private)
		delete(s.oneTimeKeys, id)
	}
}

// sign attaches this device's Ed25519 signature over the canonical
// JSON form of the object.
func (s *localSession) sign(object map[string]any) (json.RawMessage, error) {
	unsigned, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	canonical, err := messaging.CanonicalJSON(unsigned)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(s.signingKey, canonical)
	object["signatures"] = map[string]map[string]string{
		s.identity.UserID.String(): {
			"ed25519:" + s.identity.DeviceID.String(): base64.RawStdEncoding.EncodeToString(signature),
		},
	}
	return json.Marshal(object)
}
