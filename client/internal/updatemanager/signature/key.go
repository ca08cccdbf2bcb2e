// Package signature verifies release packages against detached ed25519
// signatures published next to them.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

const (
	tagPrivate = "SHELF RELEASE PRIVATE KEY"
	tagPublic  = "SHELF RELEASE PUBLIC KEY"
)

// KeyID is the first 8 bytes of the SHA-256 of a public key.
type KeyID [8]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

func (k KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *KeyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key id: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("invalid key id length: %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

func computeKeyID(pub ed25519.PublicKey) KeyID {
	h := sha256.Sum256(pub)
	var id KeyID
	copy(id[:], h[:8])
	return id
}

// KeyMetadata carries the identity and lifetime of a key.
type KeyMetadata struct {
	ID        KeyID     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (m KeyMetadata) expiredAt(t time.Time) bool {
	return !m.ExpiresAt.IsZero() && t.After(m.ExpiresAt)
}

type PublicKey struct {
	Key      ed25519.PublicKey `json:"key"`
	Metadata KeyMetadata       `json:"metadata"`
}

type PrivateKey struct {
	Key      ed25519.PrivateKey `json:"key"`
	Metadata KeyMetadata        `json:"metadata"`
}

// GenerateKey creates a signing key and returns it with its PEM encoded
// private and public halves. A zero expiration never expires.
func GenerateKey(expiration time.Duration) (PrivateKey, []byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	now := time.Now().UTC()
	metadata := KeyMetadata{
		ID:        computeKeyID(pub),
		CreatedAt: now,
	}
	if expiration > 0 {
		metadata.ExpiresAt = now.Add(expiration)
	}

	key := PrivateKey{Key: priv, Metadata: metadata}
	privPEM, err := encodePEM(tagPrivate, key)
	if err != nil {
		return PrivateKey{}, nil, nil, err
	}
	pubPEM, err := encodePEM(tagPublic, PublicKey{Key: pub, Metadata: metadata})
	if err != nil {
		return PrivateKey{}, nil, nil, err
	}
	return key, privPEM, pubPEM, nil
}

func encodePEM(tag string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: tag, Bytes: data}), nil
}

// ParsePrivateKey decodes a PEM private key produced by GenerateKey.
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != tagPrivate {
		return PrivateKey{}, errors.New("no private key PEM block")
	}

	var key PrivateKey
	if err := json.Unmarshal(block.Bytes, &key); err != nil {
		return PrivateKey{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(key.Key) != ed25519.PrivateKeySize {
		return PrivateKey{}, fmt.Errorf("invalid private key size: %d", len(key.Key))
	}
	return key, nil
}

// ParsePublicKeys decodes every public key PEM block in data.
func ParsePublicKeys(data []byte) ([]PublicKey, error) {
	var keys []PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != tagPublic {
			continue
		}

		var key PublicKey
		if err := json.Unmarshal(block.Bytes, &key); err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if len(key.Key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key size: %d", len(key.Key))
		}
		if key.Metadata.ID != computeKeyID(key.Key) {
			return nil, fmt.Errorf("key id %s does not match key", key.Metadata.ID)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, errors.New("no public keys found")
	}
	return keys, nil
}
