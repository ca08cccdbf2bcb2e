package signature

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"
)

const (
	algorithm = "ed25519"
	hashAlgo  = "blake2s"

	maxClockSkew    = 5 * time.Minute
	maxSignatureAge = 10 * 365 * 24 * time.Hour
)

// ErrInvalidSignature is returned for any package that does not verify.
var ErrInvalidSignature = errors.New("invalid package signature")

// Signature is the detached signature document of one package.
type Signature struct {
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     KeyID     `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	HashAlgo  string    `json:"hash_algo"`
}

func ParseSignature(data []byte) (*Signature, error) {
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &sig, nil
}

// Sign hashes the package read from r and returns the encoded signature document.
func Sign(key PrivateKey, r io.Reader) ([]byte, error) {
	timestamp := time.Now().UTC()
	if key.Metadata.expiredAt(timestamp) {
		return nil, fmt.Errorf("signing key expired at %v", key.Metadata.ExpiresAt)
	}

	sum, length, err := hashPackage(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, errors.New("refusing to sign an empty package")
	}

	return json.Marshal(Signature{
		Signature: ed25519.Sign(key.Key, message(sum, length, timestamp)),
		Timestamp: timestamp,
		KeyID:     key.Metadata.ID,
		Algorithm: algorithm,
		HashAlgo:  hashAlgo,
	})
}

// Validate checks sig against the package read from r using the key sig names.
func Validate(keys []PublicKey, r io.Reader, sig Signature) error {
	now := time.Now().UTC()
	if sig.Algorithm != algorithm || sig.HashAlgo != hashAlgo {
		return fmt.Errorf("%w: unsupported algorithm %s/%s", ErrInvalidSignature, sig.Algorithm, sig.HashAlgo)
	}
	if sig.Timestamp.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp in the future: %v", ErrInvalidSignature, sig.Timestamp)
	}
	if now.Sub(sig.Timestamp) > maxSignatureAge {
		return fmt.Errorf("%w: signature too old: created %v", ErrInvalidSignature, sig.Timestamp)
	}

	var key *PublicKey
	for i := range keys {
		if keys[i].Metadata.ID == sig.KeyID {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return fmt.Errorf("%w: no key with id %s", ErrInvalidSignature, sig.KeyID)
	}
	if key.Metadata.expiredAt(sig.Timestamp) {
		return fmt.Errorf("%w: key %s expired at %v", ErrInvalidSignature, sig.KeyID, key.Metadata.ExpiresAt)
	}

	sum, length, err := hashPackage(r)
	if err != nil {
		return err
	}

	if !ed25519.Verify(key.Key, message(sum, length, sig.Timestamp), sig.Signature) {
		return fmt.Errorf("%w: verification failed for key %s", ErrInvalidSignature, sig.KeyID)
	}

	log.Debugf("package verified with key %s", sig.KeyID)
	return nil
}

func hashPackage(r io.Reader) ([]byte, uint64, error) {
	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create hash: %w", err)
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, 0, fmt.Errorf("hash package: %w", err)
	}
	return h.Sum(nil), uint64(n), nil
}

// message is hash || length || timestamp.
func message(sum []byte, length uint64, timestamp time.Time) []byte {
	msg := make([]byte, 0, len(sum)+16)
	msg = append(msg, sum...)
	msg = binary.LittleEndian.AppendUint64(msg, length)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(timestamp.Unix()))
	return msg
}
