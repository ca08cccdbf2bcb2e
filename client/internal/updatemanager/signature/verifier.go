package signature

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

const (
	// Suffix is appended to the package URL to locate its signature.
	Suffix         = ".sig"
	signatureLimit = 4096
)

// Fetcher downloads small files.
type Fetcher interface {
	DownloadToMemory(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Verifier checks downloaded packages against trusted public keys.
type Verifier struct {
	keys    []PublicKey
	fetcher Fetcher
}

func NewVerifier(keys []PublicKey, fetcher Fetcher) *Verifier {
	return &Verifier{
		keys:    keys,
		fetcher: fetcher,
	}
}

// LoadVerifier reads the trusted keys from a PEM bundle file.
func LoadVerifier(keysFile string, fetcher Fetcher) (*Verifier, error) {
	data, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read release keys: %w", err)
	}
	keys, err := ParsePublicKeys(data)
	if err != nil {
		return nil, fmt.Errorf("parse release keys %s: %w", keysFile, err)
	}
	return NewVerifier(keys, fetcher), nil
}

// Verify fetches the signature published at packageURL+Suffix and checks file against it.
func (v *Verifier) Verify(ctx context.Context, packageURL, file string) error {
	sigURL := packageURL + Suffix
	data, err := v.fetcher.DownloadToMemory(ctx, sigURL, signatureLimit)
	if err != nil {
		return fmt.Errorf("download signature %s: %w", sigURL, err)
	}

	sig, err := ParseSignature(data)
	if err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Debugf("failed to close package: %v", err)
		}
	}()

	return Validate(v.keys, f, *sig)
}
