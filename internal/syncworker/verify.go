package syncworker

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrChecksumMismatch reports that downloaded bytes do not hash to the
	// advertised sha256.
	ErrChecksumMismatch = errors.New("sync: checksum mismatch")
	// ErrBadSignature reports that the package signature does not verify
	// against the provisioned public key.
	ErrBadSignature = errors.New("sync: invalid signature")
)

// LoadPublicKey reads a base64-encoded raw ed25519 public key from path.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode public key %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length: got %d want %d", len(keyBytes), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(keyBytes), nil
}

// verifyArchive checks the staged archive against whichever of sha256 and
// base64 ed25519 signature (over the raw archive bytes) are advertised. An
// empty field skips that check; callers enforce which fields are mandatory
// for their artifact kind.
func verifyArchive(pub ed25519.PublicKey, archivePath, wantSHA256, signatureB64 string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("read staged archive: %w", err)
	}
	if wantSHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, wantSHA256) {
			return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, wantSHA256)
		}
	}
	if signatureB64 != "" {
		sig, err := base64.StdEncoding.DecodeString(signatureB64)
		if err != nil {
			return fmt.Errorf("%w: decode: %v", ErrBadSignature, err)
		}
		if !ed25519.Verify(pub, data, sig) {
			return ErrBadSignature
		}
	}
	return nil
}
