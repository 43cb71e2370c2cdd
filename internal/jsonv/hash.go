package jsonv

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainDiff    = "aionis/diff/v1"
	DomainJobKey  = "aionis/job-key/v1"
	DomainContext = "aionis/context/v1"
	DomainPolicy  = "aionis/policy/v1"
	DomainPattern = "aionis/pattern/v1"
)

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under domain.
func Hash(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, canonical), nil
}

// SHA256Canonical is the plain (undomained) SHA-256 of the canonical form.
// Used where the stored column is documented as sha256(canonical json).
func SHA256Canonical(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canonical), nil
}
