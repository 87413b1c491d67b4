package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal marshals v into RFC 8785 (JCS) canonical JSON:
// lexicographically sorted keys, no insignificant whitespace, deterministic
// number formatting. Two structurally equal values always produce identical
// bytes, which makes the output safe to hash and sign.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: JCS transform: %w", err)
	}
	return canonical, nil
}

// DigestHex returns the SHA-256 digest of data as "sha256:<hex>".
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CanonicalDigest canonicalizes v and returns its SHA-256 digest.
func CanonicalDigest(v any) (string, error) {
	canonical, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return DigestHex(canonical), nil
}
