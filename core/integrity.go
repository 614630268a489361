package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IntegrityHash computes a sha256 hex digest over the canonical JSON
// serialization of v. encoding/json emits struct fields in declaration
// order and map keys sorted, which makes the serialization stable for
// identical values. Callers must zero the record's own hash field before
// hashing so the digest never covers itself.
func IntegrityHash(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize record for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the sha256 hex digest of raw content. Used for
// artifact integrity scanning.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
