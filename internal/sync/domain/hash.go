package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash fingerprints a JSON payload. The document is decoded and
// re-encoded before hashing so key order on the wire never changes the
// fingerprint. Workers compare hashes to skip no-op updates.
func ContentHash(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("failed to parse payload for hashing: %w", err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to re-encode payload for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
