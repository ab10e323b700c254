package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint returns the hex sha256 of the canonical JSON form of v.
// Maps are key-sorted by encoding/json, so equal inputs hash equally.
func Fingerprint(v interface{}) (string, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		var generic interface{}
		if err := json.Unmarshal(t, &generic); err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		b, err := json.Marshal(generic)
		if err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		raw = b
	case string:
		raw = []byte(strings.TrimSpace(t))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		raw = b
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// MustFingerprint is Fingerprint for values known to be JSON-encodable.
func MustFingerprint(v interface{}) string {
	fp, err := Fingerprint(v)
	if err != nil {
		panic(err)
	}
	return fp
}
