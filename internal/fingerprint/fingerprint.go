// Package fingerprint validates and normalizes content fingerprints.
// A fingerprint is the 40-character lowercase hex form of a content hash.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Length is the expected number of hex characters in a fingerprint.
const Length = 40

// Normalize lowercases raw and verifies it is a well-formed fingerprint.
// It returns an error for anything that is not exactly Length hex characters.
func Normalize(raw string) (string, error) {
	fp := strings.ToLower(strings.TrimSpace(raw))
	if len(fp) != Length {
		return "", fmt.Errorf("fingerprint must be %d characters, got %d", Length, len(fp))
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("fingerprint is not valid hex: %w", err)
	}
	return fp, nil
}

// Valid reports whether raw normalizes cleanly.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
