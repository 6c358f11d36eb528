package cardid

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize concatenates a card's content after cleaning each part.
// It trims whitespace, lowercases, and normalizes line endings for each
// field before joining them.
func Normalize(front, back string) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	// Joined with a newline to keep the fields separated, so "front" and
	// "back" can never run together into the same token.
	return strings.Join([]string{normalizePart(front), normalizePart(back)}, "\n")
}

// Fingerprint normalizes a card's content and returns its SHA-256 hash as a
// hex string. Two cards with the same fingerprint are the same card as far
// as import reconciliation is concerned.
func Fingerprint(front, back string) string {
	normalized := Normalize(front, back)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}
