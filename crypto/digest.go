package crypto

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the BLAKE2b output length in bytes.
const DigestSize = blake2b.Size256

// NewDigest returns an unkeyed BLAKE2b-256 hash for streamed content.
func NewDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only a key longer than 64 bytes can fail.
		panic(err)
	}
	return h
}

// DigestHex returns the hex encoding of h's current sum.
func DigestHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FileDigest returns the hex BLAKE2b-256 digest of the file at path.
func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	h := NewDigest()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return DigestHex(h), nil
}

// ValidDigest reports whether digest is a hex BLAKE2b-256 sum.
func ValidDigest(digest string) bool {
	if len(digest) != hex.EncodedLen(DigestSize) {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// ShortDigest keeps the leading 16 hex characters for display.
func ShortDigest(digest string) string {
	if len(digest) <= 16 {
		return digest
	}
	return digest[:16]
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
