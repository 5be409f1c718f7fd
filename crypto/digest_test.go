package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestFileDigestMatchesStreamedDigest(t *testing.T) {
	content := []byte("hello world")
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	got, err := FileDigest(path)
	require.NoError(t, err)

	h := NewDigest()
	_, _ = h.Write(content[:5])
	_, _ = h.Write(content[5:])
	assert.Equal(t, DigestHex(h), got)

	want := blake2b.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
	assert.Len(t, got, DigestSize*2)
}

func TestFileDigestMissingFile(t *testing.T) {
	_, err := FileDigest(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestValidDigest(t *testing.T) {
	sum := blake2b.Sum256([]byte("hello"))
	assert.True(t, ValidDigest(hex.EncodeToString(sum[:])))
	assert.False(t, ValidDigest(""))
	assert.False(t, ValidDigest("0123456789abcdef"))
	assert.False(t, ValidDigest(strings.Repeat("zz", DigestSize)))
}

func TestShortDigest(t *testing.T) {
	assert.Equal(t, "0123456789abcdef", ShortDigest("0123456789abcdef0123"))
	assert.Equal(t, "abc", ShortDigest("abc"))
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "0123 4567 89AB CDEF", FormatFingerprint("0123456789abcdef"))
	assert.Equal(t, "ABCD E", FormatFingerprint("abcde"))
	assert.Empty(t, FormatFingerprint(""))
}
