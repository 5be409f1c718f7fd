package network

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestEncodeHeader(t *testing.T) {
	payload, err := EncodeHeader(Header{Name: "a.txt", Size: 11})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a.txt","size":11}`, string(payload))

	_, err = EncodeHeader(Header{Name: "a.txt", Size: -1})
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = EncodeHeader(Header{Name: strings.Repeat("n", HeaderBufferSize), Size: 1})
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadHeaderReturnsCoalescedPayload(t *testing.T) {
	header, err := EncodeHeader(Header{Name: "a.txt", Size: 11})
	require.NoError(t, err)

	stream := append(header, []byte("hello world")...)
	got, leftover, err := readHeader(bytes.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, Header{Name: "a.txt", Size: 11}, got)
	assert.Equal(t, "hello world", string(leftover))
}

func TestReadHeaderAcrossSmallReads(t *testing.T) {
	header, err := EncodeHeader(Header{Name: "split.bin", Size: 3})
	require.NoError(t, err)

	r := iotest.OneByteReader(bytes.NewReader(append(header, 'x', 'y', 'z')))
	got, leftover, err := readHeader(r)
	require.NoError(t, err)
	assert.Equal(t, "split.bin", got.Name)
	assert.Empty(t, leftover)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(rest))
}

func TestReadHeaderRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		input string
		want  error
	}{
		"not json":       {input: "hello", want: ErrMalformedHeader},
		"truncated":      {input: `{"name":"a.txt","si`, want: ErrMalformedHeader},
		"empty":          {input: "", want: ErrMalformedHeader},
		"negative size":  {input: `{"name":"a","size":-4}`, want: ErrMalformedHeader},
		"wrong kind":     {input: `{"name":"a","size":"big"}`, want: ErrMalformedHeader},
		"no header seen": {input: strings.Repeat(" ", HeaderBufferSize+10), want: ErrHeaderTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := readHeader(strings.NewReader(tc.input))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	accepted := map[string]string{
		"a.txt":                "a.txt",
		"../../etc/passwd":     "passwd",
		`..\..\boot.ini`:       "boot.ini",
		"/abs/path/report.pdf": "report.pdf",
		"with space.txt":       "with space.txt",
		"...":                  "...",
	}
	accepted[strings.Repeat("n", MaxFileNameLength)] = strings.Repeat("n", MaxFileNameLength)
	for input, want := range accepted {
		got, err := SanitizeFileName(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	rejected := []string{"", ".", "..", "dir/", "../", `a\..`, "bad\x00name", strings.Repeat("n", 256)}
	for _, input := range rejected {
		_, err := SanitizeFileName(input)
		assert.ErrorIs(t, err, ErrUnsafeFileName, "%q", input)
	}
}

func TestStreamChunksReportsEveryChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	digest, err := blake2b.New256(nil)
	require.NoError(t, err)

	var dst bytes.Buffer
	var progress []int64
	n, err := streamChunks(&dst, bytes.NewReader(payload), int64(len(payload)), ChunkSize, digest, func(done int64) {
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.Bytes())
	assert.Equal(t, []int64{4096, 8192, 10000}, progress)

	want := blake2b.Sum256(payload)
	assert.Equal(t, want[:], digest.Sum(nil))
}

func TestStreamChunksStopsAtDeclaredSize(t *testing.T) {
	var dst bytes.Buffer
	n, err := streamChunks(&dst, strings.NewReader("hello world and more"), 11, ChunkSize, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", dst.String())
}

func TestStreamChunksShortSource(t *testing.T) {
	var dst bytes.Buffer
	n, err := streamChunks(&dst, strings.NewReader("hello"), 11, ChunkSize, nil, nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int64(5), n)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, percent(0, 0))
	assert.Equal(t, 50.0, percent(5, 10))
	assert.Equal(t, 100.0, percent(10, 10))
}

func TestFailureMessageNamesFile(t *testing.T) {
	assert.Equal(t, "Error receiving file: a.txt: "+ErrIncompleteTransfer.Error(),
		failureMessage("Error receiving file", "a.txt", ErrIncompleteTransfer))
	assert.Equal(t, "Error receiving file: "+ErrMalformedHeader.Error(),
		failureMessage("Error receiving file", "", ErrMalformedHeader))
}
