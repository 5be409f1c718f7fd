package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"netxend/models"
)

const (
	// DefaultPort is the TCP transfer port.
	DefaultPort = 65432
	// HeaderBufferSize bounds the encoded transfer header.
	HeaderBufferSize = 1024
	// ChunkSize is the payload read/write unit on both sides.
	ChunkSize = 4096
	// AckLiteral is the receiver's completion acknowledgment.
	AckLiteral = "ACK"
	// HeaderSettleDelay is the sender's pause between header and payload.
	HeaderSettleDelay = 100 * time.Millisecond
	// MaxFileNameLength is the longest accepted file name in bytes.
	MaxFileNameLength = 255
)

var (
	// ErrMalformedHeader indicates the connection did not start with a valid header.
	ErrMalformedHeader = errors.New("network: malformed transfer header")
	// ErrHeaderTooLarge indicates no complete header within HeaderBufferSize bytes.
	ErrHeaderTooLarge = errors.New("network: transfer header exceeds buffer size")
	// ErrUnsafeFileName indicates a header name that cannot be stored safely.
	ErrUnsafeFileName = errors.New("network: unsafe file name")
	// ErrIncompleteTransfer indicates the stream ended before the declared size.
	ErrIncompleteTransfer = errors.New("network: incomplete transfer")
	// ErrAckMismatch indicates the receiver answered with something other than AckLiteral.
	ErrAckMismatch = errors.New("network: acknowledgment mismatch")
)

var logger = logrus.WithField("component", "network")

// Header is sent once at connection start, before any payload bytes.
type Header struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// EncodeHeader marshals a transfer header.
func EncodeHeader(header Header) ([]byte, error) {
	if header.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrMalformedHeader, header.Size)
	}
	payload, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer header: %w", err)
	}
	if len(payload) > HeaderBufferSize {
		return nil, ErrHeaderTooLarge
	}
	return payload, nil
}

// readHeader reads from r until one complete header object is buffered. Any
// payload bytes that arrived in the same reads are returned as leftover.
func readHeader(r io.Reader) (Header, []byte, error) {
	buf := make([]byte, HeaderBufferSize)
	n := 0
	for {
		if n == len(buf) {
			return Header{}, nil, ErrHeaderTooLarge
		}

		read, readErr := r.Read(buf[n:])
		n += read

		if read > 0 {
			dec := json.NewDecoder(bytes.NewReader(buf[:n]))
			var header Header
			err := dec.Decode(&header)
			switch {
			case err == nil:
				if header.Size < 0 {
					return Header{}, nil, fmt.Errorf("%w: negative size %d", ErrMalformedHeader, header.Size)
				}
				offset := int(dec.InputOffset())
				leftover := append([]byte(nil), buf[offset:n]...)
				return header, leftover, nil
			case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
				// Header split across reads.
			default:
				return Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return Header{}, nil, fmt.Errorf("%w: connection closed after %d bytes", ErrMalformedHeader, n)
			}
			return Header{}, nil, fmt.Errorf("read transfer header: %w", readErr)
		}
	}
}

// SanitizeFileName reduces an untrusted header name to a single path element.
func SanitizeFileName(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafeFileName, name)
	}

	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}

	switch {
	case base == "", base == ".", base == "..":
		return "", fmt.Errorf("%w: %q", ErrUnsafeFileName, name)
	case len(base) > MaxFileNameLength:
		return "", fmt.Errorf("%w: name is %d bytes", ErrUnsafeFileName, len(base))
	case filepath.VolumeName(base) != "":
		return "", fmt.Errorf("%w: %q names a volume", ErrUnsafeFileName, name)
	}
	return base, nil
}

// streamChunks copies exactly size bytes from src to dst in chunkSize pieces,
// feeding digest and calling onChunk with the running total after each chunk.
// A source that ends early yields io.ErrUnexpectedEOF.
func streamChunks(dst io.Writer, src io.Reader, size int64, chunkSize int, digest hash.Hash, onChunk func(done int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	var done int64
	for done < size {
		want := int64(len(buf))
		if remaining := size - done; remaining < want {
			want = remaining
		}

		n, readErr := src.Read(buf[:want])
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return done, err
			}
			if digest != nil {
				_, _ = digest.Write(buf[:n])
			}
			done += int64(n)
			if onChunk != nil {
				onChunk(done)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if done < size {
					return done, io.ErrUnexpectedEOF
				}
				break
			}
			return done, readErr
		}
	}
	return done, nil
}

// failedPercent is the progress shown next to an error line; an unknown or
// empty size reports 0 rather than 100.
// failureMessage formats an error status line, naming the file when known so
// progress sinks can drop per-file state.
func failureMessage(prefix, name string, err error) string {
	if name == "" {
		return prefix + ": " + err.Error()
	}
	return prefix + ": " + name + ": " + err.Error()
}

func failedPercent(transfer models.Transfer) float64 {
	if transfer.FileSize <= 0 {
		return 0
	}
	return percent(transfer.BytesTransferred, transfer.FileSize)
}

func percent(done, size int64) float64 {
	if size <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(size)
}
